// Package audit writes the machine-readable event trail: one JSON object per
// line in the log directory, mirrored into the store's audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType enumerates the audited actions. The schema of each is stable.
type EventType string

const (
	EventTurn            EventType = "turn"
	EventToolCall        EventType = "tool_call"
	EventMemoryRetrieval EventType = "memory_retrieval"
	EventProfileUpdate   EventType = "profile_update"
	EventExtensionReload EventType = "extension_reload"
)

// Event is one audit record.
type Event struct {
	Time   time.Time      `json:"ts"`
	Type   EventType      `json:"type"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Sink receives the database mirror of each event.
type Sink interface {
	AppendAudit(ctx context.Context, eventType string, payload []byte) error
}

// Logger buffers events on a channel and writes them from a single worker so
// hot paths never block on disk.
type Logger struct {
	file   *os.File
	sink   Sink
	buffer chan *Event
	done   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

const defaultBuffer = 1024

// NewLogger opens (appending) dir/events.jsonl and starts the writer. sink
// may be nil to skip the database mirror.
func NewLogger(dir string, sink Sink) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l := &Logger{
		file:   f,
		sink:   sink,
		buffer: make(chan *Event, defaultBuffer),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "audit"),
	}
	l.wg.Add(1)
	go l.worker()
	return l, nil
}

// Log enqueues one event. Events are dropped (with a warning) rather than
// blocking when the buffer is full.
func (l *Logger) Log(typ EventType, fields map[string]any) {
	ev := &Event{Time: time.Now().UTC(), Type: typ, Fields: fields}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	select {
	case l.buffer <- ev:
	default:
		l.logger.Warn("audit buffer full, dropping event", "type", typ)
	}
	l.mu.Unlock()
}

// Close drains the buffer and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
	return l.file.Close()
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.buffer:
			l.write(ev)
		case <-l.done:
			for {
				select {
				case ev := <-l.buffer:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(ev *Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("failed to marshal audit event", "error", err)
		return
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.logger.Warn("failed to write audit event", "error", err)
	}
	if l.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.sink.AppendAudit(ctx, string(ev.Type), line); err != nil {
			l.logger.Warn("failed to mirror audit event", "error", err)
		}
		cancel()
	}
}
