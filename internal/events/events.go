// Package events is the per-session fan-out bus for typed turn events.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies one event kind on the wire.
type Type string

const (
	TurnStarted      Type = "turn_started"
	AssistantDelta   Type = "assistant_delta"
	ToolCallStarted  Type = "tool_call_started"
	ToolCallFinished Type = "tool_call_finished"
	AssistantMessage Type = "assistant_message"
	TurnFinished     Type = "turn_finished"
	AppStateChanged  Type = "app_state_changed"
	SubscriberLagged Type = "subscriber_lagged"
	ReloadFailure    Type = "reload_failure"
)

// Event is one typed bus event. Seq is monotonic per session so SSE clients
// can detect gaps; events with an empty SessionID are broadcast to every
// subscriber with a globally monotonic Seq.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	TurnID    string         `json:"turn_id,omitempty"`
	Seq       uint64         `json:"seq"`
	Time      time.Time      `json:"ts"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber receives events over a bounded channel. When the subscriber
// cannot keep up it is dropped and its channel closed; it never back-pressures
// the publisher.
type Subscriber struct {
	C         <-chan Event
	ch        chan Event
	sessionID string
	id        uint64
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Bus fans events out to per-session subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*Subscriber // session id -> subscriber set
	seq    map[string]uint64                 // per-session sequence
	gseq   uint64                            // broadcast sequence
	nextID uint64
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   map[string]map[uint64]*Subscriber{},
		seq:    map[string]uint64{},
		logger: slog.Default().With("component", "events"),
	}
}

// Subscribe registers a subscriber for one session's events (plus
// broadcasts). buffer <= 0 uses DefaultBuffer.
func (b *Bus) Subscribe(sessionID string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscriber{C: ch, ch: ch, sessionID: sessionID, id: b.nextID}
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = map[uint64]*Subscriber{}
	}
	b.subs[sessionID][sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub *Subscriber) {
	set := b.subs[sub.sessionID]
	if set == nil {
		return
	}
	if _, ok := set[sub.id]; !ok {
		return
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(b.subs, sub.sessionID)
	}
	close(sub.ch)
}

// Publish stamps the event and delivers it without blocking. Subscribers
// whose buffers are full are dropped; the remaining subscribers of that
// session observe a subscriber_lagged event.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	if ev.SessionID == "" {
		b.gseq++
		ev.Seq = b.gseq
		for _, set := range b.subs {
			b.deliverLocked(set, ev)
		}
		return
	}

	b.seq[ev.SessionID]++
	ev.Seq = b.seq[ev.SessionID]
	b.deliverLocked(b.subs[ev.SessionID], ev)
}

func (b *Bus) deliverLocked(set map[uint64]*Subscriber, ev Event) {
	var lagged []*Subscriber
	for _, sub := range set {
		select {
		case sub.ch <- ev:
		default:
			lagged = append(lagged, sub)
		}
	}
	for _, sub := range lagged {
		b.logger.Warn("dropping lagged subscriber", "session_id", sub.sessionID)
		b.removeLocked(sub)
	}
	if len(lagged) > 0 && ev.Type != SubscriberLagged {
		// all subscribers in a set share a session; the notice belongs to
		// that session even when the dropped event was a broadcast
		session := lagged[0].sessionID
		b.seq[session]++
		note := Event{
			Type:      SubscriberLagged,
			SessionID: session,
			Seq:       b.seq[session],
			Time:      time.Now().UTC(),
			Data:      map[string]any{"dropped": len(lagged)},
		}
		b.deliverLocked(b.subs[session], note)
	}
}
