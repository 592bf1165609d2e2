package extensions

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pith-sh/pith/internal/audit"
	"github.com/pith-sh/pith/internal/events"
	"github.com/pith-sh/pith/internal/tools"
)

// Manager scans workspace/extensions/tools and keeps the registry in sync:
// descriptors are swapped atomically on change, removed on delete, and on
// load failure the previous descriptor survives while a reload_failure event
// is emitted.
type Manager struct {
	dir      string
	registry *tools.Registry
	bus      *events.Bus
	audit    *audit.Logger
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	mu     sync.Mutex
	loaded map[string]string // path -> fingerprint
}

// NewManager creates a manager rooted at dir (created if absent).
func NewManager(dir string, registry *tools.Registry, bus *events.Bus, auditLog *audit.Logger) *Manager {
	return &Manager{
		dir:      dir,
		registry: registry,
		bus:      bus,
		audit:    auditLog,
		logger:   slog.Default().With("component", "extensions"),
		debounce: 250 * time.Millisecond,
		loaded:   map[string]string{},
	}
}

// Start performs the initial scan and begins watching for changes.
func (m *Manager) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}

	// channel sources share the extensions directory layout but are not
	// executable in this build; say so instead of silently skipping them
	channelsDir := filepath.Join(filepath.Dir(m.dir), "channels")
	if entries, err := os.ReadDir(channelsDir); err == nil && len(entries) > 0 {
		m.logger.Warn("ignoring channel extensions", "dir", channelsDir, "count", len(entries))
	}

	m.ScanAll()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.watchLoop(watchCtx)
	return nil
}

// Close stops the watcher.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	var err error
	if m.watcher != nil {
		err = m.watcher.Close()
	}
	m.wg.Wait()
	return err
}

// ScanAll loads every eligible file in the directory.
func (m *Manager) ScanAll() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.logger.Warn("failed to scan extensions dir", "dir", m.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if path := filepath.Join(m.dir, e.Name()); eligible(e.Name()) {
			m.loadFile(path)
		}
	}
}

func eligible(name string) bool {
	return strings.HasSuffix(name, ".py") && !strings.HasPrefix(name, "_")
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.wg.Done()

	timers := map[string]*time.Timer{}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !eligible(name) {
				continue
			}
			path := event.Name
			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				m.removeFile(path)
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				// debounce per path so editors that write in bursts load once
				if t, ok := timers[path]; ok {
					t.Stop()
				}
				timers[path] = time.AfterFunc(m.debounce, func() {
					m.loadFile(path)
				})
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watcher error", "error", err)
		}
	}
}

func (m *Manager) loadFile(path string) {
	name := strings.TrimSuffix(filepath.Base(path), ".py")

	if strings.HasPrefix(name, tools.ReservedPrefix) {
		m.reportFailure(name, string(tools.ErrReservedPrefix), "extension names may not use the MCP__ prefix")
		return
	}

	spec, err := ParseFile(path)
	if err != nil {
		m.reportFailure(name, string(tools.ErrLoadFailure), err.Error())
		return
	}

	m.mu.Lock()
	unchanged := m.loaded[path] == spec.Fingerprint
	m.mu.Unlock()
	if unchanged {
		return
	}

	desc := &tools.Descriptor{
		Name:        spec.Name,
		Origin:      tools.OriginExtension,
		Description: spec.Description,
		Schema:      spec.Schema,
		Fingerprint: spec.Fingerprint,
		Run:         &runner{path: path},
	}
	if err := m.registry.Replace(desc); err != nil {
		kind := string(tools.ErrLoadFailure)
		if rerr, ok := err.(*tools.RegistryError); ok {
			kind = string(rerr.Kind)
		}
		m.reportFailure(name, kind, err.Error())
		return
	}

	m.mu.Lock()
	m.loaded[path] = spec.Fingerprint
	m.mu.Unlock()

	m.logger.Info("extension loaded", "name", spec.Name)
	if m.audit != nil {
		m.audit.Log(audit.EventExtensionReload, map[string]any{"name": spec.Name, "ok": true})
	}
}

func (m *Manager) removeFile(path string) {
	name := strings.TrimSuffix(filepath.Base(path), ".py")

	m.mu.Lock()
	_, wasLoaded := m.loaded[path]
	delete(m.loaded, path)
	m.mu.Unlock()
	if !wasLoaded {
		return
	}

	m.registry.Unregister(name)
	m.logger.Info("extension removed", "name", name)
	if m.audit != nil {
		m.audit.Log(audit.EventExtensionReload, map[string]any{"name": name, "ok": true, "removed": true})
	}
}

func (m *Manager) reportFailure(name, kind, detail string) {
	m.logger.Warn("extension load failed", "name", name, "kind", kind, "detail", detail)
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type: events.ReloadFailure,
			Data: map[string]any{"name": name, "kind": kind, "detail": detail},
		})
	}
	if m.audit != nil {
		m.audit.Log(audit.EventExtensionReload, map[string]any{
			"name": name, "ok": false, "kind": kind, "detail": detail,
		})
	}
}
