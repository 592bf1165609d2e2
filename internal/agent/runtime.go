// Package agent owns the turn orchestrator: per-session serialised turn
// loops, tool-call dispatch, compaction, and the bootstrap state machine.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pith-sh/pith/internal/assemble"
	"github.com/pith-sh/pith/internal/audit"
	"github.com/pith-sh/pith/internal/config"
	"github.com/pith-sh/pith/internal/events"
	"github.com/pith-sh/pith/internal/model"
	"github.com/pith-sh/pith/internal/store"
	"github.com/pith-sh/pith/internal/tools"
)

// ErrBusy rejects a turn submitted while the session is already running one.
var ErrBusy = errors.New("session is busy")

// Runtime is the single owned value of the process: everything flows
// through it.
type Runtime struct {
	cfg       *config.Config
	store     *store.Store
	registry  *tools.Registry
	assembler *assemble.Assembler
	bus       *events.Bus
	audit     *audit.Logger
	model     model.Model
	logger    *slog.Logger
	started   time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRuntime wires the orchestrator together.
func NewRuntime(cfg *config.Config, st *store.Store, reg *tools.Registry, asm *assemble.Assembler, bus *events.Bus, auditLog *audit.Logger, model model.Model) *Runtime {
	return &Runtime{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		assembler: asm,
		bus:       bus,
		audit:     auditLog,
		model:     model,
		logger:    slog.Default().With("component", "runtime"),
		started:   time.Now(),
		locks:     map[string]*sync.Mutex{},
	}
}

// Bus exposes the event bus for subscribers (API, channels).
func (r *Runtime) Bus() *events.Bus { return r.bus }

// Registry exposes the tool registry.
func (r *Runtime) Registry() *tools.Registry { return r.registry }

// Store exposes the persistence layer.
func (r *Runtime) Store() *store.Store { return r.store }

// tryLock acquires the per-session lock without blocking.
func (r *Runtime) tryLock(sessionID string) (func(), error) {
	r.mu.Lock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sessionID] = l
	}
	r.mu.Unlock()

	if !l.TryLock() {
		return nil, ErrBusy
	}
	return l.Unlock, nil
}

// NewSession allocates a fresh session and points active_session_id at it.
func (r *Runtime) NewSession(ctx context.Context) (string, error) {
	id := uuid.New().String()
	if err := r.store.CreateSession(ctx, id); err != nil {
		return "", err
	}
	if err := r.store.SetAppState(ctx, store.StateActiveSession, id); err != nil {
		return "", err
	}
	return id, nil
}

// EnsureSession creates the session row if the id is new, preserving
// idempotence for externally supplied client ids.
func (r *Runtime) EnsureSession(ctx context.Context, id string) error {
	return r.store.CreateSession(ctx, id)
}

// ActiveSession returns the session channels address, creating one on first
// use.
func (r *Runtime) ActiveSession(ctx context.Context) (string, error) {
	id, ok, err := r.store.GetAppState(ctx, store.StateActiveSession)
	if err != nil {
		return "", err
	}
	if ok {
		if _, err := r.store.GetSession(ctx, id); err == nil {
			return id, nil
		}
	}
	return r.NewSession(ctx)
}

// SubmitTurn starts one turn asynchronously and returns its id. The turn
// runs under its own deadline; events arrive on the bus. A concurrent turn
// on the same session is rejected with ErrBusy.
func (r *Runtime) SubmitTurn(ctx context.Context, sessionID, text string, deadline time.Duration) (string, error) {
	if err := r.EnsureSession(ctx, sessionID); err != nil {
		return "", err
	}
	release, err := r.tryLock(sessionID)
	if err != nil {
		return "", err
	}

	turnID := uuid.New().String()
	go func() {
		defer release()
		r.runTurn(sessionID, turnID, text, "", deadline)
	}()
	return turnID, nil
}

// Turn runs one turn synchronously and returns the terminal assistant text.
// Channels use this to relay the reply.
func (r *Runtime) Turn(ctx context.Context, sessionID, text, channel string) (string, error) {
	if cmd, ok := slashCommand(text); ok {
		return r.Command(ctx, sessionID, cmd)
	}
	if err := r.EnsureSession(ctx, sessionID); err != nil {
		return "", err
	}
	release, err := r.tryLock(sessionID)
	if err != nil {
		return "", err
	}
	defer release()
	return r.runTurn(sessionID, uuid.New().String(), text, channel, r.cfg.TurnDeadline()), nil
}

func slashCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	switch trimmed {
	case "/new", "/compact", "/info":
		return strings.TrimPrefix(trimmed, "/"), true
	}
	return "", false
}

// Command handles the session control verbs shared by slash commands and
// POST /sessions/{id}/commands. No model call is made for new or info.
func (r *Runtime) Command(ctx context.Context, sessionID, cmd string) (string, error) {
	switch cmd {
	case "new":
		id, err := r.NewSession(ctx)
		if err != nil {
			return "", err
		}
		return id, nil
	case "compact":
		release, err := r.tryLock(sessionID)
		if err != nil {
			return "", err
		}
		defer release()
		return r.compactSession(ctx, sessionID)
	case "info":
		return r.sessionInfo(ctx, sessionID)
	default:
		return "", fmt.Errorf("unknown command %q", cmd)
	}
}

func (r *Runtime) sessionInfo(ctx context.Context, sessionID string) (string, error) {
	bootstrap, err := r.store.BootstrapComplete(ctx)
	if err != nil {
		return "", err
	}
	agentProfile, err := r.store.GetProfile(ctx, store.ProfileAgent)
	if err != nil {
		return "", err
	}
	userProfile, err := r.store.GetProfile(ctx, store.ProfileUser)
	if err != nil {
		return "", err
	}
	count, err := r.store.MessageCount(ctx, sessionID)
	if err != nil {
		return "", err
	}
	info := map[string]any{
		"session_id":         sessionID,
		"bootstrap_complete": bootstrap,
		"agent_profile":      agentProfile,
		"user_profile":       userProfile,
		"message_count":      count,
	}
	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Status summarises runtime state for GET /status.
type Status struct {
	BootstrapComplete bool   `json:"bootstrap_complete"`
	Sessions          int    `json:"sessions"`
	Tools             int    `json:"tools"`
	Memories          int    `json:"memories"`
	ActiveSession     string `json:"active_session,omitempty"`
	Uptime            int64  `json:"uptime_seconds"`
}

// Status reports the runtime summary.
func (r *Runtime) Status(ctx context.Context) (*Status, error) {
	bootstrap, err := r.store.BootstrapComplete(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := r.store.SessionCount(ctx)
	if err != nil {
		return nil, err
	}
	memories, err := r.store.MemoryCount(ctx)
	if err != nil {
		return nil, err
	}
	active, _, err := r.store.GetAppState(ctx, store.StateActiveSession)
	if err != nil {
		return nil, err
	}
	return &Status{
		BootstrapComplete: bootstrap,
		Sessions:          sessions,
		Tools:             r.registry.Len(),
		Memories:          memories,
		ActiveSession:     active,
		Uptime:            int64(time.Since(r.started) / time.Second),
	}, nil
}

// Healthy reports whether the store is reachable and the registry holds the
// built-ins.
func (r *Runtime) Healthy(ctx context.Context) bool {
	return r.store.Ping(ctx) == nil && r.registry.Len() > 0
}
