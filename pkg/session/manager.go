// Package session runs coordination sessions end to end. The manager wires
// each session's workspace, backends, tool plane, event bus, journal, and
// orchestrator together, bounds how many sessions run at once, and exposes
// cancellation and live event attachment to the CLI and the HTTP API.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/massgen-ai/massgen/pkg/backend"
	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/events"
	"github.com/massgen-ai/massgen/pkg/masking"
	"github.com/massgen-ai/massgen/pkg/mcp"
	"github.com/massgen-ai/massgen/pkg/models"
	"github.com/massgen-ai/massgen/pkg/store"
)

// defaultMaxConcurrent bounds parallel sessions when Options leaves
// MaxConcurrent zero. Each session runs one goroutine per agent plus the
// orchestrator loop, so the real ceiling is backend rate limits, not CPU.
const defaultMaxConcurrent = 4

var (
	// ErrBusy means every concurrency slot is taken.
	ErrBusy = errors.New("session capacity reached")

	// ErrShuttingDown means the manager no longer accepts sessions.
	ErrShuttingDown = errors.New("session manager is shutting down")
)

// Options tune the manager beyond what configuration carries.
type Options struct {
	// MaxConcurrent bounds how many sessions run in parallel. Zero means
	// defaultMaxConcurrent.
	MaxConcurrent int

	// Backends replaces the registry built from configuration. Tests use
	// it to install scripted backends.
	Backends *backend.Registry
}

// Manager owns every running session. One manager serves the whole
// process; the CLI runs a single session through it, the API submits and
// cancels sessions against it.
type Manager struct {
	cfg      *config.Config
	store    store.Store
	backends *backend.Registry
	masker   *masking.Masker
	logger   *slog.Logger

	// OnBus runs synchronously right after a session's bus is created and
	// before any event is published, so callers can subscribe from seq 1.
	// The CLI uses it to stream progress; tests use it to record events.
	OnBus func(sessionID string, bus *events.Bus)

	// NewMCPClient builds the per-session MCP client. Tests replace it to
	// inject in-memory tool servers.
	NewMCPClient func(logger *slog.Logger) *mcp.Client

	sem *semaphore.Weighted

	mu      sync.Mutex
	active  map[string]*activeSession
	closing bool

	wg sync.WaitGroup
}

// activeSession is the registry entry for one running session: the cancel
// function Cancel and Shutdown use, and the bus Attach hands to streaming
// consumers once the session has wired one.
type activeSession struct {
	task   string
	cancel context.CancelFunc
	bus    *events.Bus
}

// The manager is the live half of the websocket bridge: attached
// subscribers follow the bus while the session runs, the store covers the
// rest.
var _ events.LiveSource = (*Manager)(nil)

// NewManager builds a session manager over the given configuration and
// store. The store may be nil; sessions then journal to disk only and the
// observation API has nothing to read.
func NewManager(cfg *config.Config, st store.Store, logger *slog.Logger, opts Options) (*Manager, error) {
	registry := opts.Backends
	if registry == nil {
		cfgs := make(map[string]config.BackendConfig, cfg.BackendRegistry.Len())
		for ref, bc := range cfg.BackendRegistry.GetAll() {
			cfgs[ref] = *bc
		}
		var err error
		registry, err = backend.NewRegistry(cfgs, logger)
		if err != nil {
			return nil, err
		}
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	m := &Manager{
		cfg:      cfg,
		store:    st,
		backends: registry,
		masker:   masking.New(cfg.Masking, logger),
		logger:   logger.With("component", "session_manager"),
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		active:   make(map[string]*activeSession),
	}
	m.NewMCPClient = func(l *slog.Logger) *mcp.Client {
		return mcp.NewClient(cfg.ToolServerRegistry, l)
	}
	return m, nil
}

// Run executes one session to completion and returns its ID and outcome.
// It blocks for a concurrency slot; canceling ctx both frees the wait and
// stops a running session.
func (m *Manager) Run(ctx context.Context, task string) (string, *models.SessionOutcome, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return "", nil, err
	}
	defer m.sem.Release(1)

	id := uuid.NewString()
	sessionCtx, err := m.register(ctx, id, task)
	if err != nil {
		return "", nil, err
	}
	defer m.unregister(id)

	outcome, err := m.runSession(sessionCtx, id, task)
	return id, outcome, err
}

// Submit starts a session in the background and returns its ID right away.
// It fails fast with ErrBusy when no concurrency slot is free, so the API
// can refuse instead of queueing unbounded work.
func (m *Manager) Submit(task string) (string, error) {
	if !m.sem.TryAcquire(1) {
		return "", ErrBusy
	}

	id := uuid.NewString()
	sessionCtx, err := m.register(context.Background(), id, task)
	if err != nil {
		m.sem.Release(1)
		return "", err
	}

	go func() {
		defer m.sem.Release(1)
		defer m.unregister(id)
		if _, err := m.runSession(sessionCtx, id, task); err != nil {
			m.logger.Error("session failed", "session_id", id, "error", err)
		}
	}()

	return id, nil
}

// Cancel stops a running session and reports whether it was active. The
// orchestrator winds the session down through its timeout path: it falls
// back to whatever published answers exist.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	entry, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.logger.Info("canceling session", "session_id", id)
	entry.cancel()
	return true
}

// Attach subscribes to a running session's bus. ok is false when the
// session is not active or has not wired its bus yet; callers fall back to
// the journal.
func (m *Manager) Attach(sessionID, subscriber string) (*events.Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.active[sessionID]
	if !ok || entry.bus == nil {
		return nil, false
	}
	return entry.bus.Subscribe(subscriber), true
}

// ActiveCount reports how many sessions are currently running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown cancels every running session and waits for them to unwind,
// bounded by ctx. New sessions are refused from the first call on.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	ids := make([]string, 0, len(m.active))
	for id, entry := range m.active {
		ids = append(ids, id)
		entry.cancel()
	}
	m.mu.Unlock()

	if len(ids) > 0 {
		m.logger.Info("canceling active sessions for shutdown",
			"count", len(ids), "session_ids", ids)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("session manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted with sessions still unwinding: %w", ctx.Err())
	}
}

// register claims a registry slot for a new session and derives its
// cancelable context.
func (m *Manager) register(ctx context.Context, id, task string) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return nil, ErrShuttingDown
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	m.active[id] = &activeSession{task: task, cancel: cancel}
	m.wg.Add(1)
	return sessionCtx, nil
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	if entry, ok := m.active[id]; ok {
		entry.cancel()
		delete(m.active, id)
	}
	m.mu.Unlock()
	m.wg.Done()
}

// setBus publishes the session's bus to the registry once wiring reaches
// the point where events can flow.
func (m *Manager) setBus(id string, bus *events.Bus) {
	m.mu.Lock()
	if entry, ok := m.active[id]; ok {
		entry.bus = bus
	}
	m.mu.Unlock()
}
