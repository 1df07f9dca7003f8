// Package e2e runs whole coordination sessions through the session
// manager: real config, real workspaces, real tool router, a SQLite store,
// and an event journal on disk. Only the models are scripted, and tool
// servers are in-memory MCP servers.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massgen-ai/massgen/pkg/backend"
	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/events"
	"github.com/massgen-ai/massgen/pkg/mcp"
	"github.com/massgen-ai/massgen/pkg/models"
	"github.com/massgen-ai/massgen/pkg/session"
	"github.com/massgen-ai/massgen/pkg/store"
	"github.com/massgen-ai/massgen/pkg/tools"
)

// runTimeout caps one harness session; scripted sessions that take this
// long are stuck.
const runTimeout = 30 * time.Second

// emptySchema is a minimal valid input schema for in-memory test tools.
var emptySchema = json.RawMessage(`{"type":"object"}`)

// ToolServer describes one in-memory MCP server the harness wires into a
// session, with its side-effect classification.
type ToolServer struct {
	Tools             map[string]mcpsdk.ToolHandler
	SideEffects       map[string]models.SideEffectClass
	DefaultSideEffect models.SideEffectClass
}

// Options configure one harness.
type Options struct {
	// Agents in registration order. BackendRef selects the script.
	Agents []config.AgentConfig

	// Scripts keyed by backend ref.
	Scripts map[string]*backend.ScriptedBackend

	// Tune overrides the default session config.
	Tune func(*config.SessionConfig)

	// ToolServers keyed by server ID.
	ToolServers map[string]ToolServer
}

// Harness owns one manager and records every bus event of the sessions it
// runs.
type Harness struct {
	t       *testing.T
	Cfg     *config.Config
	Store   store.Store
	Manager *session.Manager

	backends map[string]*backend.ScriptedBackend

	mu        sync.Mutex
	collected []events.Event
	drained   chan struct{}
}

// scripts returns the scripted backend registered under ref.
func (h *Harness) scripts(ref string) *backend.ScriptedBackend {
	h.t.Helper()
	b, ok := h.backends[ref]
	require.True(h.t, ok, "no script registered for %s", ref)
	return b
}

func newHarness(t *testing.T, opts Options) *Harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	sessionCfg := &config.SessionConfig{
		SessionTimeout:                20 * time.Second,
		TurnTimeout:                   5 * time.Second,
		ToolTimeout:                   5 * time.Second,
		MaxAttemptsPerAgent:           5,
		MaxConsecutiveBackendFailures: 3,
		WorkspaceRoot:                 t.TempDir(),
		PlanningModeInstruction:       config.DefaultPlanningInstruction,
	}
	if opts.Tune != nil {
		opts.Tune(sessionCfg)
	}

	servers := make(map[string]*config.ToolServerConfig, len(opts.ToolServers))
	for id, ts := range opts.ToolServers {
		servers[id] = &config.ToolServerConfig{
			Transport:         config.TransportTypeStdio,
			Command:           "unused-in-memory",
			SideEffects:       ts.SideEffects,
			DefaultSideEffect: ts.DefaultSideEffect,
		}
	}

	cfg := &config.Config{
		Session:            sessionCfg,
		Agents:             opts.Agents,
		Store:              config.DefaultStoreConfig(),
		Masking:            config.DefaultMaskingConfig(),
		BackendRegistry:    config.NewBackendRegistry(nil),
		ToolServerRegistry: config.NewToolServerRegistry(servers),
	}

	st, err := store.New(context.Background(), config.StoreConfig{
		Driver: config.StoreDriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "massgen.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry, err := backend.NewRegistry(nil, logger)
	require.NoError(t, err)
	for ref, b := range opts.Scripts {
		registry.Register(ref, b)
	}

	manager, err := session.NewManager(cfg, st, logger, session.Options{Backends: registry})
	require.NoError(t, err)

	h := &Harness{
		t: t, Cfg: cfg, Store: st, Manager: manager,
		backends: opts.Scripts,
		drained:  make(chan struct{}),
	}

	manager.OnBus = func(_ string, bus *events.Bus) {
		sub := bus.Subscribe("e2e-recorder")
		go func() {
			for ev := range sub.Events() {
				h.mu.Lock()
				h.collected = append(h.collected, ev)
				h.mu.Unlock()
			}
			close(h.drained)
		}()
	}

	if len(opts.ToolServers) > 0 {
		manager.NewMCPClient = func(l *slog.Logger) *mcp.Client {
			client := mcp.NewClient(cfg.ToolServerRegistry, l)
			for id, ts := range opts.ToolServers {
				injectInMemoryServer(t, client, id, ts.Tools)
			}
			return client
		}
	}

	return h
}

// injectInMemoryServer starts an MCP server over in-memory transports and
// wires its pre-connected session into the client, bypassing transport
// creation.
func injectInMemoryServer(t *testing.T, client *mcp.Client, serverID string, handlers map[string]mcpsdk.ToolHandler) {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: serverID, Version: "e2e"}, nil)
	for name, handler := range handlers {
		server.AddTool(&mcpsdk.Tool{
			Name:        name,
			Description: "e2e tool: " + name,
			InputSchema: emptySchema,
		}, handler)
	}

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	go func() { _ = server.Run(context.Background(), serverTransport) }()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "massgen-e2e", Version: "test"}, nil)
	sdkSession, err := sdkClient.Connect(context.Background(), clientTransport, nil)
	require.NoError(t, err)

	client.InjectSession(serverID, sdkClient, sdkSession)
}

// Run executes one session to completion and returns its ID, outcome, and
// the full recorded event stream.
func (h *Harness) Run(ctx context.Context, task string) (string, *models.SessionOutcome, []events.Event) {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	id, outcome, err := h.Manager.Run(ctx, task)
	require.NoError(h.t, err)

	select {
	case <-h.drained:
	case <-time.After(5 * time.Second):
		h.t.Fatal("event recorder never drained; bus was not closed")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return id, outcome, append([]events.Event(nil), h.collected...)
}

// ─── event assertions ───

func ofType(evs []events.Event, typ events.EventType) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func oneEvent(t *testing.T, evs []events.Event, typ events.EventType) events.Event {
	t.Helper()
	matches := ofType(evs, typ)
	require.Len(t, matches, 1, "expected exactly one %s event", typ)
	return matches[0]
}

func payload[T any](t *testing.T, ev events.Event) T {
	t.Helper()
	var p T
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p
}

// requireStreamInvariants checks the properties every session stream must
// satisfy: strictly increasing seq, non-decreasing generation, and the
// started/ended envelope.
func requireStreamInvariants(t *testing.T, evs []events.Event) {
	t.Helper()
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeSessionStarted, evs[0].Type)
	assert.Equal(t, events.TypeSessionEnded, evs[len(evs)-1].Type)

	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Seq, evs[i-1].Seq,
			"seq not strictly increasing at index %d", i)
		assert.GreaterOrEqual(t, evs[i].Generation, evs[i-1].Generation,
			"generation went backwards at index %d (%s after %s)", i, evs[i].Type, evs[i-1].Type)
	}
}

// ─── scripted agents ───

// scriptedAgent adapts a (call, turn message) function to the backend
// script interface. The turn's user message is always the first message.
func scriptedAgent(fn func(call int, msg string) backend.ScriptedTurn) *backend.ScriptedBackend {
	return backend.NewScriptedBackendFunc(func(call int, req backend.TurnRequest) backend.ScriptedTurn {
		msg := ""
		if len(req.Messages) > 0 {
			msg = req.Messages[0].Content
		}
		return fn(call, msg)
	})
}

// scriptedConversation adapts a function that sees the whole conversation
// flattened to one string, for scripts that react to tool results.
func scriptedConversation(fn func(call int, conversation string) backend.ScriptedTurn) *backend.ScriptedBackend {
	return backend.NewScriptedBackendFunc(func(call int, req backend.TurnRequest) backend.ScriptedTurn {
		var all string
		for _, msg := range req.Messages {
			all += msg.Content + "\n"
		}
		return fn(call, all)
	})
}

func newAnswerCall(id, content string) models.ToolCall {
	return models.ToolCall{
		ID:        id,
		Name:      tools.ToolNewAnswer,
		Arguments: fmt.Sprintf(`{"content": %q}`, content),
	}
}

func voteCall(id, target, reason string) models.ToolCall {
	return models.ToolCall{
		ID:        id,
		Name:      tools.ToolVote,
		Arguments: fmt.Sprintf(`{"target": %q, "reason": %q}`, target, reason),
	}
}

func externalCall(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Arguments: args}
}

func hangingAgent() *backend.ScriptedBackend {
	return scriptedAgent(func(int, string) backend.ScriptedTurn { return backend.HangTurn() })
}

func defaultAgents(n int) ([]config.AgentConfig, []string) {
	agents := make([]config.AgentConfig, 0, n)
	refs := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ref := fmt.Sprintf("scripted-%d", i)
		agents = append(agents, config.AgentConfig{
			AgentID:    fmt.Sprintf("agent-%d", i),
			BackendRef: ref,
		})
		refs = append(refs, ref)
	}
	return agents, refs
}
