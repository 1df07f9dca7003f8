// MassGen coordination CLI — runs one multi-agent session to completion,
// or serves the observation API with a session manager behind it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/massgen-ai/massgen/pkg/api"
	"github.com/massgen-ai/massgen/pkg/cleanup"
	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/events"
	"github.com/massgen-ai/massgen/pkg/models"
	"github.com/massgen-ai/massgen/pkg/session"
	"github.com/massgen-ai/massgen/pkg/store"
	"github.com/massgen-ai/massgen/pkg/telemetry"
	"github.com/massgen-ai/massgen/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func logLevel() slog.Level {
	switch strings.ToLower(getEnv("LOG_LEVEL", "info")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	configPath := flag.String("config", getEnv("MASSGEN_CONFIG", "./massgen.yaml"),
		"Path to the configuration file")
	task := flag.String("task", "", "Task to coordinate on (run mode)")
	serve := flag.Bool("serve", false, "Start the observation API and session manager instead of running one task")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Logs go to stderr; stdout is reserved for session output in run mode.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded", "error", err)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		logger.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	logger.Info("Configuration loaded",
		"path", cfg.ConfigPath(),
		"agents", stats.Agents,
		"backends", stats.Backends,
		"tool_servers", stats.ToolServers)

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
		}
	}()

	st, err := store.New(ctx, *cfg.Store, logger)
	if err != nil {
		logger.Error("Failed to open session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Error closing session store", "error", err)
		}
	}()

	manager, err := session.NewManager(cfg, st, logger, session.Options{})
	if err != nil {
		logger.Error("Failed to create session manager", "error", err)
		os.Exit(1)
	}

	if *serve {
		os.Exit(runServe(ctx, cfg, st, manager, logger))
	}

	if *task == "" {
		fmt.Fprintln(os.Stderr, "usage: massgen -config massgen.yaml -task \"...\" (or -serve)")
		os.Exit(2)
	}
	os.Exit(runOnce(ctx, manager, *task, logger))
}

// runOnce executes a single session, streaming its events to stdout, and
// prints the winner's final answer.
func runOnce(ctx context.Context, manager *session.Manager, task string, logger *slog.Logger) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	renderDone := make(chan struct{})
	manager.OnBus = func(_ string, bus *events.Bus) {
		sub := bus.Subscribe("cli")
		go func() {
			defer close(renderDone)
			renderEvents(sub)
		}()
	}

	id, outcome, err := manager.Run(ctx, task)
	// The bus closes when the session finishes; wait for the tail of the
	// stream so output is complete before the summary.
	select {
	case <-renderDone:
	case <-time.After(2 * time.Second):
	}

	if err != nil {
		logger.Error("Session failed", "session_id", id, "error", err)
		return 1
	}
	if outcome == nil || outcome.Winner == nil {
		logger.Error("Session ended without a winner", "session_id", id, "outcome", outcome)
		return 1
	}

	fmt.Printf("\n=== winner: %s (%s) ===\n", outcome.Winner.Label, outcome.Winner.Author)
	fmt.Println(outcome.FinalContent)
	return 0
}

// runServe starts the retention sweeper and the observation API, then
// blocks until a shutdown signal arrives.
func runServe(ctx context.Context, cfg *config.Config, st store.Store, manager *session.Manager, logger *slog.Logger) int {
	sweeper := cleanup.NewService(cfg.Retention, st, cfg.Session.WorkspaceRoot, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	server := api.NewServer(cfg.API, st, manager, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.API.Addr)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Session manager shutdown incomplete", "error", err)
	}
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
	return exitCode
}

// renderEvents prints the session's event stream in a compact text form.
// Text deltas stream inline; coordination events get their own lines.
func renderEvents(sub *events.Subscription) {
	streaming := false
	endStream := func() {
		if streaming {
			fmt.Println()
			streaming = false
		}
	}

	for ev := range sub.Events() {
		switch ev.Type {
		case events.TypeAgentTextDelta, events.TypeFinalAnswerDelta:
			var p events.TextDeltaPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				fmt.Print(p.Text)
				streaming = true
			}
		case events.TypeToolCallObserved:
			endStream()
			var p events.ToolCallObservedPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				fmt.Printf("[%s] tool %s %s\n", ev.AgentID, p.Tool, p.ArgsSummary)
			}
		case events.TypeAnswerPublished:
			endStream()
			var p events.AnswerPublishedPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				fmt.Printf("[%s] published %s\n", ev.AgentID, p.Label)
			}
		case events.TypeVoteCast:
			endStream()
			var p events.VoteCastPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				fmt.Printf("[%s] voted for %s: %s\n", ev.AgentID, p.TargetLabel, p.Reason)
			}
		case events.TypeAgentStatusChanged:
			endStream()
			var p events.AgentStatusChangedPayload
			if json.Unmarshal(ev.Payload, &p) == nil && p.Status == models.AgentStatusFailed {
				fmt.Printf("[%s] failed: %s\n", ev.AgentID, p.Detail)
			}
		case events.TypeConsensusReached:
			endStream()
			var p events.ConsensusReachedPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				fmt.Printf("=== consensus: %s by %s ===\n", p.WinnerLabel, p.Author)
			}
		case events.TypeSessionEnded:
			endStream()
			var p events.SessionEndedPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				fmt.Printf("=== session ended: %s (%s) ===\n", p.Status, p.Outcome)
			}
		}
	}
	endStream()
}
