// Package cleanup enforces retention: it prunes ended sessions past their
// retention window from both the store and the workspace root, and sweeps
// the snapshot directories a finished session no longer references.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/store"
	"github.com/massgen-ai/massgen/pkg/workspace"
)

// Service periodically prunes sessions that ended before the retention
// window. Pruning removes the store rows (session, answers, votes, events)
// and the session's directory under the workspace root. Every operation is
// idempotent; a missed run just means the next one removes more.
type Service struct {
	cfg           *config.RetentionConfig
	store         store.Store
	workspaceRoot string
	logger        *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds the retention sweeper. The store identifies which
// sessions have ended and when; without one there is nothing authoritative
// to prune against, so RunOnce becomes a no-op.
func NewService(cfg *config.RetentionConfig, st store.Store, workspaceRoot string, logger *slog.Logger) *Service {
	return &Service{
		cfg:           cfg,
		store:         st,
		workspaceRoot: workspaceRoot,
		logger:        logger.With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop. Safe to call once; further
// calls are ignored until Stop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("cleanup service started",
		"session_retention", s.cfg.SessionRetention,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	count, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("retention sweep pruned sessions", "count", count)
	}
}

// RunOnce prunes sessions that ended before the retention cutoff and
// removes their workspace directories. It returns how many sessions were
// pruned. The CLI calls this directly for one-shot cleanup.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-s.cfg.SessionRetention)
	ids, err := s.store.PruneSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		dir := filepath.Join(s.workspaceRoot, id)
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Error("failed to remove session directory",
				"session_id", id, "dir", dir, "error", err)
			continue
		}
		s.logger.Debug("removed session directory", "session_id", id)
	}
	return len(ids), nil
}

// SweepSnapshots removes every snapshot directory of a finished session,
// plus staging leftovers. The session manager calls it after the winner's
// snapshot has been promoted into final/, at which point no snapshot is
// referenced anymore. Failures are logged, not returned: the retention
// loop removes the whole session directory eventually.
func SweepSnapshots(ws *workspace.Manager, logger *slog.Logger) {
	log := logger.With("component", "cleanup")

	if err := ws.RemoveStaleStaging(); err != nil {
		log.Warn("failed to sweep staging leftovers", "error", err)
	}

	ids, err := ws.Snapshots()
	if err != nil {
		log.Warn("failed to list snapshots for sweep", "error", err)
		return
	}
	for _, id := range ids {
		if err := ws.RemoveSnapshot(id); err != nil {
			log.Warn("failed to remove snapshot", "snapshot_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		log.Debug("swept session snapshots", "count", len(ids))
	}
}
