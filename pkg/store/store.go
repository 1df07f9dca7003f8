// Package store persists coordination sessions, their published answers and
// votes, and the per-session event journal. It backs the observation API and
// WebSocket catchup; the orchestrator never reads it back, so the store is
// advisory rather than a recovery log.
//
// Two drivers are supported: embedded SQLite (modernc, pure Go) and
// PostgreSQL via pgx. Schema migrations are embedded per dialect and applied
// on open with golang-migrate.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/events"
	"github.com/massgen-ai/massgen/pkg/models"
)

// ErrNotFound is returned when a session id matches no row.
var ErrNotFound = errors.New("session not found")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store is the persistence surface for sessions, answers, votes, and the
// event journal. All writes are idempotent against journal replays: answers
// and events ignore duplicate keys, votes upsert on (session, voter).
type Store interface {
	// CreateSession inserts the row for a session that just started.
	CreateSession(ctx context.Context, sess models.Session) error
	// FinishSession records terminal status, outcome, and winner.
	FinishSession(ctx context.Context, sess models.Session) error
	// GetSession returns one session or ErrNotFound.
	GetSession(ctx context.Context, id string) (models.Session, error)
	// ListSessions returns sessions newest-first, optionally filtered by
	// status, with limit/offset paging.
	ListSessions(ctx context.Context, filters models.SessionFilters) ([]models.Session, error)
	// GetSessionDetail returns a session with its answers and current votes.
	GetSessionDetail(ctx context.Context, id string) (models.SessionDetail, error)

	// AppendEvent inserts one journal row; duplicate (session, seq) is a no-op.
	AppendEvent(ctx context.Context, ev models.JournalEvent) error
	// RecordAnswer inserts a published answer; duplicate labels are a no-op.
	RecordAnswer(ctx context.Context, sessionID string, answer models.Answer) error
	// RecordVote inserts or replaces the voter's current vote.
	RecordVote(ctx context.Context, sessionID string, vote models.Vote) error
	// InvalidateVotes removes the named voters' votes after supersession.
	InvalidateVotes(ctx context.Context, sessionID string, voters []string) error
	// ListEvents pages journal rows with seq > afterSeq in seq order.
	ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]models.JournalEvent, error)

	// PruneSessions deletes sessions that ended before cutoff, including
	// their answers, votes, and events, and returns the removed ids.
	PruneSessions(ctx context.Context, cutoff time.Time) ([]string, error)
	// Health pings the database and reports connection pool statistics.
	Health(ctx context.Context) HealthStatus
	// Close releases the underlying connection pool.
	Close() error
}

// The journal mirrors events and coordination rows through these slices of
// the store; the WebSocket bridge replays history through ListEvents.
var (
	_ events.Recorder      = Store(nil)
	_ events.CatchupSource = Store(nil)
)

// New opens the configured driver, applies pending migrations, and returns
// the ready store.
func New(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case config.StoreDriverSQLite:
		db, err = openSQLite(cfg.DSN)
	case config.StoreDriverPostgres:
		db, err = openPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := runMigrations(db, cfg.Driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate session store: %w", err)
	}
	s := &sqlStore{
		db:     db,
		driver: cfg.Driver,
		logger: logger.With("component", "store", "driver", string(cfg.Driver)),
	}
	s.logger.Info("session store ready")
	return s, nil
}

// sqlStore implements Store on database/sql for both dialects. Queries are
// written with ? placeholders and rebound to $N for PostgreSQL.
type sqlStore struct {
	db     *sql.DB
	driver config.StoreDriver
	logger *slog.Logger
}

const sessionColumns = `id, task, status, outcome, winner_label, final_content, agent_count, started_at, ended_at`

func (s *sqlStore) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`),
		sess.ID, sess.Task, string(sess.Status), string(sess.Outcome),
		sess.WinnerLabel, sess.FinalContent, sess.AgentCount, unixNano(sess.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	s.logger.Debug("session row created", "session_id", sess.ID)
	return nil
}

func (s *sqlStore) FinishSession(ctx context.Context, sess models.Session) error {
	if sess.EndedAt == nil {
		return errors.New("finish requires an end time")
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE sessions
		 SET status = ?, outcome = ?, winner_label = ?, final_content = ?, ended_at = ?
		 WHERE id = ?`),
		string(sess.Status), string(sess.Outcome), sess.WinnerLabel,
		sess.FinalContent, unixNano(*sess.EndedAt), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("session row finished", "session_id", sess.ID, "status", sess.Status)
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to read session: %w", err)
	}
	return sess, nil
}

func (s *sqlStore) ListSessions(ctx context.Context, filters models.SessionFilters) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if filters.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filters.Status)
	}
	query += ` ORDER BY started_at DESC, id DESC`

	limit := filters.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filters.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0, limit)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *sqlStore) GetSessionDetail(ctx context.Context, id string) (models.SessionDetail, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return models.SessionDetail{}, err
	}
	answers, err := s.listAnswers(ctx, id)
	if err != nil {
		return models.SessionDetail{}, err
	}
	votes, err := s.listVotes(ctx, id)
	if err != nil {
		return models.SessionDetail{}, err
	}
	return models.SessionDetail{Session: sess, Answers: answers, Votes: votes}, nil
}

func (s *sqlStore) listAnswers(ctx context.Context, sessionID string) ([]models.Answer, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT label, author, content, snapshot_id, attempt, created_at
		 FROM answers WHERE session_id = ?
		 ORDER BY created_at, label`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list answers: %w", err)
	}
	defer rows.Close()

	answers := make([]models.Answer, 0)
	for rows.Next() {
		var (
			a         models.Answer
			createdAt int64
		)
		if err := rows.Scan(&a.Label, &a.Author, &a.Content, &a.SnapshotID, &a.Attempt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan answer: %w", err)
		}
		a.CreatedAt = fromUnixNano(createdAt)
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func (s *sqlStore) listVotes(ctx context.Context, sessionID string) ([]models.Vote, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT voter, target_label, reason, cast_at
		 FROM votes WHERE session_id = ?
		 ORDER BY voter`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	votes := make([]models.Vote, 0)
	for rows.Next() {
		var (
			v      models.Vote
			castAt int64
		)
		if err := rows.Scan(&v.Voter, &v.TargetLabel, &v.Reason, &castAt); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		v.CastAt = fromUnixNano(castAt)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (s *sqlStore) AppendEvent(ctx context.Context, ev models.JournalEvent) error {
	payload := string(ev.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO events (session_id, seq, generation, type, agent_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, seq) DO NOTHING`),
		ev.SessionID, ev.Seq, int64(ev.Generation), ev.Type, ev.AgentID, payload, unixNano(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *sqlStore) RecordAnswer(ctx context.Context, sessionID string, answer models.Answer) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO answers (session_id, label, author, content, snapshot_id, attempt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, label) DO NOTHING`),
		sessionID, answer.Label, answer.Author, answer.Content,
		answer.SnapshotID, answer.Attempt, unixNano(answer.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert answer: %w", err)
	}
	return nil
}

func (s *sqlStore) RecordVote(ctx context.Context, sessionID string, vote models.Vote) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO votes (session_id, voter, target_label, reason, cast_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, voter) DO UPDATE SET
		   target_label = excluded.target_label,
		   reason = excluded.reason,
		   cast_at = excluded.cast_at`),
		sessionID, vote.Voter, vote.TargetLabel, vote.Reason, unixNano(vote.CastAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vote: %w", err)
	}
	return nil
}

func (s *sqlStore) InvalidateVotes(ctx context.Context, sessionID string, voters []string) error {
	if len(voters) == 0 {
		return nil
	}
	placeholders := make([]string, len(voters))
	args := make([]any, 0, len(voters)+1)
	args = append(args, sessionID)
	for i, v := range voters {
		placeholders[i] = "?"
		args = append(args, v)
	}
	query := fmt.Sprintf(
		`DELETE FROM votes WHERE session_id = ? AND voter IN (%s)`,
		strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("failed to remove invalidated votes: %w", err)
	}
	return nil
}

func (s *sqlStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]models.JournalEvent, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, session_id, seq, generation, type, agent_id, payload, created_at
		 FROM events
		 WHERE session_id = ? AND seq > ?
		 ORDER BY seq
		 LIMIT ?`),
		sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	list := make([]models.JournalEvent, 0, limit)
	for rows.Next() {
		var (
			ev         models.JournalEvent
			generation int64
			payload    string
			createdAt  int64
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &generation, &ev.Type, &ev.AgentID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Generation = uint64(generation)
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = fromUnixNano(createdAt)
		list = append(list, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return list, nil
}

func (s *sqlStore) PruneSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`),
		unixNano(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate expired sessions: %w", err)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	in := strings.Join(placeholders, ",")
	for _, stmt := range []string{
		`DELETE FROM events WHERE session_id IN (` + in + `)`,
		`DELETE FROM votes WHERE session_id IN (` + in + `)`,
		`DELETE FROM answers WHERE session_id IN (` + in + `)`,
		`DELETE FROM sessions WHERE id IN (` + in + `)`,
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(stmt), args...); err != nil {
			return nil, fmt.Errorf("failed to prune sessions: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit prune: %w", err)
	}
	s.logger.Info("pruned expired sessions", "count", len(ids))
	return ids, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $1..$N for PostgreSQL. SQLite consumes
// the query as written.
func (s *sqlStore) rebind(query string) string {
	if s.driver != config.StoreDriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var (
		sess      models.Session
		status    string
		outcome   string
		startedAt int64
		endedAt   sql.NullInt64
	)
	if err := row.Scan(&sess.ID, &sess.Task, &status, &outcome, &sess.WinnerLabel,
		&sess.FinalContent, &sess.AgentCount, &startedAt, &endedAt); err != nil {
		return models.Session{}, err
	}
	sess.Status = models.SessionStatus(status)
	sess.Outcome = models.OutcomeReason(outcome)
	sess.StartedAt = fromUnixNano(startedAt)
	if endedAt.Valid {
		t := fromUnixNano(endedAt.Int64)
		sess.EndedAt = &t
	}
	return sess, nil
}

// Timestamps are stored as integer Unix nanoseconds so both dialects scan
// identically and sub-second answer ordering survives the round trip.
func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
