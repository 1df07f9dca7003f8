package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/massgen-ai/massgen/pkg/models"
)

// journalFileName is the per-session JSONL event log under the session's
// log directory.
const journalFileName = "events.jsonl"

// Recorder is the slice of the store the journal writes through. Nil-able:
// a journal without a recorder keeps only the JSONL file.
type Recorder interface {
	AppendEvent(ctx context.Context, ev models.JournalEvent) error
	RecordAnswer(ctx context.Context, sessionID string, answer models.Answer) error
	RecordVote(ctx context.Context, sessionID string, vote models.Vote) error
	InvalidateVotes(ctx context.Context, sessionID string, voters []string) error
}

// Journal consumes a bus subscription and persists every event: one JSONL
// line per event in the session's log directory, plus mirrored store rows
// when a recorder is configured. Answer and vote events additionally
// update their dedicated tables so the API can read coordination results
// without replaying the event log.
//
// Persistence failures are logged and skipped; the journal never stalls
// or aborts a running session.
type Journal struct {
	sub      *Subscription
	file     *os.File
	recorder Recorder
	logger   *slog.Logger
	done     chan struct{}
}

// NewJournal opens logDir/events.jsonl and starts consuming sub. The
// caller closes the bus first and then calls Close to flush.
func NewJournal(sub *Subscription, logDir string, recorder Recorder, logger *slog.Logger) (*Journal, error) {
	path := filepath.Join(logDir, journalFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}
	j := &Journal{
		sub:      sub,
		file:     file,
		recorder: recorder,
		logger:   logger.With("component", "journal"),
		done:     make(chan struct{}),
	}
	go j.run()
	return j, nil
}

// Close waits for the subscription to drain, then syncs and closes the
// file. Call after Bus.Close so no events are lost.
func (j *Journal) Close() error {
	<-j.done
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return fmt.Errorf("failed to sync event journal: %w", err)
	}
	return j.file.Close()
}

func (j *Journal) run() {
	defer close(j.done)
	for ev := range j.sub.Events() {
		j.writeLine(ev)
		j.mirror(ev)
	}
}

func (j *Journal) writeLine(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		j.logger.Error("failed to encode journal event", "type", ev.Type, "error", err)
		return
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		j.logger.Error("failed to append journal event", "type", ev.Type, "error", err)
	}
}

// mirror writes the event row and, for answers and votes, the structured
// rows the API serves session detail from.
func (j *Journal) mirror(ev Event) {
	if j.recorder == nil {
		return
	}
	ctx := context.Background()
	if err := j.recorder.AppendEvent(ctx, journalRow(ev)); err != nil {
		j.logger.Error("failed to store journal event", "type", ev.Type, "seq", ev.Seq, "error", err)
	}

	switch ev.Type {
	case TypeAnswerPublished:
		var p AnswerPublishedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			j.logger.Error("malformed answer payload", "seq", ev.Seq, "error", err)
			return
		}
		answer := models.Answer{
			Label:      p.Label,
			Author:     ev.AgentID,
			Content:    p.Content,
			SnapshotID: p.SnapshotID,
			Attempt:    p.Attempt,
			CreatedAt:  p.CreatedAt,
		}
		if err := j.recorder.RecordAnswer(ctx, ev.SessionID, answer); err != nil {
			j.logger.Error("failed to store answer", "label", p.Label, "error", err)
		}
		if len(p.InvalidatedVoters) > 0 {
			if err := j.recorder.InvalidateVotes(ctx, ev.SessionID, p.InvalidatedVoters); err != nil {
				j.logger.Error("failed to clear invalidated votes", "voters", p.InvalidatedVoters, "error", err)
			}
		}
	case TypeVoteCast:
		var p VoteCastPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			j.logger.Error("malformed vote payload", "seq", ev.Seq, "error", err)
			return
		}
		vote := models.Vote{
			Voter:       ev.AgentID,
			TargetLabel: p.TargetLabel,
			Reason:      p.Reason,
			CastAt:      p.CastAt,
		}
		if err := j.recorder.RecordVote(ctx, ev.SessionID, vote); err != nil {
			j.logger.Error("failed to store vote", "voter", ev.AgentID, "error", err)
		}
	}
}

func journalRow(ev Event) models.JournalEvent {
	return models.JournalEvent{
		SessionID:  ev.SessionID,
		Seq:        ev.Seq,
		Generation: ev.Generation,
		Type:       string(ev.Type),
		AgentID:    ev.AgentID,
		Payload:    ev.Payload,
		CreatedAt:  ev.Timestamp,
	}
}
