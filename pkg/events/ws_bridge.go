package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/massgen-ai/massgen/pkg/models"
)

// catchupPage bounds one journal read while replaying history.
const catchupPage = 200

// CatchupSource pages persisted events for replay. Satisfied by the store.
type CatchupSource interface {
	ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]models.JournalEvent, error)
}

// LiveSource attaches to the bus of a running session. ok is false when
// the session is not active, in which case the journal is the whole story.
type LiveSource interface {
	Attach(sessionID, subscriber string) (*Subscription, bool)
}

// Bridge streams one session's events to a single consumer: persisted
// history first, then the live bus, deduplicated by seq. The transport
// (websocket, SSE, stdout) is abstracted behind the send callback.
type Bridge struct {
	catchup CatchupSource
	live    LiveSource
	logger  *slog.Logger
}

// NewBridge builds a bridge over the journal store and the live session
// registry. live may be nil for a read-only deployment.
func NewBridge(catchup CatchupSource, live LiveSource, logger *slog.Logger) *Bridge {
	return &Bridge{catchup: catchup, live: live, logger: logger.With("component", "ws_bridge")}
}

// Stream replays events with seq > afterSeq and then follows the live bus
// until the session ends, the context is canceled, or send fails. Returns
// nil on a clean end of stream.
func (b *Bridge) Stream(ctx context.Context, sessionID string, afterSeq int64, send func(ctx context.Context, data []byte) error) error {
	// Attach before replay so no event falls between journal and bus.
	var sub *Subscription
	if b.live != nil {
		if s, ok := b.live.Attach(sessionID, "ws"); ok {
			sub = s
			defer sub.Cancel()
		}
	}

	lastSeq, err := b.replay(ctx, sessionID, afterSeq, send)
	if err != nil {
		return err
	}
	// Second pass closes the race with journal rows persisted while the
	// first pass ran. Anything newer arrives on the live subscription.
	lastSeq, err = b.replay(ctx, sessionID, lastSeq, send)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				// Bus closed while we streamed; the tail (including
				// session.ended) may only be in the journal by now.
				_, err := b.replay(ctx, sessionID, lastSeq, send)
				return err
			}
			if ev.Seq <= lastSeq {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				b.logger.Error("failed to encode event", "seq", ev.Seq, "error", err)
				continue
			}
			if err := send(ctx, data); err != nil {
				return fmt.Errorf("failed to deliver event: %w", err)
			}
			lastSeq = ev.Seq
		}
	}
}

// replay pages persisted events after afterSeq through send and returns
// the last delivered seq.
func (b *Bridge) replay(ctx context.Context, sessionID string, afterSeq int64, send func(ctx context.Context, data []byte) error) (int64, error) {
	last := afterSeq
	for {
		rows, err := b.catchup.ListEvents(ctx, sessionID, last, catchupPage)
		if err != nil {
			return last, fmt.Errorf("failed to read event history: %w", err)
		}
		for _, row := range rows {
			data, err := json.Marshal(rowEnvelope(row))
			if err != nil {
				b.logger.Error("failed to encode journal row", "seq", row.Seq, "error", err)
				continue
			}
			if err := send(ctx, data); err != nil {
				return last, fmt.Errorf("failed to deliver event: %w", err)
			}
			if row.Seq > last {
				last = row.Seq
			}
		}
		if len(rows) < catchupPage {
			return last, nil
		}
	}
}

// rowEnvelope rebuilds the wire envelope from a journal row so catchup and
// live events are indistinguishable to the consumer.
func rowEnvelope(row models.JournalEvent) Event {
	return Event{
		SessionID:  row.SessionID,
		Seq:        row.Seq,
		Generation: row.Generation,
		Type:       EventType(row.Type),
		AgentID:    row.AgentID,
		Timestamp:  row.CreatedAt,
		Payload:    row.Payload,
	}
}
