package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// coalesceAt is the pending-queue depth past which adjacent text deltas
// for the same agent merge into one event. Everything else always queues,
// so a slow subscriber delays delivery but never loses coordination
// history.
const coalesceAt = 64

// outBuffer smooths delivery to subscribers that keep up.
const outBuffer = 16

// Bus fans one session's events out to subscribers. Publishing never
// blocks: each subscription buffers pending events and drains them on its
// own goroutine at the consumer's pace.
type Bus struct {
	sessionID string
	logger    *slog.Logger

	mu     sync.Mutex
	seq    int64
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// NewBus creates the event bus for one session.
func NewBus(sessionID string, logger *slog.Logger) *Bus {
	return &Bus{
		sessionID: sessionID,
		logger:    logger.With("component", "event_bus", "session_id", sessionID),
		subs:      make(map[int]*Subscription),
	}
}

// Subscribe registers a consumer. Events published after this call are
// delivered in seq order on the returned subscription; events published
// before it are not replayed (catchup comes from the journal).
func (b *Bus) Subscribe(name string) *Subscription {
	sub := &Subscription{
		name:   name,
		cancel: make(chan struct{}),
		wake:   make(chan struct{}, 1),
		out:    make(chan Event, outBuffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.out)
		close(sub.done)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	sub.bus = b
	b.subs[sub.id] = sub
	go sub.pump()
	return sub
}

// publish assigns the next sequence number and hands the event to every
// subscription. Called via Publisher; all callers run on the orchestrator
// loop, so seq order is publish order.
func (b *Bus) publish(typ EventType, agentID string, generation uint64, payload json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.logger.Warn("event published after bus close", "type", typ)
		return
	}
	b.seq++
	ev := Event{
		SessionID:  b.sessionID,
		Seq:        b.seq,
		Generation: generation,
		Type:       typ,
		AgentID:    agentID,
		Timestamp:  time.Now().UTC(),
		Payload:    payload,
	}
	for _, sub := range b.subs {
		sub.enqueue(ev)
	}
}

// Close stops the bus. Each subscription drains its pending queue and then
// closes its Events channel; no new events are accepted.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Subscription is one consumer's view of the bus. Read from Events until
// it closes; call Cancel to detach early.
type Subscription struct {
	bus  *Bus
	id   int
	name string

	mu        sync.Mutex
	queue     []Event
	closed    bool
	coalesced int

	cancelOnce sync.Once
	cancel     chan struct{}

	wake chan struct{}
	out  chan Event
	done chan struct{}
}

// Events returns the delivery channel. It closes after the bus closes and
// the pending queue has drained, or after Cancel.
func (s *Subscription) Events() <-chan Event { return s.out }

// Done closes once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel detaches from the bus and discards undelivered events. It also
// aborts a delivery blocked on a consumer that stopped reading, so the
// pump goroutine always exits.
func (s *Subscription) Cancel() {
	if s.bus != nil {
		s.bus.unsubscribe(s.id)
	}
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.cancelOnce.Do(func() { close(s.cancel) })
	s.signal()
}

// shutdown closes the subscription but lets the pending queue drain.
func (s *Subscription) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Coalesced reports how many delta events were merged away. Used by tests
// and surfaced in debug logs.
func (s *Subscription) Coalesced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coalesced
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if n := len(s.queue); n >= coalesceAt && ev.isDelta() {
		tail := s.queue[n-1]
		if tail.Type == ev.Type && tail.AgentID == ev.AgentID {
			if merged, ok := mergeDeltas(tail, ev); ok {
				s.queue[n-1] = merged
				s.coalesced++
				s.mu.Unlock()
				s.signal()
				return
			}
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves events from the pending queue to the delivery channel,
// blocking on the consumer, never on the publisher.
func (s *Subscription) pump() {
	defer close(s.done)
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- ev:
		case <-s.cancel:
			return
		}
	}
}

// mergeDeltas concatenates two adjacent text fragments. The merged event
// keeps the later seq and timestamp so resuming after it skips nothing.
func mergeDeltas(first, second Event) (Event, bool) {
	var a, b TextDeltaPayload
	if err := json.Unmarshal(first.Payload, &a); err != nil {
		return Event{}, false
	}
	if err := json.Unmarshal(second.Payload, &b); err != nil {
		return Event{}, false
	}
	merged, err := json.Marshal(TextDeltaPayload{Text: a.Text + b.Text})
	if err != nil {
		return Event{}, false
	}
	out := second
	out.Payload = merged
	return out, true
}
