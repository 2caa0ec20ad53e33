// Package delivery pushes webhook frames to live connections and tracks
// their acknowledgments. Deliveries whose ack deadline passes are redelivered,
// requeued, or dead-lettered according to a Policy.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/hookrelay/internal/bus"
	"github.com/basket/hookrelay/internal/otel"
	"github.com/basket/hookrelay/internal/protocol"
	"github.com/basket/hookrelay/internal/queue"
	"github.com/basket/hookrelay/internal/webhook"
)

// Defaults for Policy.
const (
	DefaultAckTimeout    = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
	DefaultMaxAttempts   = 3
)

// What happens to an event once it has used all its attempts.
const (
	ExhaustDeadLetter = "dead_letter"
	ExhaustDrop       = "drop"
)

// Outcome of a deadline sweep for one delivery.
type Outcome string

const (
	OutcomeRedelivered  Outcome = "redelivered"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeDropped      Outcome = "dropped"
)

// Dead-letter reasons.
const (
	ReasonMaxAttempts = "max_attempts"
	ReasonQueueFull   = "queue_full"
)

// Conn is a live, authenticated agent connection.
type Conn interface {
	RelayID() string
	SessionID() string
	Send(ctx context.Context, m protocol.Message) error
}

// Locator finds the active connection for an agent.
type Locator interface {
	Active(relayID string) (Conn, bool)
}

// DeadLetterSink stores events that ran out of attempts.
type DeadLetterSink interface {
	AddDeadLetter(ctx context.Context, ev webhook.Event, reason string) error
}

// Policy is the redelivery configuration.
type Policy struct {
	AckTimeout  time.Duration
	MaxAttempts int
	OnExhausted string
}

func (p Policy) normalized() Policy {
	if p.AckTimeout <= 0 {
		p.AckTimeout = DefaultAckTimeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.OnExhausted != ExhaustDrop {
		p.OnExhausted = ExhaustDeadLetter
	}
	return p
}

// Pending is an unacknowledged delivery.
type Pending struct {
	Event     webhook.Event
	RelayID   string
	SessionID string
	SentAt    time.Time
	Deadline  time.Time
}

// SweepResult reports what a sweep did with one expired delivery.
type SweepResult struct {
	RelayID  string
	EventID  string
	Attempts int
	Outcome  Outcome
	Err      error
}

// Config holds the tracker's collaborators.
type Config struct {
	Policy      Policy
	Locator     Locator
	Queue       queue.Queue
	DeadLetters DeadLetterSink
	Bus         *bus.Bus
	Metrics     *otel.Metrics
	Logger      *slog.Logger
}

// Tracker owns the pending-acknowledgment table.
type Tracker struct {
	policy   Policy
	locator  Locator
	queue    queue.Queue
	dead     DeadLetterSink
	bus      *bus.Bus
	metrics  *otel.Metrics
	logger   *slog.Logger
	sweeping sync.Mutex

	mu      sync.Mutex
	pending map[string]*Pending

	// Now is the tracker's clock. Tests replace it.
	Now func() time.Time
}

// NewTracker creates a tracker. Locator may be set later with SetLocator.
func NewTracker(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		policy:  cfg.Policy.normalized(),
		locator: cfg.Locator,
		queue:   cfg.Queue,
		dead:    cfg.DeadLetters,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "delivery"),
		pending: make(map[string]*Pending),
		Now:     time.Now,
	}
}

// SetLocator attaches the registry once it exists.
func (t *Tracker) SetLocator(l Locator) {
	t.mu.Lock()
	t.locator = l
	t.mu.Unlock()
}

// Policy returns the effective redelivery policy.
func (t *Tracker) Policy() Policy { return t.policy }

// Deliver sends ev on conn and records a pending acknowledgment.
func (t *Tracker) Deliver(ctx context.Context, conn Conn, ev webhook.Event) error {
	ev.Attempts++
	now := t.Now()
	p := &Pending{
		Event:     ev,
		RelayID:   conn.RelayID(),
		SessionID: conn.SessionID(),
		SentAt:    now,
		Deadline:  now.Add(t.policy.AckTimeout),
	}

	// Record before sending so a fast ack cannot race the insert.
	t.mu.Lock()
	t.pending[ev.ID] = p
	t.mu.Unlock()

	if err := conn.Send(ctx, ev.Frame()); err != nil {
		t.mu.Lock()
		if t.pending[ev.ID] == p {
			delete(t.pending, ev.ID)
		}
		t.mu.Unlock()
		return fmt.Errorf("send webhook %s: %w", ev.ID, err)
	}
	t.metrics.RecordDelivery(ctx, ev.Attempts)
	t.logger.Debug("webhook delivered",
		"relay_id", p.RelayID, "session_id", p.SessionID, "event_id", ev.ID, "attempt", ev.Attempts)
	return nil
}

// Acknowledge clears the pending record for eventID if it belongs to relayID.
// Unknown or mismatched ids are ignored.
func (t *Tracker) Acknowledge(ctx context.Context, relayID, eventID string) bool {
	t.mu.Lock()
	p, ok := t.pending[eventID]
	if ok && p.RelayID == relayID {
		delete(t.pending, eventID)
	} else {
		ok = false
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("ack ignored", "relay_id", relayID, "event_id", eventID)
		return false
	}
	t.metrics.RecordAck(ctx)
	t.publish(bus.TopicDeliveryAcked, p.Event, "acked")
	return true
}

// IsPending reports whether eventID awaits an ack.
func (t *Tracker) IsPending(eventID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[eventID]
	return ok
}

// PendingFor returns the pending deliveries for one agent, oldest first.
func (t *Tracker) PendingFor(relayID string) []Pending {
	t.mu.Lock()
	out := make([]Pending, 0)
	for _, p := range t.pending {
		if p.RelayID == relayID {
			out = append(out, *p)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

// PendingCount returns the number of unacknowledged deliveries.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Sweep handles every delivery whose deadline has passed.
func (t *Tracker) Sweep(ctx context.Context) []SweepResult {
	t.sweeping.Lock()
	defer t.sweeping.Unlock()

	now := t.Now()
	var expired []*Pending
	t.mu.Lock()
	for id, p := range t.pending {
		if now.After(p.Deadline) {
			expired = append(expired, p)
			delete(t.pending, id)
		}
	}
	locator := t.locator
	t.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].SentAt.Before(expired[j].SentAt) })

	results := make([]SweepResult, 0, len(expired))
	for _, p := range expired {
		res := t.resolve(ctx, locator, p)
		t.metrics.RecordAckTimeout(ctx, string(res.Outcome))
		t.publish(bus.TopicDeliveryTimedOut, p.Event, string(res.Outcome))
		results = append(results, res)
	}
	return results
}

func (t *Tracker) resolve(ctx context.Context, locator Locator, p *Pending) SweepResult {
	ev := p.Event
	res := SweepResult{RelayID: p.RelayID, EventID: ev.ID, Attempts: ev.Attempts}
	logger := t.logger.With("relay_id", p.RelayID, "event_id", ev.ID, "attempts", ev.Attempts)

	if ev.Attempts >= t.policy.MaxAttempts {
		res.Outcome, res.Err = t.exhaust(ctx, ev, ReasonMaxAttempts)
		logger.Warn("ack deadline expired, attempts exhausted", "outcome", res.Outcome, "error", res.Err)
		return res
	}

	if locator != nil {
		if conn, ok := locator.Active(p.RelayID); ok {
			if err := t.Deliver(ctx, conn, ev); err == nil {
				res.Outcome = OutcomeRedelivered
				logger.Info("ack deadline expired, redelivered")
				return res
			}
		}
	}

	if t.queue == nil {
		res.Outcome, res.Err = t.exhaust(ctx, ev, ReasonQueueFull)
		return res
	}
	err := t.queue.Enqueue(ctx, ev)
	switch {
	case err == nil:
		res.Outcome = OutcomeRequeued
		t.metrics.AddQueueDepth(ctx, 1)
		logger.Info("ack deadline expired, requeued")
	case errors.Is(err, queue.ErrDuplicate):
		res.Outcome = OutcomeRequeued
		logger.Info("ack deadline expired, already queued")
	case errors.Is(err, queue.ErrFull):
		res.Outcome, res.Err = t.exhaust(ctx, ev, ReasonQueueFull)
		logger.Warn("ack deadline expired, queue full", "outcome", res.Outcome)
	default:
		res.Outcome, res.Err = t.exhaust(ctx, ev, ReasonQueueFull)
		logger.Error("requeue failed", "error", err, "outcome", res.Outcome)
	}
	return res
}

func (t *Tracker) exhaust(ctx context.Context, ev webhook.Event, reason string) (Outcome, error) {
	if t.policy.OnExhausted == ExhaustDrop || t.dead == nil {
		return OutcomeDropped, nil
	}
	if err := t.dead.AddDeadLetter(ctx, ev, reason); err != nil {
		return OutcomeDropped, fmt.Errorf("dead letter %s: %w", ev.ID, err)
	}
	return OutcomeDeadLettered, nil
}

// Start runs Sweep every interval until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep(ctx)
			}
		}
	}()
}

func (t *Tracker) publish(topic string, ev webhook.Event, outcome string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(topic, bus.DeliveryEvent{
		RelayID:  ev.RelayID,
		EventID:  ev.ID,
		Attempts: ev.Attempts,
		Outcome:  outcome,
	})
}
