package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/hookrelay/internal/otel"
	"github.com/basket/hookrelay/internal/queue"
)

// Defaults for the drainer.
const (
	DefaultDrainBatch    = 50
	DefaultDrainInterval = 30 * time.Second

	// drainSendTimeout bounds one webhook write so a stalled agent only
	// holds up its own queue.
	drainSendTimeout = 10 * time.Second
)

// ActiveLister enumerates the relay ids that currently have a connection.
// The drainer's periodic pass uses it when the locator provides it.
type ActiveLister interface {
	ActiveRelayIDs() []string
}

// Drainer delivers an agent's offline queue when it reconnects. Events leave
// the queue in FIFO order and only after their frame was sent. Each relay id
// has at most one drain running; notifications that arrive during a drain
// schedule one more pass instead of being lost.
type Drainer struct {
	tracker  *Tracker
	queue    queue.Queue
	locator  Locator
	batch    int
	interval time.Duration
	metrics  *otel.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	base    context.Context
	running map[string]bool
	again   map[string]bool
	wg      sync.WaitGroup
}

// NewDrainer creates a drainer reading batch events per round.
func NewDrainer(tracker *Tracker, q queue.Queue, locator Locator, batch int, metrics *otel.Metrics, logger *slog.Logger) *Drainer {
	if batch <= 0 {
		batch = DefaultDrainBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		tracker:  tracker,
		queue:    q,
		locator:  locator,
		batch:    batch,
		interval: DefaultDrainInterval,
		metrics:  metrics,
		logger:   logger.With("component", "drainer"),
		base:     context.Background(),
		running:  make(map[string]bool),
		again:    make(map[string]bool),
	}
}

// SetInterval changes the period of the background pass started by Start.
func (d *Drainer) SetInterval(interval time.Duration) {
	if interval > 0 {
		d.interval = interval
	}
}

// Start makes ctx the parent of every drain and runs a periodic pass over
// all connected agents until ctx is cancelled. The pass picks up events
// queued while a drain was already finishing.
func (d *Drainer) Start(ctx context.Context) {
	d.mu.Lock()
	d.base = ctx
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.NotifyAll()
			}
		}
	}()
}

// Notify schedules a drain for relayID without blocking. It is safe to call
// from the registry's connect path.
func (d *Drainer) Notify(relayID string) {
	if relayID == "" {
		return
	}
	d.mu.Lock()
	if d.running[relayID] {
		d.again[relayID] = true
		d.mu.Unlock()
		return
	}
	d.running[relayID] = true
	ctx := d.base
	d.wg.Add(1)
	d.mu.Unlock()

	go d.worker(ctx, relayID)
}

// NotifyAll schedules a drain for every connected agent.
func (d *Drainer) NotifyAll() {
	lister, ok := d.locator.(ActiveLister)
	if !ok {
		return
	}
	for _, relayID := range lister.ActiveRelayIDs() {
		d.Notify(relayID)
	}
}

// Wait blocks until every scheduled drain has finished.
func (d *Drainer) Wait() { d.wg.Wait() }

func (d *Drainer) worker(ctx context.Context, relayID string) {
	defer d.wg.Done()
	for {
		if _, err := d.Drain(ctx, relayID); err != nil {
			d.logger.Error("drain failed", "relay_id", relayID, "error", err)
		}
		d.mu.Lock()
		if !d.again[relayID] || ctx.Err() != nil {
			delete(d.running, relayID)
			delete(d.again, relayID)
			d.mu.Unlock()
			return
		}
		delete(d.again, relayID)
		d.mu.Unlock()
	}
}

// Drain delivers queued events for relayID while it stays connected and
// returns how many were sent. Callers other than Notify must not drain the
// same relay id concurrently.
func (d *Drainer) Drain(ctx context.Context, relayID string) (int, error) {
	sent := 0
	for ctx.Err() == nil {
		conn, ok := d.locator.Active(relayID)
		if !ok {
			break
		}
		events, err := d.queue.Peek(ctx, relayID, d.batch)
		if err != nil {
			return sent, fmt.Errorf("peek queue: %w", err)
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			if !d.tracker.IsPending(ev.ID) {
				sctx, cancel := context.WithTimeout(ctx, drainSendTimeout)
				err := d.tracker.Deliver(sctx, conn, ev)
				cancel()
				if err != nil {
					d.logger.Warn("drain interrupted", "relay_id", relayID, "event_id", ev.ID, "error", err)
					return sent, nil
				}
				sent++
			}
			if err := d.queue.Remove(ctx, relayID, ev.ID); err != nil {
				return sent, fmt.Errorf("remove queued %s: %w", ev.ID, err)
			}
			d.metrics.AddQueueDepth(ctx, -1)
		}
	}
	if sent > 0 {
		d.logger.Info("offline queue drained", "relay_id", relayID, "sent", sent)
	}
	return sent, nil
}
