// Package queue buffers webhook events for agents that are offline.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/basket/hookrelay/internal/webhook"
)

// DefaultMaxDepth bounds each agent's queue.
const DefaultMaxDepth = 1000

var (
	// ErrFull is returned by Enqueue when the agent's queue is at its bound.
	ErrFull = errors.New("queue: offline queue is full")
	// ErrDuplicate is returned by Enqueue when the event is already queued.
	// The queue is unchanged, so callers treat it as success.
	ErrDuplicate = errors.New("queue: event already queued")
)

// Queue is a per-agent FIFO of undelivered events.
type Queue interface {
	Enqueue(ctx context.Context, ev webhook.Event) error
	// Peek returns up to limit of the oldest events without removing them.
	Peek(ctx context.Context, relayID string, limit int) ([]webhook.Event, error)
	Remove(ctx context.Context, relayID, eventID string) error
	Depth(ctx context.Context, relayID string) (int, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Memory is an in-process bounded Queue.
type Memory struct {
	mu       sync.Mutex
	events   map[string][]webhook.Event
	maxDepth int
}

// NewMemory returns a queue holding at most maxDepth events per agent.
func NewMemory(maxDepth int) *Memory {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Memory{events: make(map[string][]webhook.Event), maxDepth: maxDepth}
}

func (q *Memory) Enqueue(_ context.Context, ev webhook.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.events[ev.RelayID]
	for _, existing := range list {
		if existing.ID == ev.ID {
			return ErrDuplicate
		}
	}
	if len(list) >= q.maxDepth {
		return ErrFull
	}
	q.events[ev.RelayID] = append(list, ev)
	return nil
}

func (q *Memory) Peek(_ context.Context, relayID string, limit int) ([]webhook.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.events[relayID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]webhook.Event, limit)
	copy(out, list[:limit])
	return out, nil
}

func (q *Memory) Remove(_ context.Context, relayID, eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.events[relayID]
	for i, ev := range list {
		if ev.ID == eventID {
			q.events[relayID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(q.events[relayID]) == 0 {
		delete(q.events, relayID)
	}
	return nil
}

func (q *Memory) Depth(_ context.Context, relayID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events[relayID]), nil
}

func (q *Memory) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	purged := 0
	for relayID, list := range q.events {
		kept := list[:0:0]
		for _, ev := range list {
			if ev.ReceivedAt.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(q.events, relayID)
		} else {
			q.events[relayID] = kept
		}
	}
	return purged, nil
}
