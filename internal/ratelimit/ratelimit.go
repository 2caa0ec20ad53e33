// Package ratelimit enforces a fixed-window request cap per agent.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultLimit  = 100
	DefaultWindow = 60 * time.Second
)

// Store increments a windowed counter atomically. The window expiry is set
// by the first increment and is not extended by later ones.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
	PurgeExpired(ctx context.Context) (int, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // set when not allowed
}

// Limiter applies Limit requests per Window to each key.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	Now    func() time.Time
}

// New returns a Limiter. Non-positive values use the defaults.
func New(store Store, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{store: store, limit: limit, window: window, Now: time.Now}
}

// Allow counts one request for relayID.
func (l *Limiter) Allow(ctx context.Context, relayID string) (Decision, error) {
	count, resetAt, err := l.store.Increment(ctx, "ratelimit:"+relayID, l.window)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Limit: l.limit, ResetAt: resetAt}
	if count > l.limit {
		d.RetryAfter = resetAt.Sub(l.Now())
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
		return d, nil
	}
	d.Allowed = true
	d.Remaining = l.limit - count
	return d, nil
}

// Purge drops expired windows.
func (l *Limiter) Purge(ctx context.Context) (int, error) {
	return l.store.PurgeExpired(ctx)
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	Now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window), Now: time.Now}
}

func (s *MemoryStore) Increment(_ context.Context, key string, w time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	win, ok := s.windows[key]
	if !ok || !now.Before(win.resetAt) {
		win = &window{resetAt: now.Add(w)}
		s.windows[key] = win
	}
	win.count++
	return win.count, win.resetAt, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	purged := 0
	for key, win := range s.windows {
		if !now.Before(win.resetAt) {
			delete(s.windows, key)
			purged++
		}
	}
	return purged, nil
}
