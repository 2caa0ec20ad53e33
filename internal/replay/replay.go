// Package replay suppresses duplicate webhook deliveries by event id.
package replay

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long an event id stays claimed.
const DefaultTTL = 10 * time.Minute

// Store is an atomic check-and-mark primitive. TestAndSet returns true when
// key was not present (or had expired) and is now marked.
type Store interface {
	TestAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context) (int, error)
}

// Guard claims event ids against a Store with a fixed TTL.
type Guard struct {
	store Store
	ttl   time.Duration
}

// NewGuard returns a Guard. A zero ttl uses DefaultTTL.
func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, ttl: ttl}
}

// Claim returns true if this is the first sighting of eventID within the TTL.
func (g *Guard) Claim(ctx context.Context, eventID string) (bool, error) {
	return g.store.TestAndSet(ctx, markerKey(eventID), g.ttl)
}

// Release forgets eventID so a retried submission is not a duplicate.
func (g *Guard) Release(ctx context.Context, eventID string) error {
	return g.store.Release(ctx, markerKey(eventID))
}

// Purge drops expired markers.
func (g *Guard) Purge(ctx context.Context) (int, error) {
	return g.store.PurgeExpired(ctx)
}

func markerKey(eventID string) string {
	return "webhook:" + eventID
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	Now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		Now:     time.Now,
	}
}

func (s *MemoryStore) TestAndSet(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	purged := 0
	for key, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, key)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
