package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/basket/hookrelay/internal/webhook"
)

// MemoryDeadLetters is an in-process DeadLetterSink for the memory backend.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	nextID  int64
	letters []webhook.DeadLetter
}

func (m *MemoryDeadLetters) AddDeadLetter(_ context.Context, ev webhook.Event, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	dl := webhook.NewDeadLetter(ev, reason, time.Now().UTC())
	dl.ID = m.nextID
	m.letters = append(m.letters, dl)
	return nil
}

// ListDeadLetters returns dead letters, newest first, optionally for one agent.
func (m *MemoryDeadLetters) ListDeadLetters(_ context.Context, relayID string, limit int) ([]webhook.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]webhook.DeadLetter, 0)
	for i := len(m.letters) - 1; i >= 0; i-- {
		if relayID != "" && m.letters[i].RelayID != relayID {
			continue
		}
		out = append(out, m.letters[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// PurgeOlderThan removes dead letters created before cutoff.
func (m *MemoryDeadLetters) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.letters[:0]
	for _, dl := range m.letters {
		if !dl.CreatedAt.Before(cutoff) {
			kept = append(kept, dl)
		}
	}
	purged := len(m.letters) - len(kept)
	m.letters = kept
	return purged, nil
}
