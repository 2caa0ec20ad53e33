package bus

import (
	"context"
	"sync"
	"time"
)

// DefaultJournalSize is how many events a Journal keeps.
const DefaultJournalSize = 200

// Entry is one journaled event in its admin API shape.
type Entry struct {
	Topic     string    `json:"topic"`
	At        time.Time `json:"at"`
	RelayID   string    `json:"relay_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	// Detail is the disconnect reason or the delivery outcome.
	Detail string `json:"detail,omitempty"`
}

// Journal keeps the most recent lifecycle and delivery events in a ring.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewJournal returns a journal holding size entries.
func NewJournal(size int) *Journal {
	if size <= 0 {
		size = DefaultJournalSize
	}
	return &Journal{entries: make([]Entry, size)}
}

// Run records every event published on b until ctx is cancelled.
func (j *Journal) Run(ctx context.Context, b *Bus) {
	sub := b.SubscribeBuffered("", len(j.entries))
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				j.Add(ev)
			}
		}
	}()
}

// Add records one event.
func (j *Journal) Add(ev Event) {
	e := Entry{Topic: ev.Topic, At: ev.At}
	switch p := ev.Payload.(type) {
	case AgentConnectedEvent:
		e.RelayID, e.SessionID = p.RelayID, p.SessionID
	case AgentDisconnectedEvent:
		e.RelayID, e.SessionID, e.Detail = p.RelayID, p.SessionID, p.Reason
	case DeliveryEvent:
		e.RelayID, e.EventID, e.Attempts, e.Detail = p.RelayID, p.EventID, p.Attempts, p.Outcome
	}

	j.mu.Lock()
	j.entries[j.next] = e
	j.next = (j.next + 1) % len(j.entries)
	if j.next == 0 {
		j.full = true
	}
	j.mu.Unlock()
}

// Recent returns up to limit entries, newest first. A limit <= 0 returns all.
func (j *Journal) Recent(limit int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := j.next
	if j.full {
		n = len(j.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (j.next - i + len(j.entries)) % len(j.entries)
		out = append(out, j.entries[idx])
	}
	return out
}
