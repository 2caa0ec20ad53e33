package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/basket/hookrelay/internal/webhook"
)

func TestMemory_FIFOAndRemove(t *testing.T) {
	q := NewMemory(10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, webhook.Event{ID: fmt.Sprintf("e%d", i), RelayID: "a"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	got, _ := q.Peek(ctx, "a", 2)
	if len(got) != 2 || got[0].ID != "e0" || got[1].ID != "e1" {
		t.Fatalf("unexpected peek %+v", got)
	}
	_ = q.Remove(ctx, "a", "e0")
	got, _ = q.Peek(ctx, "a", 0)
	if len(got) != 2 || got[0].ID != "e1" {
		t.Fatalf("unexpected peek after remove %+v", got)
	}
	if d, _ := q.Depth(ctx, "a"); d != 2 {
		t.Fatalf("expected depth 2, got %d", d)
	}
}

func TestMemory_BoundedPerAgent(t *testing.T) {
	q := NewMemory(2)
	ctx := context.Background()
	_ = q.Enqueue(ctx, webhook.Event{ID: "1", RelayID: "a"})
	_ = q.Enqueue(ctx, webhook.Event{ID: "2", RelayID: "a"})
	if err := q.Enqueue(ctx, webhook.Event{ID: "3", RelayID: "a"}); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if err := q.Enqueue(ctx, webhook.Event{ID: "1", RelayID: "b"}); err != nil {
		t.Fatalf("other agent should have room: %v", err)
	}
	// Re-enqueueing a queued id is reported as a duplicate, not a fullness error.
	if err := q.Enqueue(ctx, webhook.Event{ID: "2", RelayID: "a"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if d, _ := q.Depth(ctx, "a"); d != 2 {
		t.Fatalf("duplicate must not change depth, got %d", d)
	}
}

func TestMemory_PurgeOlderThan(t *testing.T) {
	q := NewMemory(10)
	ctx := context.Background()
	base := time.Unix(1000, 0)
	_ = q.Enqueue(ctx, webhook.Event{ID: "old", RelayID: "a", ReceivedAt: base})
	_ = q.Enqueue(ctx, webhook.Event{ID: "new", RelayID: "a", ReceivedAt: base.Add(time.Hour)})
	n, _ := q.PurgeOlderThan(ctx, base.Add(time.Minute))
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	got, _ := q.Peek(ctx, "a", 0)
	if len(got) != 1 || got[0].ID != "new" {
		t.Fatalf("unexpected remaining %+v", got)
	}
}
