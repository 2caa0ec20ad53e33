package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/basket/hookrelay/internal/queue"
	"github.com/basket/hookrelay/internal/webhook"
)

func eventFor(relayID, id string) webhook.Event {
	ev := testEvent(id)
	ev.RelayID = relayID
	return ev
}

func TestDrainer_DeliversQueueInOrder(t *testing.T) {
	loc := &fakeLocator{}
	q := queue.NewMemory(100)
	tr := NewTracker(Config{Locator: loc, Queue: q})
	d := NewDrainer(tr, q, loc, 2, nil, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := q.Enqueue(ctx, testEvent(fmt.Sprintf("evt_%d", i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if n, err := d.Drain(ctx, "agt_1"); err != nil || n != 0 {
		t.Fatalf("offline agent must not drain, got n=%d err=%v", n, err)
	}

	conn := &fakeConn{relayID: "agt_1", sessionID: "s1"}
	loc.set("agt_1", conn)
	n, err := d.Drain(ctx, "agt_1")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 sent, got %d", n)
	}
	frames := conn.frames()
	for i, f := range frames {
		if want := fmt.Sprintf("evt_%d", i+1); f.ID != want {
			t.Fatalf("frame %d: expected %s, got %s", i, want, f.ID)
		}
	}
	if depth, _ := q.Depth(ctx, "agt_1"); depth != 0 {
		t.Fatalf("expected empty queue, got %d", depth)
	}
	if tr.PendingCount() != 5 {
		t.Fatalf("expected 5 pending acks, got %d", tr.PendingCount())
	}
}

func TestDrainer_KeepsEventsWhenSendFails(t *testing.T) {
	loc := &fakeLocator{}
	q := queue.NewMemory(100)
	tr := NewTracker(Config{Locator: loc, Queue: q})
	d := NewDrainer(tr, q, loc, 10, nil, nil)
	ctx := context.Background()

	_ = q.Enqueue(ctx, testEvent("evt_1"))
	loc.set("agt_1", &fakeConn{relayID: "agt_1", sessionID: "s1", fail: fmt.Errorf("closed")})

	if n, err := d.Drain(ctx, "agt_1"); err != nil || n != 0 {
		t.Fatalf("expected nothing sent, got n=%d err=%v", n, err)
	}
	if depth, _ := q.Depth(ctx, "agt_1"); depth != 1 {
		t.Fatalf("event must stay queued, depth=%d", depth)
	}
}

func TestDrainer_NotifyDrainsConnectedAgent(t *testing.T) {
	loc := &fakeLocator{}
	q := queue.NewMemory(100)
	tr := NewTracker(Config{Locator: loc, Queue: q})
	d := NewDrainer(tr, q, loc, 10, nil, nil)

	_ = q.Enqueue(context.Background(), testEvent("evt_1"))
	conn := &fakeConn{relayID: "agt_1", sessionID: "s1"}
	loc.set("agt_1", conn)

	d.Notify("agt_1")
	d.Wait()
	if got := conn.frames(); len(got) != 1 || got[0].ID != "evt_1" {
		t.Fatalf("expected evt_1 delivered, got %+v", got)
	}
}

func TestDrainer_NotifyDuringDrainDoesNotDuplicate(t *testing.T) {
	loc := &fakeLocator{}
	q := queue.NewMemory(100)
	tr := NewTracker(Config{Locator: loc, Queue: q})
	d := NewDrainer(tr, q, loc, 10, nil, nil)
	ctx := context.Background()

	release := make(chan struct{})
	conn := &fakeConn{relayID: "agt_1", sessionID: "s1", block: release}
	loc.set("agt_1", conn)
	_ = q.Enqueue(ctx, testEvent("evt_1"))

	d.Notify("agt_1")
	_ = q.Enqueue(ctx, testEvent("evt_2"))
	for i := 0; i < 5; i++ {
		d.Notify("agt_1")
	}
	close(release)
	d.Wait()

	frames := conn.frames()
	if len(frames) != 2 || frames[0].ID != "evt_1" || frames[1].ID != "evt_2" {
		t.Fatalf("expected evt_1 then evt_2 once each, got %+v", frames)
	}
	if depth, _ := q.Depth(ctx, "agt_1"); depth != 0 {
		t.Fatalf("expected empty queue, got %d", depth)
	}
}

func TestDrainer_ConnectStormWithStalledAgent(t *testing.T) {
	const relays = 150
	loc := &fakeLocator{}
	q := queue.NewMemory(10)
	tr := NewTracker(Config{Locator: loc, Queue: q})
	d := NewDrainer(tr, q, loc, 10, nil, nil)
	ctx := context.Background()

	stalled := make(chan struct{})
	defer close(stalled)
	loc.set("agt_stalled", &fakeConn{relayID: "agt_stalled", sessionID: "s", block: stalled})
	_ = q.Enqueue(ctx, eventFor("agt_stalled", "evt_stalled"))
	d.Notify("agt_stalled")

	conns := make([]*fakeConn, relays)
	for i := range conns {
		id := fmt.Sprintf("agt_%03d", i)
		conns[i] = &fakeConn{relayID: id, sessionID: "s"}
		loc.set(id, conns[i])
		if err := q.Enqueue(ctx, eventFor(id, "evt_"+id)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			d.Notify(id)
		}(conns[i].relayID)
	}
	wg.Wait()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		left := 0
		for _, c := range conns {
			if len(c.frames()) != 1 {
				left++
			}
		}
		if left == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	left := 0
	for _, c := range conns {
		if depth, _ := q.Depth(ctx, c.relayID); depth != 0 {
			left++
		}
	}
	t.Fatalf("connected agents with events still queued: %d of %d", left, relays)
}

func TestDrainer_PeriodicPassDrainsWithoutNotify(t *testing.T) {
	loc := &fakeLocator{}
	q := queue.NewMemory(100)
	tr := NewTracker(Config{Locator: loc, Queue: q})
	d := NewDrainer(tr, q, loc, 10, nil, nil)
	d.SetInterval(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		d.Wait()
	}()

	conn := &fakeConn{relayID: "agt_1", sessionID: "s1"}
	loc.set("agt_1", conn)
	d.Start(ctx)
	_ = q.Enqueue(ctx, testEvent("evt_late"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(conn.frames()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the periodic pass to deliver the queued event")
}
