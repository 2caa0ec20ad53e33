package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/hookrelay/internal/agent"
	"github.com/basket/hookrelay/internal/bus"
	"github.com/basket/hookrelay/internal/persistence"
	"github.com/basket/hookrelay/internal/queue"
	"github.com/basket/hookrelay/internal/ratelimit"
	"github.com/basket/hookrelay/internal/replay"
	"github.com/basket/hookrelay/internal/webhook"
)

// Compile-time checks that the sqlite adapters satisfy the domain interfaces.
var (
	_ agent.Repository = (*persistence.Store)(nil)
	_ queue.Queue      = (*persistence.OfflineQueue)(nil)
	_ replay.Store     = (*persistence.ReplayMarkers)(nil)
	_ ratelimit.Store  = (*persistence.RateWindows)(nil)
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "hookrelay.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	for _, table := range []string{"agents", "offline_queue", "dead_letters", "replay_markers", "rate_windows", "audit_log"} {
		name := queryOneString(t, db, fmt.Sprintf("SELECT name FROM sqlite_master WHERE type='table' AND name='%s';", table))
		if name != table {
			t.Fatalf("missing table %s", table)
		}
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	_ = store.Close()

	again, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	var n int
	if err := again.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations;`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one migration row, got %d", n)
	}
}

func TestStore_AgentsCRUD(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	rec := agent.Record{RelayID: "agt_1", CredentialHash: "hash", WorkspaceID: "ws", Metadata: map[string]string{"team": "ops"}}
	if err := store.CreateAgent(ctx, rec); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := store.CreateAgent(ctx, rec); !errors.Is(err, agent.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, err := store.GetAgent(ctx, "agt_1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.WorkspaceID != "ws" || got.Metadata["team"] != "ops" {
		t.Fatalf("unexpected record %+v", got)
	}
	if err := store.UpdateAgentCredential(ctx, "agt_1", "hash2"); err != nil {
		t.Fatalf("UpdateAgentCredential: %v", err)
	}
	if err := store.UpdateAgentEndpoint(ctx, "agt_1", "v1:a:b:c"); err != nil {
		t.Fatalf("UpdateAgentEndpoint: %v", err)
	}
	got, _ = store.GetAgent(ctx, "agt_1")
	if got.CredentialHash != "hash2" || got.EncryptedEndpoint != "v1:a:b:c" {
		t.Fatalf("updates not applied: %+v", got)
	}
	if _, err := store.GetAgent(ctx, "missing"); !errors.Is(err, agent.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateAgentCredential(ctx, "missing", "x"); !errors.Is(err, agent.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
	list, err := store.ListAgents(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListAgents: %v %d", err, len(list))
	}
}

func TestOfflineQueue_BoundedFIFO(t *testing.T) {
	store, _ := openTestStore(t)
	q := store.OfflineQueue(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := webhook.Event{ID: fmt.Sprintf("e%d", i), RelayID: "agt", Timestamp: int64(i), Signature: "sig", Payload: json.RawMessage(`{"n":1}`)}
		if err := q.Enqueue(ctx, ev); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := q.Enqueue(ctx, webhook.Event{ID: "e3", RelayID: "agt", Payload: json.RawMessage(`{}`)}); !errors.Is(err, queue.ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if err := q.Enqueue(ctx, webhook.Event{ID: "e1", RelayID: "agt", Payload: json.RawMessage(`{}`)}); !errors.Is(err, queue.ErrDuplicate) {
		t.Fatalf("re-enqueue of queued id should report ErrDuplicate, got %v", err)
	}

	events, err := q.Peek(ctx, "agt", 2)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(events) != 2 || events[0].ID != "e0" || events[1].ID != "e1" {
		t.Fatalf("unexpected order %+v", events)
	}
	if string(events[0].Payload) != `{"n":1}` {
		t.Fatalf("payload not preserved: %s", events[0].Payload)
	}
	_ = q.Remove(ctx, "agt", "e0")
	if d, _ := q.Depth(ctx, "agt"); d != 2 {
		t.Fatalf("expected depth 2, got %d", d)
	}
}

func TestReplayMarkers_AtomicClaim(t *testing.T) {
	store, _ := openTestStore(t)
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	store.Now = func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	guard := replay.NewGuard(store.ReplayMarkers(), 10*time.Minute)
	ctx := context.Background()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := guard.Claim(ctx, "evt_dup")
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	if accepted.Load() != 1 {
		t.Fatalf("expected exactly one claim, got %d", accepted.Load())
	}

	mu.Lock()
	now = now.Add(10 * time.Minute)
	mu.Unlock()
	if ok, _ := guard.Claim(ctx, "evt_dup"); !ok {
		t.Fatal("expected claim after TTL to succeed")
	}
	if err := guard.Release(ctx, "evt_dup"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := guard.Claim(ctx, "evt_dup"); !ok {
		t.Fatal("expected claim after release to succeed")
	}
}

func TestRateWindows_FixedWindow(t *testing.T) {
	store, _ := openTestStore(t)
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	store.Now = clock
	limiter := ratelimit.New(store.RateWindows(), 3, time.Minute)
	limiter.Now = clock
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d, err := limiter.Allow(ctx, "agt"); err != nil || !d.Allowed {
			t.Fatalf("request %d: %+v %v", i, d, err)
		}
	}
	now = now.Add(15 * time.Second)
	d, _ := limiter.Allow(ctx, "agt")
	if d.Allowed || d.RetryAfter != 45*time.Second {
		t.Fatalf("expected rejection with 45s hint, got %+v", d)
	}
	now = now.Add(45 * time.Second)
	if d, _ := limiter.Allow(ctx, "agt"); !d.Allowed || d.Remaining != 2 {
		t.Fatalf("expected fresh window, got %+v", d)
	}
	n, err := store.RateWindows().PurgeExpired(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing to purge, got %d %v", n, err)
	}
}

func TestDeadLetters_RecordAndPublish(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicDeliveryDeadLettered)
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "dl.db"), b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	ev := webhook.Event{ID: "e1", RelayID: "agt", Payload: json.RawMessage(`{"x":1}`), Attempts: 3}
	if err := store.AddDeadLetter(ctx, ev, persistence.ReasonDeadLetterMaxAttempts); err != nil {
		t.Fatalf("AddDeadLetter: %v", err)
	}
	list, err := store.ListDeadLetters(ctx, "agt", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListDeadLetters: %v %d", err, len(list))
	}
	if list[0].Reason != persistence.ReasonDeadLetterMaxAttempts || list[0].Attempts != 3 {
		t.Fatalf("unexpected dead letter %+v", list[0])
	}
	select {
	case evt := <-sub.Ch():
		if evt.Payload.(bus.DeliveryEvent).EventID != "e1" {
			t.Fatalf("unexpected payload %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected dead-letter bus event")
	}
}

func TestRunRetention_PurgesOldRows(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	store.Now = func() time.Time { return now.AddDate(0, 0, -10) }
	q := store.OfflineQueue(10)
	_ = q.Enqueue(ctx, webhook.Event{ID: "old", RelayID: "agt", Payload: json.RawMessage(`{}`)})
	_ = store.AddDeadLetter(ctx, webhook.Event{ID: "old", RelayID: "agt", Payload: json.RawMessage(`{}`)}, "x")

	store.Now = func() time.Time { return now }
	_ = q.Enqueue(ctx, webhook.Event{ID: "new", RelayID: "agt", Payload: json.RawMessage(`{}`)})

	res, err := store.RunRetention(ctx, 7, 7, 7)
	if err != nil {
		t.Fatalf("RunRetention: %v", err)
	}
	if res.PurgedQueuedEvents != 1 || res.PurgedDeadLetters != 1 {
		t.Fatalf("unexpected retention result %+v", res)
	}
	if d, _ := q.Depth(ctx, "agt"); d != 1 {
		t.Fatalf("expected new event kept, depth %d", d)
	}
}
