package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/hookrelay/internal/webhook"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"constraint", errors.New("UNIQUE constraint failed: offline_queue.event_id"), false},
		{"locked", errors.New("database is locked"), true},
		{"table locked", errors.New("database table is locked"), true},
		{"busy code", errors.New("SQLITE_BUSY (5)"), true},
		{"locked code", errors.New("SQLITE_LOCKED (6)"), true},
		{"wrapped", fmt.Errorf("claim replay marker: %w", errors.New("database is locked")), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSQLiteBusy(tc.err); got != tc.want {
				t.Fatalf("isSQLiteBusy(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := fmt.Errorf("enqueue event: %w", errors.New("database is locked"))
	tests := []struct {
		name      string
		retries   int
		failFirst int
		failWith  error
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", retries: 3, wantCalls: 1},
		{name: "non busy error is not retried", retries: 3, failFirst: 5, failWith: errors.New("no such table: replay_markers"), wantCalls: 1, wantErr: true},
		{name: "busy then success", retries: 3, failFirst: 2, failWith: busy, wantCalls: 3},
		{name: "busy until exhausted", retries: 2, failFirst: 10, failWith: busy, wantCalls: 3, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.retries, func() error {
				calls++
				if calls <= tc.failFirst {
					return tc.failWith
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no retry after cancel, got %d calls", calls)
	}
}

// holdWriteLock opens a second connection to the database and takes the
// write lock until the returned release func runs.
func holdWriteLock(t *testing.T, path string) (release func()) {
	t.Helper()
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=0")
	if err != nil {
		t.Fatalf("open second connection: %v", err)
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	if _, err := conn.ExecContext(context.Background(), "BEGIN IMMEDIATE;"); err != nil {
		t.Fatalf("begin immediate: %v", err)
	}
	done := false
	release = func() {
		if done {
			return
		}
		done = true
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
		_ = conn.Close()
		_ = db.Close()
	}
	t.Cleanup(release)
	return release
}

func TestReplayMarkers_TestAndSetWaitsOutWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hookrelay.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	release := holdWriteLock(t, path)
	go func() {
		time.Sleep(150 * time.Millisecond)
		release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	claimed, err := store.ReplayMarkers().TestAndSet(ctx, "agt_1:sha256=aa", time.Minute)
	if err != nil {
		t.Fatalf("TestAndSet under a held write lock: %v", err)
	}
	if !claimed {
		t.Fatal("expected first claim to succeed once the writer let go")
	}
	if claimed, _ := store.ReplayMarkers().TestAndSet(ctx, "agt_1:sha256=aa", time.Minute); claimed {
		t.Fatal("second claim of a live marker must fail")
	}
}

func TestOfflineQueue_EnqueueWaitsOutWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hookrelay.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	release := holdWriteLock(t, path)
	go func() {
		time.Sleep(150 * time.Millisecond)
		release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	q := store.OfflineQueue(10)
	ev := webhook.Event{
		ID:         "evt_1",
		RelayID:    "agt_1",
		Timestamp:  1_760_000_000_000,
		Signature:  "sha256=00",
		Payload:    []byte(`{"event":"x"}`),
		ReceivedAt: time.Now(),
	}
	if err := q.Enqueue(ctx, ev); err != nil {
		t.Fatalf("Enqueue under a held write lock: %v", err)
	}
	if d, err := q.Depth(ctx, "agt_1"); err != nil || d != 1 {
		t.Fatalf("depth = %d, %v; want 1", d, err)
	}
}
