package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/hookrelay/internal/queue"
	"github.com/basket/hookrelay/internal/webhook"
)

// OfflineQueue is a durable queue.Queue backed by the offline_queue table.
type OfflineQueue struct {
	s        *Store
	maxDepth int
}

// OfflineQueue returns a queue bounded to maxDepth events per agent.
func (s *Store) OfflineQueue(maxDepth int) *OfflineQueue {
	if maxDepth <= 0 {
		maxDepth = queue.DefaultMaxDepth
	}
	return &OfflineQueue{s: s, maxDepth: maxDepth}
}

func (q *OfflineQueue) Enqueue(ctx context.Context, ev webhook.Event) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := q.s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM offline_queue WHERE relay_id = ? AND event_id = ?;`, ev.RelayID, ev.ID).Scan(&exists)
		if err == nil {
			return queue.ErrDuplicate
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check queued event: %w", err)
		}

		var depth int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue WHERE relay_id = ?;`, ev.RelayID).Scan(&depth); err != nil {
			return fmt.Errorf("count queue depth: %w", err)
		}
		if depth >= q.maxDepth {
			return queue.ErrFull
		}

		received := ev.ReceivedAt
		if received.IsZero() {
			received = q.s.now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO offline_queue (relay_id, event_id, timestamp_ms, signature, payload, attempts, received_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, ev.RelayID, ev.ID, ev.Timestamp, ev.Signature, string(ev.Payload), ev.Attempts, received.UnixMilli()); err != nil {
			return fmt.Errorf("insert queued event: %w", err)
		}
		return tx.Commit()
	})
}

func (q *OfflineQueue) Peek(ctx context.Context, relayID string, limit int) ([]webhook.Event, error) {
	if limit <= 0 {
		limit = q.maxDepth
	}
	rows, err := q.s.db.QueryContext(ctx, `
		SELECT event_id, relay_id, timestamp_ms, signature, payload, attempts, received_at_ms
		FROM offline_queue
		WHERE relay_id = ?
		ORDER BY seq ASC
		LIMIT ?;
	`, relayID, limit)
	if err != nil {
		return nil, fmt.Errorf("query offline queue: %w", err)
	}
	defer rows.Close()

	var out []webhook.Event
	for rows.Next() {
		var (
			ev         webhook.Event
			payload    string
			receivedMs int64
		)
		if err := rows.Scan(&ev.ID, &ev.RelayID, &ev.Timestamp, &ev.Signature, &payload, &ev.Attempts, &receivedMs); err != nil {
			return nil, fmt.Errorf("scan queued event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.ReceivedAt = time.UnixMilli(receivedMs).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offline queue rows: %w", err)
	}
	return out, nil
}

func (q *OfflineQueue) Remove(ctx context.Context, relayID, eventID string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := q.s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE relay_id = ? AND event_id = ?;`, relayID, eventID); err != nil {
			return fmt.Errorf("delete queued event: %w", err)
		}
		return nil
	})
}

func (q *OfflineQueue) Depth(ctx context.Context, relayID string) (int, error) {
	var depth int
	if err := q.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue WHERE relay_id = ?;`, relayID).Scan(&depth); err != nil {
		return 0, fmt.Errorf("count queue depth: %w", err)
	}
	return depth, nil
}

func (q *OfflineQueue) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := q.s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE received_at_ms < ?;`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge offline queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
