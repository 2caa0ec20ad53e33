package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/hookrelay/internal/bus"
	"github.com/basket/hookrelay/internal/webhook"
)

// AddDeadLetter records ev as undeliverable.
func (s *Store) AddDeadLetter(ctx context.Context, ev webhook.Event, reason string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dead_letters (relay_id, event_id, timestamp_ms, signature, payload, attempts, reason, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, ev.RelayID, ev.ID, ev.Timestamp, ev.Signature, string(ev.Payload), ev.Attempts, reason, s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicDeliveryDeadLettered, bus.DeliveryEvent{
			RelayID:  ev.RelayID,
			EventID:  ev.ID,
			Attempts: ev.Attempts,
			Outcome:  reason,
		})
	}
	return nil
}

// ListDeadLetters returns the newest dead letters, optionally for one agent.
func (s *Store) ListDeadLetters(ctx context.Context, relayID string, limit int) ([]webhook.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, relay_id, event_id, timestamp_ms, signature, payload, attempts, reason, created_at_ms
		FROM dead_letters
		WHERE (? = '' OR relay_id = ?)
		ORDER BY id DESC
		LIMIT ?;
	`, relayID, relayID, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []webhook.DeadLetter
	for rows.Next() {
		var (
			dl        webhook.DeadLetter
			payload   string
			createdMs int64
		)
		if err := rows.Scan(&dl.ID, &dl.RelayID, &dl.EventID, &dl.Timestamp, &dl.Signature, &payload, &dl.Attempts, &dl.Reason, &createdMs); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Payload = json.RawMessage(payload)
		dl.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter rows: %w", err)
	}
	return out, nil
}
