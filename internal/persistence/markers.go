package persistence

import (
	"context"
	"fmt"
	"time"
)

// ReplayMarkers implements replay.Store on the replay_markers table.
type ReplayMarkers struct{ s *Store }

// RateWindows implements ratelimit.Store on the rate_windows table.
type RateWindows struct{ s *Store }

func (s *Store) ReplayMarkers() *ReplayMarkers { return &ReplayMarkers{s: s} }
func (s *Store) RateWindows() *RateWindows     { return &RateWindows{s: s} }

// TestAndSet inserts the marker, or revives it if expired, in one statement.
// A live marker makes the upsert's WHERE false and nothing changes.
func (m *ReplayMarkers) TestAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := m.s.now()
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := m.s.db.ExecContext(ctx, `
			INSERT INTO replay_markers (key, expires_at_ms) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET expires_at_ms = excluded.expires_at_ms
			WHERE replay_markers.expires_at_ms <= ?;
		`, key, now.Add(ttl).UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("claim replay marker: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim replay marker: %w", err)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

func (m *ReplayMarkers) Release(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := m.s.db.ExecContext(ctx, `DELETE FROM replay_markers WHERE key = ?;`, key); err != nil {
			return fmt.Errorf("release replay marker: %w", err)
		}
		return nil
	})
}

func (m *ReplayMarkers) PurgeExpired(ctx context.Context) (int, error) {
	res, err := m.s.db.ExecContext(ctx, `DELETE FROM replay_markers WHERE expires_at_ms <= ?;`, m.s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge replay markers: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Increment bumps the window counter atomically; an expired window restarts
// at 1 with a fresh expiry.
func (w *RateWindows) Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := w.s.now()
	var (
		count   int
		resetMs int64
	)
	err := retryOnBusy(ctx, 5, func() error {
		return w.s.db.QueryRowContext(ctx, `
			INSERT INTO rate_windows (key, count, reset_at_ms) VALUES (?, 1, ?)
			ON CONFLICT(key) DO UPDATE SET
				count = CASE WHEN rate_windows.reset_at_ms <= ? THEN 1 ELSE rate_windows.count + 1 END,
				reset_at_ms = CASE WHEN rate_windows.reset_at_ms <= ? THEN excluded.reset_at_ms ELSE rate_windows.reset_at_ms END
			RETURNING count, reset_at_ms;
		`, key, now.Add(window).UnixMilli(), now.UnixMilli(), now.UnixMilli()).Scan(&count, &resetMs)
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment rate window: %w", err)
	}
	return count, time.UnixMilli(resetMs), nil
}

func (w *RateWindows) PurgeExpired(ctx context.Context) (int, error) {
	res, err := w.s.db.ExecContext(ctx, `DELETE FROM rate_windows WHERE reset_at_ms <= ?;`, w.s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge rate windows: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
