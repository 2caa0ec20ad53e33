package persistence

import (
	"context"
	"fmt"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedQueuedEvents int64 `json:"purged_queued_events"`
	PurgedDeadLetters  int64 `json:"purged_dead_letters"`
	PurgedAuditLogs    int64 `json:"purged_audit_logs"`
}

// RunRetention deletes records older than the configured retention windows.
// A zero window keeps that category forever. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, queueDays, deadLetterDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult
	now := s.now().UTC()

	if queueDays > 0 {
		cutoff := now.AddDate(0, 0, -queueDays).UnixMilli()
		res, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE received_at_ms < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge offline_queue: %w", err)
		}
		result.PurgedQueuedEvents, _ = res.RowsAffected()
	}

	if deadLetterDays > 0 {
		cutoff := now.AddDate(0, 0, -deadLetterDays).UnixMilli()
		res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE created_at_ms < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge dead_letters: %w", err)
		}
		result.PurgedDeadLetters, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := now.AddDate(0, 0, -auditLogDays).UnixMilli()
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at_ms < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
