// Package audit keeps an append-only record of relay access decisions:
// agent authentication and producer signature checks.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/hookrelay/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionFatal = "fatal"
)

// Actions recorded by the relay.
const (
	ActionAgentAuth       = "agent.auth"
	ActionWebhookVerify   = "webhook.verify"
	ActionCredentialIssue = "agent.credential_issue"
	ActionStartup         = "runtime.startup"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
	Remote    string `json:"remote,omitempty"`
}

// Log writes audit entries to logs/audit.jsonl and, when a database is
// attached, to the audit_log table. A nil *Log discards entries.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
	now       func() time.Time
}

// Open creates or appends to <homeDir>/logs/audit.jsonl.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, now: time.Now}, nil
}

// SetDB configures the database for audit_log table writes.
func (l *Log) SetDB(d *sql.DB) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = d
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func (l *Log) DenyCount() int64 {
	if l == nil {
		return 0
	}
	return l.denyCount.Load()
}

// Record appends one decision. Reason and subject are redacted first.
func (l *Log) Record(ctx context.Context, decision, action, reason, subject, remote string) {
	if l == nil {
		return
	}
	if decision == DecisionDeny {
		l.denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		ev := entry{
			Timestamp: l.now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Decision:  decision,
			Action:    action,
			Reason:    reason,
			Subject:   subject,
			Remote:    remote,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.db != nil {
		_, _ = l.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, remote, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason, remote, l.now().UnixMilli())
	}
}
