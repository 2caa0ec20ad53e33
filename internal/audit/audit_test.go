package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/hookrelay/internal/shared"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	l.Record(ctx, DecisionDeny, ActionAgentAuth, "invalid_credentials", "agt_1", "10.0.0.1:5555")
	l.Record(ctx, DecisionAllow, ActionWebhookVerify, "signature_valid", "agt_1", "")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["decision"] != "deny" || first["action"] != ActionAgentAuth {
		t.Fatalf("unexpected entry %#v", first)
	}
	if first["trace_id"] != "trace-1" {
		t.Fatalf("expected trace id, got %#v", first["trace_id"])
	}
	if l.DenyCount() != 1 {
		t.Fatalf("expected deny count 1, got %d", l.DenyCount())
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	secret := "sk_" + strings.Repeat("a1", 32)
	l.Record(context.Background(), DecisionDeny, ActionAgentAuth, "bad key "+secret, "agt", "")
	raw, _ := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if strings.Contains(string(raw), secret) {
		t.Fatal("audit log contains raw secret")
	}
}

func TestNilLogDiscards(t *testing.T) {
	var l *Log
	l.Record(context.Background(), DecisionDeny, ActionAgentAuth, "x", "y", "")
	if l.DenyCount() != 0 {
		t.Fatal("nil log should count nothing")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close on nil: %v", err)
	}
}
