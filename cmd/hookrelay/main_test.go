package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/hookrelay/internal/audit"
	"github.com/basket/hookrelay/internal/config"
	"github.com/basket/hookrelay/internal/security"
)

func TestInitConfig_GeneratesSecrets(t *testing.T) {
	home := setTestConfig(t, "")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	cfg, err = initConfig(cfg)
	if err != nil {
		t.Fatalf("initConfig: %v", err)
	}
	if len(cfg.SigningSecret) != 64 {
		t.Fatalf("signing secret length %d, want 64", len(cfg.SigningSecret))
	}
	if !strings.HasPrefix(cfg.AdminToken, "adm_") {
		t.Fatalf("admin token = %q", cfg.AdminToken)
	}
	if _, err := security.ParseKey(cfg.EndpointKey); err != nil {
		t.Fatalf("endpoint key does not parse: %v", err)
	}

	reloaded, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.SigningSecret != cfg.SigningSecret || reloaded.AdminToken != cfg.AdminToken || reloaded.EndpointKey != cfg.EndpointKey {
		t.Fatal("generated secrets were not persisted")
	}
}

func TestInitConfig_KeepsExistingSecrets(t *testing.T) {
	home := setTestConfig(t, `signing_secret: "whsec_existing"`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	cfg, err = initConfig(cfg)
	if err != nil {
		t.Fatalf("initConfig: %v", err)
	}
	if cfg.SigningSecret != "whsec_existing" {
		t.Fatalf("signing secret overwritten: %q", cfg.SigningSecret)
	}
}

func TestIsAddrInUse(t *testing.T) {
	if !isAddrInUse(errors.New("listen tcp 127.0.0.1:8787: bind: address already in use")) {
		t.Fatal("expected address-in-use match")
	}
	if isAddrInUse(errors.New("permission denied")) {
		t.Fatal("unexpected address-in-use match")
	}
}

func TestPortOccupantHint_BadAddr(t *testing.T) {
	if got := portOccupantHint("not-an-addr"); !strings.Contains(got, "not-an-addr") {
		t.Fatalf("hint = %q", got)
	}
}

func TestReportStartupFailure_RecordsToGivenAuditLog(t *testing.T) {
	home := t.TempDir()
	auditLog, err := audit.Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	var stderr bytes.Buffer
	reportStartupFailure(&stderr, nil, auditLog, "E_STORE_OPEN", errors.New("disk full"))
	if err := auditLog.Close(); err != nil {
		t.Fatalf("close audit: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(stderr.Bytes(), &line); err != nil {
		t.Fatalf("stderr is not one JSON line: %q", stderr.String())
	}
	if line["reason_code"] != "E_STORE_OPEN" || line["error"] != "disk full" {
		t.Fatalf("unexpected stderr line %v", line)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(raw), &entry); err != nil {
		t.Fatalf("unmarshal audit entry: %v", err)
	}
	if entry["decision"] != audit.DecisionFatal || entry["action"] != audit.ActionStartup || entry["reason"] != "E_STORE_OPEN" {
		t.Fatalf("unexpected audit entry %v", entry)
	}
}

func TestReportStartupFailure_BeforeAuditOpens(t *testing.T) {
	var stderr bytes.Buffer
	reportStartupFailure(&stderr, nil, nil, "E_CONFIG_LOAD", errors.New("bad yaml"))
	if !strings.Contains(stderr.String(), `"reason_code":"E_CONFIG_LOAD"`) {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}
