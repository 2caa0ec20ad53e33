// Package doctor runs the relay's pre-flight diagnostics.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/hookrelay/internal/config"
	"github.com/basket/hookrelay/internal/cron"
	"github.com/basket/hookrelay/internal/persistence"
	"github.com/basket/hookrelay/internal/security"
	"github.com/basket/hookrelay/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkSecrets,
		checkDatabase,
		checkPermissions,
		checkBindAddr,
		checkMaintenance,
		checkEnvironment,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; the first serve will write one"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)), Detail: cfg.Fingerprint()}
}

func checkSecrets(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsInit {
		return CheckResult{Name: "Secrets", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.SigningSecret == "" {
		return CheckResult{Name: "Secrets", Status: StatusFail, Message: "signing_secret is empty; producers cannot be verified"}
	}
	if cfg.EndpointKey != "" {
		if _, err := security.ParseKey(cfg.EndpointKey); err != nil {
			return CheckResult{Name: "Secrets", Status: StatusFail, Message: "endpoint_key is not a 32-byte hex or base64 key"}
		}
	}
	if cfg.AdminToken == "" {
		return CheckResult{Name: "Secrets", Status: StatusWarn, Message: "admin_token is empty; /api and /metrics are disabled"}
	}
	if cfg.EndpointKey == "" {
		return CheckResult{Name: "Secrets", Status: StatusPass, Message: "Signing secret and admin token set; HTTP fallback unavailable without endpoint_key"}
	}
	return CheckResult{Name: "Secrets", Status: StatusPass, Message: "Signing secret, admin token and endpoint key set"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsInit {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Store.Backend != "sqlite" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: fmt.Sprintf("Backend %q keeps no database", cfg.Store.Backend)}
	}

	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	agents, err := store.ListAgents(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema valid, %d agents registered", len(agents)),
		Detail:  cfg.DBPath(),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkBindAddr tries to listen on bind_addr. A relay already running there
// shows up as a warning, not a failure.
func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is not free (a relay may already be running)", cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Bind Address", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

func checkMaintenance(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Maintenance", Status: StatusSkip, Message: "Config missing"}
	}
	now := time.Now()
	var next []string
	for _, job := range []struct{ name, spec string }{
		{"purge", cfg.Maintenance.PurgeSchedule},
		{"retention", cfg.Maintenance.RetentionSchedule},
	} {
		at, err := cron.NextRunTime(job.spec, now)
		if err != nil {
			return CheckResult{Name: "Maintenance", Status: StatusFail, Message: fmt.Sprintf("%s schedule %q is invalid: %v", job.name, job.spec, err)}
		}
		next = append(next, fmt.Sprintf("%s next at %s", job.name, at.Format(time.RFC3339)))
	}
	return CheckResult{Name: "Maintenance", Status: StatusPass, Message: "Schedules valid", Detail: strings.Join(next, ", ")}
}

// checkEnvironment lists HOOKRELAY_* overrides with secret values redacted.
func checkEnvironment(_ context.Context, _ *config.Config) CheckResult {
	var set []string
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "HOOKRELAY_") {
			continue
		}
		set = append(set, key+"="+shared.RedactEnvValue(key, value))
	}
	if len(set) == 0 {
		return CheckResult{Name: "Environment", Status: StatusPass, Message: "No HOOKRELAY_* overrides"}
	}
	sort.Strings(set)
	return CheckResult{
		Name:    "Environment",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d HOOKRELAY_* overrides", len(set)),
		Detail:  strings.Join(set, " "),
	}
}
