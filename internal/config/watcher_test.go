package config_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/basket/hookrelay/internal/config"
)

func startWatcher(t *testing.T, initial string) (*config.Watcher, string) {
	t.Helper()
	homeDir := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(homeDir), []byte(initial), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	w := config.NewWatcher(homeDir, cfg.Fingerprint(), nil)
	w.Debounce = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w, homeDir
}

func nextReload(t *testing.T, w *config.Watcher) config.Reload {
	t.Helper()
	select {
	case r, ok := <-w.Reloads():
		if !ok {
			t.Fatal("reloads closed")
		}
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
		return config.Reload{}
	}
}

func TestWatcher_ReloadsChangedConfig(t *testing.T) {
	w, homeDir := startWatcher(t, "log_level: info\n")

	// A burst of writes settles into one reload.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(config.ConfigPath(homeDir), []byte("log_level: debug\n"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	r := nextReload(t, w)
	if r.Err != nil || r.Config.LogLevel != "debug" {
		t.Fatalf("unexpected reload %+v", r)
	}
	select {
	case extra := <-w.Reloads():
		t.Fatalf("expected a single reload, got another %+v", extra)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_ReportsBrokenFileAndSkipsNoOps(t *testing.T) {
	w, homeDir := startWatcher(t, "log_level: info\n")
	path := config.ConfigPath(homeDir)

	if err := os.WriteFile(path, []byte("log_level: [unclosed\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if r := nextReload(t, w); r.Err == nil {
		t.Fatalf("expected a load error, got %+v", r)
	}

	// Restoring the original content is not a change.
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	select {
	case r := <-w.Reloads():
		t.Fatalf("unchanged config must not reload, got %+v", r)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_ClosesReloadsOnCancel(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Reloads():
		if ok {
			t.Fatal("no reload expected without a file change")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reloads channel not closed after cancel")
	}
}
