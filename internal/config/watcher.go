package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce collapses the burst of writes an editor makes when
// saving config.yaml into one reload.
const DefaultReloadDebounce = 200 * time.Millisecond

// Reload is one settled change to config.yaml. Err is set when the new file
// does not load; the relay keeps running on its previous config.
type Reload struct {
	Config      Config
	Fingerprint string
	Err         error
}

// Watcher reloads config.yaml from homeDir when it changes and emits a
// Reload only when the file fails to load or its fingerprint moved.
type Watcher struct {
	homeDir     string
	fingerprint string
	logger      *slog.Logger
	reloads     chan Reload

	// Debounce is the quiet period before a change is loaded.
	Debounce time.Duration
}

// NewWatcher watches homeDir's config.yaml. fingerprint is that of the
// config the relay started with.
func NewWatcher(homeDir, fingerprint string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:     homeDir,
		fingerprint: fingerprint,
		logger:      logger,
		reloads:     make(chan Reload, 4),
		Debounce:    DefaultReloadDebounce,
	}
}

// Reloads is closed when the watcher stops.
func (w *Watcher) Reloads() <-chan Reload {
	return w.reloads
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// The directory is watched, not the file, so an editor that renames a
	// temp file over config.yaml is still seen.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.reloads)

		settle := time.NewTimer(time.Hour)
		settle.Stop()
		defer settle.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.logger.Debug("config file event", "op", ev.Op.String())
				settle.Reset(w.Debounce)
			case <-settle.C:
				w.reload(ctx)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := LoadFrom(w.homeDir)
	var r Reload
	switch {
	case err != nil:
		w.logger.Error("config.yaml reload rejected; keeping previous config", "error", err)
		r = Reload{Err: err, Fingerprint: w.fingerprint}
	case cfg.Fingerprint() == w.fingerprint:
		w.logger.Debug("config.yaml rewritten without changes")
		return
	default:
		r = Reload{Config: cfg, Fingerprint: cfg.Fingerprint()}
		w.logger.Info("config.yaml changed", "old_fingerprint", w.fingerprint, "new_fingerprint", r.Fingerprint)
		w.fingerprint = r.Fingerprint
	}
	select {
	case w.reloads <- r:
	case <-ctx.Done():
	}
}
