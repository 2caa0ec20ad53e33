package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/basket/hookrelay/internal/agent"
	"github.com/basket/hookrelay/internal/audit"
	"github.com/basket/hookrelay/internal/bus"
	"github.com/basket/hookrelay/internal/config"
	"github.com/basket/hookrelay/internal/cron"
	"github.com/basket/hookrelay/internal/delivery"
	"github.com/basket/hookrelay/internal/gateway"
	"github.com/basket/hookrelay/internal/ingest"
	otelPkg "github.com/basket/hookrelay/internal/otel"
	"github.com/basket/hookrelay/internal/persistence"
	"github.com/basket/hookrelay/internal/queue"
	"github.com/basket/hookrelay/internal/ratelimit"
	"github.com/basket/hookrelay/internal/registry"
	"github.com/basket/hookrelay/internal/replay"
	"github.com/basket/hookrelay/internal/security"
	"github.com/basket/hookrelay/internal/telemetry"
)

const (
	limiterEvictInterval = time.Minute
	limiterBucketMaxAge  = 10 * time.Minute
	shutdownTimeout      = 5 * time.Second
)

// deadLetters is what the relay needs from a dead-letter store.
type deadLetters interface {
	delivery.DeadLetterSink
	gateway.DeadLetterLister
}

// backend groups the storage the relay runs on. The sqlite backend survives
// restarts; the memory backend is for development and tests.
type backend struct {
	agents  agent.Repository
	replay  replay.Store
	windows ratelimit.Store
	queue   queue.Queue
	dead    deadLetters
	store   *persistence.Store // nil for the memory backend
}

func openBackend(cfg config.Config, b *bus.Bus) (*backend, error) {
	switch cfg.Store.Backend {
	case "memory":
		return &backend{
			agents:  agent.NewMemoryRepository(),
			replay:  replay.NewMemoryStore(),
			windows: ratelimit.NewMemoryStore(),
			queue:   queue.NewMemory(cfg.Queue.MaxDepth),
			dead:    &delivery.MemoryDeadLetters{},
		}, nil
	default:
		store, err := persistence.Open(cfg.DBPath(), b)
		if err != nil {
			return nil, err
		}
		return &backend{
			agents:  store,
			replay:  store.ReplayMarkers(),
			windows: store.RateWindows(),
			queue:   store.OfflineQueue(cfg.Queue.MaxDepth),
			dead:    store,
			store:   store,
		}, nil
	}
}

func (be *backend) health(ctx context.Context) error {
	if be.store == nil {
		return nil
	}
	return be.store.DB().PingContext(ctx)
}

func (be *backend) Close() error {
	if be.store == nil {
		return nil
	}
	return be.store.Close()
}

// retentionJob trims old queued events, dead letters and audit rows.
func (be *backend) retentionJob(cfg config.Config) func(ctx context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		if be.store != nil {
			res, err := be.store.RunRetention(ctx, cfg.Queue.RetentionDays, cfg.Maintenance.DeadLetterRetentionDays, cfg.Maintenance.AuditLogRetentionDays)
			return int(res.PurgedQueuedEvents + res.PurgedDeadLetters + res.PurgedAuditLogs), err
		}
		total := 0
		now := time.Now()
		if days := cfg.Queue.RetentionDays; days > 0 {
			n, err := be.queue.PurgeOlderThan(ctx, now.AddDate(0, 0, -days))
			if err != nil {
				return total, err
			}
			total += n
		}
		if days := cfg.Maintenance.DeadLetterRetentionDays; days > 0 {
			if mem, ok := be.dead.(*delivery.MemoryDeadLetters); ok {
				n, err := mem.PurgeOlderThan(ctx, now.AddDate(0, 0, -days))
				if err != nil {
					return total, err
				}
				total += n
			}
		}
		return total, nil
	}
}

func newDirectory(cfg config.Config, repo agent.Repository, logger *slog.Logger) (*agent.Directory, error) {
	var sealer *security.EndpointSealer
	if cfg.EndpointKey != "" {
		key, err := security.ParseKey(cfg.EndpointKey)
		if err != nil {
			return nil, fmt.Errorf("endpoint_key: %w", err)
		}
		if sealer, err = security.NewEndpointSealer(key); err != nil {
			return nil, err
		}
	}
	return agent.NewDirectory(repo, sealer, cfg.Auth.BcryptCost, logger), nil
}

func runServe(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = auditLog.Close() }()

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLoggerWithLevel(cfg.HomeDir, level, quiet)
	if err != nil {
		fatalStartup(nil, auditLog, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if cfg.NeedsInit {
		if cfg, err = initConfig(cfg); err != nil {
			fatalStartup(logger, auditLog, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with generated secrets", "path", config.ConfigPath(cfg.HomeDir))
	}
	if cfg.SigningSecret == "" {
		fatalStartup(logger, auditLog, "E_CONFIG_SIGNING_SECRET", errors.New("signing_secret is required"))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		if host != "127.0.0.1" && host != "localhost" && host != "::1" && cfg.PublicURL == "" {
			logger.Warn("public_url is empty on non-loopback bind; agents will receive a webhook url built from bind_addr", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()
	journal := bus.NewJournal(bus.DefaultJournalSize)
	journal.Run(ctx, eventBus)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, auditLog, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, auditLog, "E_OTEL_METRICS", err)
	}

	be, err := openBackend(cfg, eventBus)
	if err != nil {
		fatalStartup(logger, auditLog, "E_STORE_OPEN", err)
	}
	defer be.Close()
	if be.store != nil {
		auditLog.SetDB(be.store.DB())
	}
	logger.Info("startup phase", "phase", "store_opened", "backend", cfg.Store.Backend)

	dir, err := newDirectory(cfg, be.agents, logger)
	if err != nil {
		fatalStartup(logger, auditLog, "E_ENDPOINT_KEY", err)
	}

	tracker := delivery.NewTracker(delivery.Config{
		Policy: delivery.Policy{
			AckTimeout:  cfg.AckTimeout(),
			MaxAttempts: cfg.Delivery.MaxAttempts,
			OnExhausted: cfg.Delivery.OnExhausted,
		},
		Queue:       be.queue,
		DeadLetters: be.dead,
		Bus:         eventBus,
		Metrics:     metrics,
		Logger:      logger,
	})
	reg := registry.New(registry.Config{
		Authenticator:     dir,
		Acks:              tracker,
		Bus:               eventBus,
		Metrics:           metrics,
		Audit:             auditLog,
		Logger:            logger,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		AuthTimeout:       cfg.AuthTimeout(),
		MaxAuthAttempts:   cfg.Auth.MaxAttempts,
		WebhookBaseURL:    cfg.WebhookBaseURL(),
	})
	tracker.SetLocator(reg)
	tracker.Start(ctx, cfg.AckSweepInterval())
	reg.StartHeartbeat(ctx)
	drainer := delivery.NewDrainer(tracker, be.queue, reg, cfg.Queue.DrainBatch, metrics, logger)
	drainer.SetInterval(cfg.DrainInterval())
	reg.SetConnectNotifier(drainer)
	drainer.Start(ctx)

	var validator *ingest.PayloadValidator
	if cfg.Ingest.PayloadSchemaFile != "" {
		validator, err = ingest.LoadPayloadValidator(cfg.Ingest.PayloadSchemaFile)
	} else {
		validator, err = ingest.NewPayloadValidator(nil)
	}
	if err != nil {
		fatalStartup(logger, auditLog, "E_PAYLOAD_SCHEMA", err)
	}

	replayGuard := replay.NewGuard(be.replay, cfg.ReplayTTL())
	limiter := ratelimit.New(be.windows, cfg.Ingest.RateLimit, cfg.RateWindow())
	pipeline := ingest.New(ingest.Config{
		SigningSecret:   []byte(cfg.SigningSecret),
		FreshnessWindow: cfg.FreshnessWindow(),
		Validator:       validator,
		Replay:          replayGuard,
		Limiter:         limiter,
		Agents:          dir,
		Locator:         reg,
		Tracker:         tracker,
		Queue:           be.queue,
		Forwarder:       ingest.NewHTTPForwarder(cfg.FallbackTimeout()),
		Metrics:         metrics,
		Tracer:          otelProvider.Tracer,
		Audit:           auditLog,
		Logger:          logger,
	})

	gw := gateway.New(gateway.Config{
		Registry:          reg,
		Pipeline:          pipeline,
		Tracker:           tracker,
		Queue:             be.queue,
		DeadLetters:       be.dead,
		Agents:            dir,
		AdminToken:        cfg.AdminToken,
		AllowOrigins:      cfg.AllowOrigins,
		CORS:              cfg.CORS,
		ConnectLimit:      cfg.ConnectLimit,
		MaxBodyBytes:      cfg.Ingest.MaxBodyBytes,
		ConfigFingerprint: cfg.Fingerprint(),
		Audit:             auditLog,
		Bus:               eventBus,
		Journal:           journal,
		Health:            be.health,
		Logger:            logger,
	})
	gw.Limiter().StartEviction(ctx, limiterEvictInterval, limiterBucketMaxAge)

	sched, err := cron.NewScheduler(cron.Config{
		Logger: logger,
		Jobs: []cron.Job{
			{
				Name: "purge_expired",
				Spec: cfg.Maintenance.PurgeSchedule,
				Run: func(ctx context.Context) (int, error) {
					markers, err := replayGuard.Purge(ctx)
					if err != nil {
						return markers, err
					}
					windows, err := limiter.Purge(ctx)
					return markers + windows, err
				},
			},
			{Name: "retention", Spec: cfg.Maintenance.RetentionSchedule, Run: be.retentionJob(cfg)},
		},
	})
	if err != nil {
		fatalStartup(logger, auditLog, "E_MAINTENANCE_SCHEDULE", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	// Clear markers and windows left over from the previous run.
	sched.RunNow(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, cfg.Fingerprint(), logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, auditLog, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfig(watcher, cfg, level, logger)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, auditLog, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, auditLog, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.BindAddr, "webhook_base", cfg.WebhookBaseURL(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("relay server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Agents hear server_shutdown before their sockets close.
	reg.Shutdown(shutdownCtx, cfg.ShutdownReconnectAfter())
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// watchConfig applies config.yaml changes that are safe to take live: the log
// level. Other changes are logged and need a restart.
func watchConfig(w *config.Watcher, started config.Config, level *slog.LevelVar, logger *slog.Logger) {
	for r := range w.Reloads() {
		if r.Err != nil {
			continue
		}
		if lvl := telemetry.ParseLevel(r.Config.LogLevel); lvl != level.Level() {
			level.Set(lvl)
			logger.Info("log level changed", "level", lvl.String())
		}
		// Compare everything but the log level against what the relay runs.
		next := r.Config
		next.LogLevel = started.LogLevel
		if next.Fingerprint() != started.Fingerprint() {
			logger.Warn("config changed; restart the relay to apply", "fingerprint", r.Fingerprint)
		}
	}
}
