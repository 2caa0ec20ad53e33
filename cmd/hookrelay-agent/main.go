// Command hookrelay-agent connects to a relay and prints the webhooks it
// receives. It is the smallest useful agent and a template for real ones.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/basket/hookrelay/internal/client"
	"github.com/basket/hookrelay/internal/relayerr"
	"github.com/basket/hookrelay/internal/telemetry"
	"github.com/mattn/go-isatty"
)

type options struct {
	url           string
	relayID       string
	apiKey        string
	signingSecret string
	httpAddr      string
	maxReconnects int
	logLevel      string
}

func parseOptions(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("hookrelay-agent", flag.ContinueOnError)
	fs.StringVar(&o.url, "url", envOr("HOOKRELAY_URL", "ws://127.0.0.1:8787/ws"), "relay WebSocket URL")
	fs.StringVar(&o.relayID, "relay-id", os.Getenv("HOOKRELAY_RELAY_ID"), "agent relay id")
	fs.StringVar(&o.apiKey, "api-key", os.Getenv("HOOKRELAY_API_KEY"), "agent secret")
	fs.StringVar(&o.signingSecret, "signing-secret", os.Getenv("HOOKRELAY_SIGNING_SECRET"), "producer signing secret; enables signature checks")
	fs.StringVar(&o.httpAddr, "http", os.Getenv("HOOKRELAY_AGENT_HTTP"), "listen address for HTTP fallback deliveries")
	fs.IntVar(&o.maxReconnects, "max-reconnects", envInt("HOOKRELAY_MAX_RECONNECTS", 0), "give up after this many reconnects (0 = never)")
	fs.StringVar(&o.logLevel, "log-level", envOr("HOOKRELAY_LOG_LEVEL", "info"), "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.relayID == "" || o.apiKey == "" {
		return o, errors.New("-relay-id and -api-key are required")
	}
	return o, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: telemetry.ParseLevel(opts.logLevel)})).
		With("component", "agent", "relay_id", opts.relayID)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := newPrinter(os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
	c, err := client.New(client.Config{
		URL:                  opts.url,
		RelayID:              opts.relayID,
		APIKey:               opts.apiKey,
		MaxReconnectAttempts: opts.maxReconnects,
		SigningSecret:        []byte(opts.signingSecret),
		Logger:               logger,
	}, p, client.Events{
		OnConnected: func(ev client.ConnectedEvent) {
			p.status("connected", "session "+ev.SessionID+", producers post to "+ev.WebhookURL)
		},
		OnDisconnected: func(ev client.DisconnectedEvent) {
			p.status("disconnected", ev.Reason)
		},
		OnReconnecting: func(ev client.ReconnectingEvent) {
			p.status("reconnecting", fmt.Sprintf("attempt %d in %s", ev.Attempt, ev.Delay.Round(time.Millisecond)))
		},
		OnError: func(err error) {
			logger.Warn("agent error", "error", err)
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if opts.httpAddr != "" {
		srv := &http.Server{Addr: opts.httpAddr, Handler: c.HTTPHandler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("http fallback listening", "addr", opts.httpAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http fallback server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err = c.Run(ctx)
	switch {
	case err == nil || errors.Is(err, context.Canceled):
	case errors.Is(err, relayerr.ErrAuthentication):
		logger.Error("relay rejected the credentials", "error", err)
		os.Exit(1)
	default:
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return n
}
