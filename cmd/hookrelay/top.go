package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/hookrelay/internal/config"
	"github.com/basket/hookrelay/internal/tui"
)

func runTopCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: hookrelay top")
		return 2
	}
	if !interactiveTerminal() {
		fmt.Fprintln(os.Stderr, "hookrelay top needs a terminal; use hookrelay status instead")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if cfg.AdminToken == "" {
		fmt.Fprintln(os.Stderr, "admin_token is not set in config.yaml")
		return 1
	}

	provider := tui.NewHTTPProvider(relayBaseURL(cfg.BindAddr), cfg.AdminToken)
	// A connection is stale once it has missed most of its heartbeat window.
	if err := tui.Run(ctx, provider.Snapshot, 3*cfg.HeartbeatInterval()); err != nil {
		fmt.Fprintf(os.Stderr, "top: %v\n", err)
		return 1
	}
	return 0
}
