package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/hookrelay/internal/config"
	"github.com/basket/hookrelay/internal/persistence"
)

// runBackupCommand writes a consistent copy of the relay database. It is
// safe to run while the relay is serving.
func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: hookrelay backup <dest.db>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if cfg.Store.Backend != "sqlite" {
		fmt.Fprintln(os.Stderr, "backup needs store.backend: sqlite")
		return 1
	}
	if _, err := os.Stat(args[0]); err == nil {
		fmt.Fprintf(os.Stderr, "%s already exists\n", args[0])
		return 1
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()
	if err := store.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Printf("backup written to %s\n", args[0])
	return 0
}
