package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/basket/hookrelay/internal/agent"
	"github.com/basket/hookrelay/internal/config"
	"github.com/basket/hookrelay/internal/persistence"
)

// agentOutput is the machine-readable result of agent add and rotate.
type agentOutput struct {
	RelayID     string `json:"relay_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	WebhookURL  string `json:"webhook_url"`
	Secret      string `json:"secret,omitempty"`
}

func printAgentUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: hookrelay agent add [-id <relay_id>] [-workspace <id>] [-endpoint <url>]")
	fmt.Fprintln(w, "       hookrelay agent list")
	fmt.Fprintln(w, "       hookrelay agent rotate <relay_id>")
	fmt.Fprintln(w, "       hookrelay agent endpoint <relay_id> [url]")
}

// runAgentCommand manages agents directly in the sqlite store, so it works
// whether or not the relay is running.
func runAgentCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 {
		printAgentUsage(os.Stderr)
		return 2
	}
	action := strings.ToLower(strings.TrimSpace(args[0]))
	switch action {
	case "add", "list", "rotate", "endpoint":
	case "help", "-h", "--help":
		printAgentUsage(out)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown agent action %q\n", args[0])
		printAgentUsage(os.Stderr)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if cfg.Store.Backend != "sqlite" {
		fmt.Fprintln(os.Stderr, "agent commands need store.backend: sqlite")
		return 1
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()
	dir, err := newDirectory(cfg, store, slog.New(slog.DiscardHandler))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	rest := args[1:]
	switch action {
	case "add":
		return agentAdd(ctx, dir, cfg, rest, out)
	case "list":
		return agentList(ctx, dir, cfg, out)
	case "rotate":
		if len(rest) != 1 {
			printAgentUsage(os.Stderr)
			return 2
		}
		secret, err := dir.Rotate(ctx, rest[0])
		if err != nil {
			return agentError(err, rest[0])
		}
		writeAgentOutput(out, agentOutput{RelayID: rest[0], WebhookURL: webhookURL(cfg, rest[0]), Secret: secret})
		return 0
	default:
		if len(rest) < 1 || len(rest) > 2 {
			printAgentUsage(os.Stderr)
			return 2
		}
		endpoint := ""
		if len(rest) == 2 {
			endpoint = rest[1]
		}
		if err := dir.SetEndpoint(ctx, rest[0], endpoint); err != nil {
			return agentError(err, rest[0])
		}
		if endpoint == "" {
			fmt.Fprintf(out, "HTTP fallback cleared for %s\n", rest[0])
		} else {
			fmt.Fprintf(out, "HTTP fallback set for %s\n", rest[0])
		}
		return 0
	}
}

func agentAdd(ctx context.Context, dir *agent.Directory, cfg config.Config, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("agent add", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "relay id (generated when empty)")
	workspace := fs.String("workspace", "", "workspace id")
	endpoint := fs.String("endpoint", "", "HTTP fallback URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		printAgentUsage(os.Stderr)
		return 2
	}
	rec, secret, err := dir.Register(ctx, agent.Registration{
		RelayID:     *id,
		WorkspaceID: *workspace,
		Endpoint:    *endpoint,
	})
	if err != nil {
		return agentError(err, *id)
	}
	writeAgentOutput(out, agentOutput{
		RelayID:     rec.RelayID,
		WorkspaceID: rec.WorkspaceID,
		WebhookURL:  webhookURL(cfg, rec.RelayID),
		Secret:      secret,
	})
	return 0
}

func agentList(ctx context.Context, dir *agent.Directory, cfg config.Config, out io.Writer) int {
	recs, err := dir.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list agents: %v\n", err)
		return 1
	}
	if !interactiveTerminal() {
		views := make([]agentOutput, 0, len(recs))
		for _, rec := range recs {
			views = append(views, agentOutput{RelayID: rec.RelayID, WorkspaceID: rec.WorkspaceID, WebhookURL: webhookURL(cfg, rec.RelayID)})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(views)
		return 0
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "no agents registered")
		return 0
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RELAY ID\tWORKSPACE\tHTTP FALLBACK\tCREATED")
	for _, rec := range recs {
		fallback := "no"
		if rec.HasEndpoint() {
			fallback = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.RelayID, rec.WorkspaceID, fallback, rec.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
	return 0
}

// writeAgentOutput prints the secret for humans on a terminal and as JSON
// everywhere else, so scripts can capture it.
func writeAgentOutput(out io.Writer, v agentOutput) {
	if !interactiveTerminal() {
		_ = json.NewEncoder(out).Encode(v)
		return
	}
	fmt.Fprintf(out, "  Relay ID:     %s\n", v.RelayID)
	if v.WorkspaceID != "" {
		fmt.Fprintf(out, "  Workspace:    %s\n", v.WorkspaceID)
	}
	fmt.Fprintf(out, "  Webhook URL:  %s\n", v.WebhookURL)
	fmt.Fprintf(out, "  Secret:       %s\n\n", v.Secret)
	fmt.Fprintln(out, "  The secret is shown once. Store it with the agent.")
}

func agentError(err error, relayID string) int {
	switch {
	case errors.Is(err, agent.ErrNotFound):
		fmt.Fprintf(os.Stderr, "agent %q not found\n", relayID)
	case errors.Is(err, agent.ErrNoEndpointKey):
		fmt.Fprintln(os.Stderr, "endpoint_key is not set in config.yaml; run the relay once or set it")
	default:
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	return 1
}

func webhookURL(cfg config.Config, relayID string) string {
	return strings.TrimRight(cfg.WebhookBaseURL(), "/") + "/webhook/" + relayID
}
