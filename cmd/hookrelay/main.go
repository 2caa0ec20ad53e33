package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/hookrelay/internal/audit"
	"github.com/basket/hookrelay/internal/config"
	"github.com/basket/hookrelay/internal/security"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER:
  %s                          Start the relay (same as "serve")
  %s serve                    Start the relay

SUBCOMMANDS:
  %s agent add [flags]        Register an agent and print its one-time secret
                              Flags: -id, -workspace, -endpoint
  %s agent list               List registered agents
  %s agent rotate <relay_id>  Issue a new secret for an agent
  %s agent endpoint <relay_id> [url]
                              Set or clear the HTTP fallback endpoint
  %s status                   Show relay health (/healthz)
  %s top                      Live view of connected agents
  %s doctor [-json]           Run diagnostic checks
  %s backup <dest.db>         Copy the relay database

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  HOOKRELAY_HOME          Data directory (default: ~/.hookrelay)
  HOOKRELAY_BIND_ADDR     Listen address override
  HOOKRELAY_LOG_LEVEL     debug, info, warn or error

EXAMPLES:
  Start the relay:        %s serve
  Register an agent:      %s agent add -workspace ws_123
  Check relay health:     %s status
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	quiet := flag.Bool("quiet", false, "write logs to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "serve":
		case "agent":
			os.Exit(runAgentCommand(ctx, args[1:], os.Stdout))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "top":
			os.Exit(runTopCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runServe(ctx, *quiet)
}

// initConfig fills in the secrets a fresh install needs and writes config.yaml.
func initConfig(cfg config.Config) (config.Config, error) {
	if cfg.SigningSecret == "" {
		s, err := randomHex(32)
		if err != nil {
			return cfg, err
		}
		cfg.SigningSecret = s
	}
	if cfg.AdminToken == "" {
		s, err := security.GenerateSecret()
		if err != nil {
			return cfg, err
		}
		cfg.AdminToken = "adm_" + strings.TrimPrefix(s, security.SecretPrefix)
	}
	if cfg.EndpointKey == "" {
		s, err := randomHex(32)
		if err != nil {
			return cfg, err
		}
		cfg.EndpointKey = s
	}
	if err := config.Save(cfg); err != nil {
		return cfg, err
	}
	cfg.NeedsInit = false
	return cfg, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func interactiveTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// fatalStartup reports a startup failure and exits. auditLog is nil until
// the audit file is open.
func fatalStartup(logger *slog.Logger, auditLog *audit.Log, reasonCode string, err error) {
	reportStartupFailure(os.Stderr, logger, auditLog, reasonCode, err)
	os.Exit(1)
}

func reportStartupFailure(stderr io.Writer, logger *slog.Logger, auditLog *audit.Log, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	auditLog.Record(context.Background(), audit.DecisionFatal, audit.ActionStartup, reasonCode, "", "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
		return
	}
	fmt.Fprintf(
		stderr,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// lsof names the occupying process on macOS and Linux.
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command
