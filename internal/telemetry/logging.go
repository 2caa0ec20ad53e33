package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/hookrelay/internal/shared"
)

// LogFileName is the JSONL log written under <home>/logs.
const LogFileName = "relay.jsonl"

const redacted = "[REDACTED]"

// stdout receives the console copy of each line when not quiet.
var stdout io.Writer = os.Stdout

// Attribute keys whose values are never logged.
var secretKeys = []string{"secret", "token", "password", "authorization", "api_key", "apikey", "endpoint_key", "credential"}

// NewLogger builds the relay logger at a fixed level.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	return NewLoggerWithLevel(homeDir, lvl, quiet)
}

// NewLoggerWithLevel builds the relay logger with a level the caller may
// change at runtime, for config hot reload. Lines go to <home>/logs/relay.jsonl
// and, unless quiet, to stdout.
func NewLoggerWithLevel(homeDir string, lvl *slog.LevelVar, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, ReplaceAttr: relayAttr})
	return slog.New(handler).With("component", "relay", "trace_id", "-"), file, nil
}

// relayAttr renames time to timestamp, writes durations as integer
// milliseconds like the wire protocol does, and hides secrets.
func relayAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
		return a
	case isSecretKey(a.Key):
		return slog.String(a.Key, redacted)
	}

	switch a.Value.Kind() {
	case slog.KindDuration:
		return slog.Int64(a.Key, a.Value.Duration().Milliseconds())
	case slog.KindString:
		return slog.String(a.Key, redactValue(a.Value.String()))
	}
	return a
}

func isSecretKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// redactValue drops a whole header line and otherwise masks known relay
// credentials inside the string.
func redactValue(v string) string {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "authorization:") || strings.Contains(lower, "x-relay-signature:") {
		return redacted
	}
	return shared.Redact(v)
}

// ParseLevel maps a config level name to slog; unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
