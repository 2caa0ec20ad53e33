package tui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
)

// statusError is a non-OK answer from the relay's admin API.
type statusError struct {
	Path string
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("relay: GET %s: status %d", e.Path, e.Code)
}

// describeError turns a provider failure into the one line shown under the
// connections table.
func describeError(err error) string {
	if err == nil {
		return ""
	}
	var se *statusError
	switch {
	case errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden):
		return fmt.Sprintf("Admin token rejected on %s (%d); check admin_token", se.Path, se.Code)
	case errors.As(err, &se):
		return fmt.Sprintf("%s answered %d", se.Path, se.Code)
	case errors.Is(err, syscall.ECONNREFUSED):
		return "Relay not reachable (connection refused); is hookrelay serve running?"
	case errors.Is(err, context.DeadlineExceeded):
		return "Relay did not answer in time"
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		msg = msg[idx+2:]
	}
	if msg == "" {
		return "Unknown error"
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
