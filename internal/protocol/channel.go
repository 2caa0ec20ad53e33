package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Close codes, mirroring the WebSocket status codes the relay uses.
const (
	CloseNormal      = 1000
	CloseGoingAway   = 1001
	ClosePolicy      = 1008
	CloseInternalErr = 1011
	CloseTryAgain    = 1013
)

// ErrClosed matches any *CloseError via errors.Is.
var ErrClosed = errors.New("protocol: channel closed")

// CloseError reports that the channel closed, with the peer's code when known.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("protocol: channel closed (%d)", e.Code)
	}
	return fmt.Sprintf("protocol: channel closed (%d): %s", e.Code, e.Reason)
}

func (e *CloseError) Is(target error) bool { return target == ErrClosed }

// DecodeError wraps a frame that arrived intact but could not be decoded.
// The channel remains usable.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Channel is a bidirectional, message-framed connection. Send is safe for
// concurrent use; Receive must be called from a single goroutine.
type Channel interface {
	Send(ctx context.Context, m Message) error
	Receive(ctx context.Context) (Message, error)
	Close(code int, reason string) error
}
