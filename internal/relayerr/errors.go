// Package relayerr defines the error taxonomy shared by the relay server and
// the agent client. Every error carries a machine-readable code and, where the
// caller can retry, a retry hint.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies relay errors for handling decisions.
type Kind string

const (
	// KindAuthentication covers agent credential failures and unauthenticated frames.
	KindAuthentication Kind = "authentication"

	// KindSignature covers missing, malformed, stale or mismatched producer signatures.
	KindSignature Kind = "signature"

	// KindReplay indicates an event id already seen within the replay TTL.
	KindReplay Kind = "replay"

	// KindRateLimit indicates the per-agent ingest window is exhausted.
	KindRateLimit Kind = "rate_limit"

	// KindInvalidPayload indicates a body that is not valid JSON or fails the payload schema.
	KindInvalidPayload Kind = "invalid_payload"

	// KindInvalidMessage indicates a frame the connection state does not accept.
	KindInvalidMessage Kind = "invalid_message"

	// KindUnknownAgent indicates a relay id with no registered agent.
	KindUnknownAgent Kind = "unknown_agent"

	// KindQueueFull indicates the agent's offline queue reached its bound.
	KindQueueFull Kind = "queue_full"

	// KindHeartbeatTimeout is self-healing: the channel is closed and reconnected.
	KindHeartbeatTimeout Kind = "heartbeat_timeout"

	// KindReconnectExhausted is terminal for the client.
	KindReconnectExhausted Kind = "reconnect_exhausted"

	// KindInternal is the default for unclassified failures.
	KindInternal Kind = "internal"
)

// Wire codes. These appear in error frames and HTTP error bodies.
const (
	CodeUnauthorized           = "unauthorized"
	CodeInvalidCredentials     = "invalid_credentials"
	CodeAuthenticationRequired = "authentication_required"
	CodeAuthTimeout            = "auth_timeout"
	CodeInvalidMessage         = "invalid_message"
	CodeDuplicateEvent         = "duplicate_event"
	CodeRateLimitExceeded      = "rate_limit_exceeded"
	CodeInvalidPayload         = "invalid_payload"
	CodeUnknownAgent           = "unknown_agent"
	CodeQueueFull              = "queue_full"
	CodeHeartbeatTimeout       = "heartbeat_timeout"
	CodeReconnectExhausted     = "reconnect_exhausted"
	CodeInternal               = "internal_error"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrAuthentication     = &Error{Kind: KindAuthentication}
	ErrSignature          = &Error{Kind: KindSignature}
	ErrReplay             = &Error{Kind: KindReplay}
	ErrRateLimit          = &Error{Kind: KindRateLimit}
	ErrInvalidPayload     = &Error{Kind: KindInvalidPayload}
	ErrInvalidMessage     = &Error{Kind: KindInvalidMessage}
	ErrUnknownAgent       = &Error{Kind: KindUnknownAgent}
	ErrQueueFull          = &Error{Kind: KindQueueFull}
	ErrHeartbeatTimeout   = &Error{Kind: KindHeartbeatTimeout}
	ErrReconnectExhausted = &Error{Kind: KindReconnectExhausted}
	ErrInternal           = &Error{Kind: KindInternal}
)

// Error is a classified relay error.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration // zero when retrying is pointless
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the package sentinels work
// with errors.Is regardless of code or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Unauthorized is the generic producer-facing signature failure. The message
// never says which check failed.
func Unauthorized(err error) *Error {
	return Wrap(KindSignature, CodeUnauthorized, "invalid or missing signature", err)
}

// InvalidCredentials is the generic agent-facing authentication failure.
func InvalidCredentials() *Error {
	return New(KindAuthentication, CodeInvalidCredentials, "invalid credentials")
}

// Duplicate reports a replayed event id.
func Duplicate(eventID string) *Error {
	return New(KindReplay, CodeDuplicateEvent, fmt.Sprintf("event %s already processed", eventID))
}

// RateLimited reports an exhausted window with the time until it resets.
func RateLimited(retryAfter time.Duration) *Error {
	e := New(KindRateLimit, CodeRateLimitExceeded, "rate limit exceeded")
	e.RetryAfter = retryAfter
	return e
}

// QueueFull reports a saturated offline queue.
func QueueFull(retryAfter time.Duration) *Error {
	e := New(KindQueueFull, CodeQueueFull, "offline queue is full")
	e.RetryAfter = retryAfter
	return e
}

// KindOf returns the Kind of err, or KindInternal when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the wire code for err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeInternal
}

// RetryAfterOf returns the retry hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// HTTPStatus maps an error to the ingest endpoint's status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindSignature, KindAuthentication:
		return http.StatusUnauthorized
	case KindReplay:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindInvalidPayload:
		return http.StatusBadRequest
	case KindUnknownAgent:
		return http.StatusNotFound
	case KindQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
