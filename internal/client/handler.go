package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/hookrelay/internal/webhook"
)

// Event is a webhook delivered to the agent.
type Event struct {
	ID        string
	Timestamp int64
	Signature string
	Payload   json.RawMessage
}

// Header decodes the payload's routed fields.
func (e Event) Header() (webhook.Header, error) {
	return webhook.ParseHeader(e.Payload)
}

// Result is a handler's verdict on one event.
type Result struct {
	deferred bool
	reason   string
}

// Ack acknowledges the event; the relay will not redeliver it.
func Ack() Result { return Result{} }

// Defer withholds the ack so the relay redelivers the event later.
func Defer(reason string) Result { return Result{deferred: true, reason: reason} }

// Acked reports whether the event will be acknowledged.
func (r Result) Acked() bool { return !r.deferred }

// Reason is the explanation passed to Defer.
func (r Result) Reason() string { return r.reason }

func (r Result) String() string {
	if r.deferred {
		return "defer(" + r.reason + ")"
	}
	return "ack"
}

// Handler processes webhooks. Events for one connection arrive in order.
type Handler interface {
	HandleWebhook(ctx context.Context, ev Event) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) Result

func (f HandlerFunc) HandleWebhook(ctx context.Context, ev Event) Result { return f(ctx, ev) }

// dispatch runs h and turns a panic into Defer.
func dispatch(ctx context.Context, h Handler, ev Event) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webhook handler panic: %v", r)
			res = Defer("handler panic")
		}
	}()
	return h.HandleWebhook(ctx, ev), nil
}
