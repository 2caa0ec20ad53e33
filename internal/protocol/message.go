// Package protocol defines the relay wire protocol: a JSON envelope with a
// "type" discriminator carrying one of a closed set of messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the envelope discriminator.
type Type string

const (
	TypeAuth        Type = "auth"
	TypeAuthSuccess Type = "auth_success"
	TypeAuthError   Type = "auth_error"
	TypeWebhook     Type = "webhook"
	TypeAck         Type = "ack"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeError       Type = "error"
	TypeDisconnect  Type = "disconnect"
)

// Disconnect reasons sent by the server.
const (
	ReasonSessionReplaced  = "session_replaced"
	ReasonServerShutdown   = "server_shutdown"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonAuthTimeout      = "auth_timeout"
	ReasonAuthFailed       = "auth_failed"
)

// Headers on HTTP fallback deliveries from the relay to an agent endpoint.
const (
	HeaderRelaySignature = "X-Relay-Signature"
	HeaderRelayTimestamp = "X-Relay-Timestamp"
	HeaderRelayEventID   = "X-Relay-Event-ID"
)

// Message is implemented only by the concrete frame types in this package.
type Message interface {
	Type() Type
	isMessage()
}

// Auth is the first frame an agent must send.
type Auth struct {
	RelayID string
	APIKey  string
	Version string
}

// AuthSuccess confirms authentication and names the producer-facing URL.
type AuthSuccess struct {
	SessionID  string
	WebhookURL string
	Timestamp  int64
}

// AuthError rejects an auth frame. The server closes the channel after sending it.
type AuthError struct {
	Code    string
	Message string
}

// Webhook delivers one event to the agent.
type Webhook struct {
	ID        string
	Timestamp int64
	Signature string
	Payload   json.RawMessage
}

// Ack acknowledges a Webhook by id.
type Ack struct {
	ID        string
	Timestamp int64
}

// Ping is the server heartbeat probe.
type Ping struct{ Timestamp int64 }

// Pong answers a Ping.
type Pong struct{ Timestamp int64 }

// Error reports a non-fatal protocol problem.
type Error struct {
	Code         string
	Message      string
	RetryAfterMs int64
}

// Disconnect announces a server-initiated close, optionally with a reconnect delay.
type Disconnect struct {
	Reason           string
	Message          string
	ReconnectAfterMs int64
}

func (Auth) Type() Type        { return TypeAuth }
func (AuthSuccess) Type() Type { return TypeAuthSuccess }
func (AuthError) Type() Type   { return TypeAuthError }
func (Webhook) Type() Type     { return TypeWebhook }
func (Ack) Type() Type         { return TypeAck }
func (Ping) Type() Type        { return TypePing }
func (Pong) Type() Type        { return TypePong }
func (Error) Type() Type       { return TypeError }
func (Disconnect) Type() Type  { return TypeDisconnect }

func (Auth) isMessage()        {}
func (AuthSuccess) isMessage() {}
func (AuthError) isMessage()   {}
func (Webhook) isMessage()     {}
func (Ack) isMessage()         {}
func (Ping) isMessage()        {}
func (Pong) isMessage()        {}
func (Error) isMessage()       {}
func (Disconnect) isMessage()  {}

// ReconnectAfter returns the server-suggested reconnect delay.
func (d Disconnect) ReconnectAfter() time.Duration {
	return time.Duration(d.ReconnectAfterMs) * time.Millisecond
}

// envelope is the flat JSON shape shared by all frames.
type envelope struct {
	Type             Type            `json:"type"`
	RelayID          string          `json:"relay_id,omitempty"`
	APIKey           string          `json:"api_key,omitempty"`
	Version          string          `json:"version,omitempty"`
	SessionID        string          `json:"session_id,omitempty"`
	WebhookURL       string          `json:"webhook_url,omitempty"`
	ID               string          `json:"id,omitempty"`
	Timestamp        int64           `json:"timestamp,omitempty"`
	Signature        string          `json:"signature,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Code             string          `json:"code,omitempty"`
	Message          string          `json:"message,omitempty"`
	RetryAfterMs     int64           `json:"retry_after_ms,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	ReconnectAfterMs int64           `json:"reconnect_after_ms,omitempty"`
}

// ErrUnknownType is returned by Decode for a missing or unrecognised type.
var ErrUnknownType = errors.New("protocol: unknown message type")

func toEnvelope(m Message) (envelope, error) {
	switch v := m.(type) {
	case Auth:
		return envelope{Type: TypeAuth, RelayID: v.RelayID, APIKey: v.APIKey, Version: v.Version}, nil
	case AuthSuccess:
		return envelope{Type: TypeAuthSuccess, SessionID: v.SessionID, WebhookURL: v.WebhookURL, Timestamp: v.Timestamp}, nil
	case AuthError:
		return envelope{Type: TypeAuthError, Code: v.Code, Message: v.Message}, nil
	case Webhook:
		return envelope{Type: TypeWebhook, ID: v.ID, Timestamp: v.Timestamp, Signature: v.Signature, Payload: v.Payload}, nil
	case Ack:
		return envelope{Type: TypeAck, ID: v.ID, Timestamp: v.Timestamp}, nil
	case Ping:
		return envelope{Type: TypePing, Timestamp: v.Timestamp}, nil
	case Pong:
		return envelope{Type: TypePong, Timestamp: v.Timestamp}, nil
	case Error:
		return envelope{Type: TypeError, Code: v.Code, Message: v.Message, RetryAfterMs: v.RetryAfterMs}, nil
	case Disconnect:
		return envelope{Type: TypeDisconnect, Reason: v.Reason, Message: v.Message, ReconnectAfterMs: v.ReconnectAfterMs}, nil
	default:
		return envelope{}, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

func (e envelope) message() (Message, error) {
	switch e.Type {
	case TypeAuth:
		return Auth{RelayID: e.RelayID, APIKey: e.APIKey, Version: e.Version}, nil
	case TypeAuthSuccess:
		return AuthSuccess{SessionID: e.SessionID, WebhookURL: e.WebhookURL, Timestamp: e.Timestamp}, nil
	case TypeAuthError:
		return AuthError{Code: e.Code, Message: e.Message}, nil
	case TypeWebhook:
		return Webhook{ID: e.ID, Timestamp: e.Timestamp, Signature: e.Signature, Payload: e.Payload}, nil
	case TypeAck:
		return Ack{ID: e.ID, Timestamp: e.Timestamp}, nil
	case TypePing:
		return Ping{Timestamp: e.Timestamp}, nil
	case TypePong:
		return Pong{Timestamp: e.Timestamp}, nil
	case TypeError:
		return Error{Code: e.Code, Message: e.Message, RetryAfterMs: e.RetryAfterMs}, nil
	case TypeDisconnect:
		return Disconnect{Reason: e.Reason, Message: e.Message, ReconnectAfterMs: e.ReconnectAfterMs}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

// Encode marshals m into its envelope form.
func Encode(m Message) ([]byte, error) {
	env, err := toEnvelope(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses an envelope into its concrete message.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode frame: %w", err)
	}
	return env.message()
}

// NowMillis returns t as Unix milliseconds.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
