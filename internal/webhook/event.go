// Package webhook holds the relay's event model.
package webhook

import (
	"encoding/json"
	"time"

	"github.com/basket/hookrelay/internal/protocol"
)

// Event is one producer webhook addressed to an agent. Identity is ID.
type Event struct {
	ID         string
	RelayID    string
	Timestamp  int64 // producer timestamp, Unix ms
	Signature  string
	Payload    json.RawMessage
	Attempts   int
	ReceivedAt time.Time
}

// Frame returns the wire frame that delivers the event.
func (e Event) Frame() protocol.Webhook {
	return protocol.Webhook{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Signature: e.Signature,
		Payload:   e.Payload,
	}
}

// Header is the routed portion of a payload; Data stays opaque.
type Header struct {
	Event       string          `json:"event"`
	WorkspaceID string          `json:"workspace_id"`
	ID          string          `json:"id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// ParseHeader decodes the routed fields of a payload.
func ParseHeader(payload []byte) (Header, error) {
	var h Header
	err := json.Unmarshal(payload, &h)
	return h, err
}

// DeadLetter is an event the relay gave up delivering.
type DeadLetter struct {
	ID        int64           `json:"id"`
	RelayID   string          `json:"relay_id"`
	EventID   string          `json:"event_id"`
	Timestamp int64           `json:"timestamp"`
	Signature string          `json:"-"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewDeadLetter records ev as undeliverable for reason.
func NewDeadLetter(ev Event, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		RelayID:   ev.RelayID,
		EventID:   ev.ID,
		Timestamp: ev.Timestamp,
		Signature: ev.Signature,
		Payload:   ev.Payload,
		Attempts:  ev.Attempts,
		Reason:    reason,
		CreatedAt: at,
	}
}
