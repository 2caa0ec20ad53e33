package bus

import "time"

// Agent connection lifecycle topics.
const (
	TopicAgentConnected    = "agent.connected"
	TopicAgentDisconnected = "agent.disconnected"
)

// Delivery topics.
const (
	TopicDeliveryAcked        = "delivery.acked"
	TopicDeliveryTimedOut     = "delivery.timed_out"
	TopicDeliveryDeadLettered = "delivery.dead_lettered"
)

// AgentConnectedEvent is published after an agent authenticates.
type AgentConnectedEvent struct {
	RelayID     string
	SessionID   string
	ConnectedAt time.Time
}

// AgentDisconnectedEvent is published when a connection leaves the registry.
type AgentDisconnectedEvent struct {
	RelayID   string
	SessionID string
	Reason    string
}

// DeliveryEvent describes the fate of one delivered webhook.
type DeliveryEvent struct {
	RelayID  string
	EventID  string
	Attempts int
	Outcome  string
}
