package common

// MessageType represents the kind of a frame exchanged with the bot push endpoint
type MessageType string

// Inbound message types pushed by the bot backend
const (
	TypeConnectionEstablished MessageType = "connection_established" // Sent once right after the handshake
	TypeSpreadUpdate          MessageType = "spread_update"          // New spread sample for the bot's market pair
	TypeOrderUpdate           MessageType = "order_update"           // Order created or changed
	TypePositionUpdate        MessageType = "position_update"        // Position opened, changed or closed
	TypeStatusUpdate          MessageType = "status_update"          // Bot run status changed
	TypePong                  MessageType = "pong"                   // Heartbeat answer, liveness only
)

// Outbound control message types
const (
	TypePing MessageType = "ping"
)

// TopicConnectionStatus is the event bus topic carrying registry snapshots
const TopicConnectionStatus = "connection_status"

// Known reports whether t is an inbound type the client knows how to route.
func (t MessageType) Known() bool {
	switch t {
	case TypeConnectionEstablished, TypeSpreadUpdate, TypeOrderUpdate,
		TypePositionUpdate, TypeStatusUpdate, TypePong:
		return true
	}
	return false
}

// Topic returns the event bus topic events of this type are published on.
func (t MessageType) Topic() string {
	return string(t)
}
