// Package protocol defines the wire contracts of the real-time event
// surface. Every frame is a named event with a JSON payload; the names and
// payload shapes here are shared by the gateway, the web client, and the
// `omnidesk tail` CLI client.
package protocol

// ProtocolVersion is bumped on breaking frame changes.
const ProtocolVersion = 3

// Client → server events.
const (
	EventChatSend     = "chat:send"
	EventChatMarkRead = "chat:mark-read"
	EventUserTyping   = "user:typing"
	EventAgentOpen    = "agent:open"
	EventAgentClose   = "agent:close"
)

// Server → client events.
const (
	EventChatNewMessage = "chat:new-message"
	EventChatDelivery   = "chat:delivery"
	EventAgentMessage   = "agent:message"
	EventSlotPicker     = "agent:show-slot-picker"
	EventUserPresence   = "user:presence"
	EventError          = "error"
)

// Presence states carried by EventUserPresence.
const (
	PresenceTyping  = "typing"
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// EventFrame is the envelope for every frame in both directions.
type EventFrame struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an event frame.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Event: name, Payload: payload}
}
