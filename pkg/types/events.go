package types

// EventType discriminates outbound stream events.
type EventType string

const (
	EventSystem EventType = "system"
	EventStart  EventType = "start"
	EventToken  EventType = "token"
	EventEnd    EventType = "end"
	EventError  EventType = "error"
)

// Event is one outbound frame on a chat stream.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
}

// Terminal reports whether the event ends a request's event sequence.
func (e Event) Terminal() bool { return e.Type == EventEnd || e.Type == EventError }

// Inbound message types.
const (
	MessageChat   = "message"
	MessageCancel = "cancel"
)

// InboundMessage is one client frame on a chat stream.
type InboundMessage struct {
	// message or cancel.
	Type string `json:"type"`
	// User text for type=message.
	Content string `json:"content,omitempty"`
	// Optional model overriding the connection's bound model for this request only.
	Model string `json:"model,omitempty"`
}
