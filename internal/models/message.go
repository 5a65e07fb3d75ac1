package models

import "encoding/json"

// EventType represents the type of a message on the call event stream
type EventType string

const (
	// Server to client
	EventTypeIncomingCall EventType = "incoming_call"
	EventTypeCallUpdate   EventType = "call_update"
	EventTypeError        EventType = "error"

	// Client to server
	EventTypeWatch     EventType = "watch"
	EventTypeUnwatch   EventType = "unwatch"
	EventTypeOffer     EventType = "offer"
	EventTypeAnswer    EventType = "answer"
	EventTypeCandidate EventType = "candidate"
	EventTypeStatus    EventType = "status"
	EventTypeHangup    EventType = "hangup"
)

// StreamMessage is one frame on the call event stream
type StreamMessage struct {
	Type    EventType       `json:"type"`
	CallID  string          `json:"callId,omitempty"`
	Session *CallSession    `json:"session,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// callUpdate keeps "session": null on the wire so clients can detect termination
type callUpdate struct {
	Type    EventType    `json:"type"`
	CallID  string       `json:"callId"`
	Session *CallSession `json:"session"`
}

// MarshalJSON emits an explicit null session for call_update frames
func (m StreamMessage) MarshalJSON() ([]byte, error) {
	if m.Type == EventTypeCallUpdate {
		return json.Marshal(callUpdate{Type: m.Type, CallID: m.CallID, Session: m.Session})
	}
	type plain StreamMessage
	return json.Marshal(plain(m))
}
