package realtime

import "encoding/json"

// Server-pushed event names.
const (
	EventNewMessage        = "newMessage"
	EventUserTyping        = "userTyping"
	EventUserStoppedTyping = "userStoppedTyping"
	EventUserOnline        = "userOnline"
	EventUserOffline       = "userOffline"
)

// Client-emitted event names.
const (
	EmitJoinConversation  = "joinConversation"
	EmitLeaveConversation = "leaveConversation"
	EmitSendMessage       = "sendMessage"
	EmitTyping            = "typing"
	EmitStopTyping        = "stopTyping"
	EmitMarkRead          = "markRead"
)

// BusNamespace prefixes every forwarded frame's bus kind.
const BusNamespace = "realtime."

// Envelope is the wire format for inbound frames. The payload is forwarded
// verbatim; this layer interprets no event semantics beyond presence
// bookkeeping.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type outEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// presencePayload is the shape of userOnline/userOffline payloads.
type presencePayload struct {
	UserID string `json:"userId"`
}
