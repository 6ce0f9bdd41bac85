// Package proto holds the relay event vocabulary shared by the relay
// connection, the chat channel and the call state machine.
//
// Inbound frames are decoded once, at the transport boundary, into one of the
// concrete Event types below. Consumers switch on the concrete type; there is
// no untyped payload past Decode.
package proto

// Event names on the wire.
const (
	EvRegister = "register"

	EvChatSend      = "chat:send"
	EvChatMessage   = "chat:message"
	EvChatTyping    = "chat:typing"
	EvChatDelivered = "chat:delivered"
	EvChatRead      = "chat:read"

	EvCallInitiate = "call:initiate"
	EvCallIncoming = "call:incoming"
	EvCallOffer    = "call:offer"
	EvCallAnswer   = "call:answer"
	EvCallICE      = "call:ice-candidate"
	EvCallEnd      = "call:end"
)

// Role is the kind of account on either side of a conversation or call.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor
}

// CallKind selects which media a call carries.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// Valid reports whether k is audio or video.
func (k CallKind) Valid() bool {
	return k == CallAudio || k == CallVideo
}

// MessageKind is the content type of a chat message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindAudio MessageKind = "audio"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// SessionDescription is an SDP offer or answer as carried on the wire.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a trickled ICE candidate as carried on the wire.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}
