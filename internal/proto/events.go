package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned by Decode for frames that are not valid JSON or
	// lack a field the event cannot be used without.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownEvent is returned by Decode for event names outside the
	// vocabulary.
	ErrUnknownEvent = errors.New("unknown event")
)

// Frame is the envelope every relay message travels in.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is one inbound, already-decoded relay event. The set of
// implementations is closed: the types in this file.
type Event interface {
	EventName() string
}

// Route addresses a signaling event. Outbound events fill both sides; the
// relay fills From on delivery.
type Route struct {
	ToUserID   string `json:"toUserId,omitempty"`
	ToRole     Role   `json:"toRole,omitempty"`
	FromUserID string `json:"fromUserId,omitempty"`
	FromRole   Role   `json:"fromRole,omitempty"`
}

// Register binds an identity to the connection.
type Register struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// ChatSend is the outbound chat message.
type ChatSend struct {
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderRole     Role        `json:"senderRole"`
	ReceiverID     string      `json:"receiverId"`
	ReceiverRole   Role        `json:"receiverRole"`
	Kind           MessageKind `json:"messageType"`
	Content        string      `json:"content"`
}

// ChatMessage is a message delivered by the relay, including echoes of our
// own sends.
type ChatMessage struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderRole     Role        `json:"senderRole"`
	ReceiverID     string      `json:"receiverId"`
	ReceiverRole   Role        `json:"receiverRole"`
	Kind           MessageKind `json:"messageType"`
	Content        string      `json:"content"`
	SentAt         time.Time   `json:"sentAt"`
}

// Typing announces that SenderID is composing in ConversationID.
type Typing struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId,omitempty"`
}

// Delivered is a delivery receipt for one message.
type Delivered struct {
	MessageID   string    `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// Read is a read receipt for one or more messages. The same shape is used
// outbound by markAsRead.
type Read struct {
	ConversationID string    `json:"conversationId,omitempty"`
	MessageIDs     []string  `json:"messageIds"`
	ReaderID       string    `json:"readerId,omitempty"`
	ReadAt         time.Time `json:"readAt"`
}

// CallInitiate asks the relay to ring a peer.
type CallInitiate struct {
	Route
	Kind CallKind `json:"callType"`
}

// IncomingCall is the relay's delivery of a CallInitiate.
type IncomingCall struct {
	FromUserID string   `json:"fromUserId"`
	FromRole   Role     `json:"fromRole"`
	Kind       CallKind `json:"callType"`
}

// CallOffer carries the caller's session description.
type CallOffer struct {
	Route
	Offer SessionDescription `json:"offer"`
}

// CallAnswer carries the callee's session description.
type CallAnswer struct {
	Route
	Answer SessionDescription `json:"answer"`
}

// CallCandidate carries one trickled ICE candidate.
type CallCandidate struct {
	Route
	Candidate Candidate `json:"candidate"`
}

// CallEnd hangs up, or declines a ring.
type CallEnd struct {
	Route
}

// Connected is synthesized by the relay connection after every successful
// dial. Attempt is 0 for the first connection and counts reconnects after.
type Connected struct {
	Attempt int
}

// Disconnected is synthesized when a live transport goes away. WillRetry is
// false when it was closed on purpose, by Disconnect or by the end of the
// Connect context.
type Disconnected struct {
	Err       error
	WillRetry bool
}

// ConnectError is synthesized when reconnect attempts are exhausted.
type ConnectError struct {
	Err error
}

func (ChatMessage) EventName() string   { return EvChatMessage }
func (Typing) EventName() string        { return EvChatTyping }
func (Delivered) EventName() string     { return EvChatDelivered }
func (Read) EventName() string          { return EvChatRead }
func (IncomingCall) EventName() string  { return EvCallIncoming }
func (CallOffer) EventName() string     { return EvCallOffer }
func (CallAnswer) EventName() string    { return EvCallAnswer }
func (CallCandidate) EventName() string { return EvCallICE }
func (CallEnd) EventName() string       { return EvCallEnd }
func (Connected) EventName() string     { return "connect" }
func (Disconnected) EventName() string  { return "disconnect" }
func (ConnectError) EventName() string  { return "error" }

// Encode wraps payload in a Frame named event.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// Decode parses one inbound frame into its typed event.
func Decode(b []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch f.Event {
	case EvChatMessage:
		var ev ChatMessage
		if err := unmarshal(f, &ev); err != nil {
			return nil, err
		}
		if ev.ID == "" || ev.ConversationID == "" || ev.SenderID == "" {
			return nil, missing(f.Event, "id/conversationId/senderId")
		}
		return ev, nil
	case EvChatTyping:
		var ev Typing
		if err := unmarshal(f, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationID == "" {
			return nil, missing(f.Event, "conversationId")
		}
		return ev, nil
	case EvChatDelivered:
		var ev Delivered
		if err := unmarshal(f, &ev); err != nil {
			return nil, err
		}
		if ev.MessageID == "" {
			return nil, missing(f.Event, "messageId")
		}
		return ev, nil
	case EvChatRead:
		var ev Read
		if err := unmarshal(f, &ev); err != nil {
			return nil, err
		}
		if len(ev.MessageIDs) == 0 {
			return nil, missing(f.Event, "messageIds")
		}
		return ev, nil
	case EvCallIncoming:
		var ev IncomingCall
		if err := unmarshal(f, &ev); err != nil {
			return nil, err
		}
		if ev.FromUserID == "" {
			return nil, missing(f.Event, "fromUserId")
		}
		if ev.Kind == "" {
			ev.Kind = CallVideo
		}
		if !ev.Kind.Valid() {
			return nil, fmt.Errorf("%w: %s: call type %q", ErrMalformed, f.Event, ev.Kind)
		}
		return ev, nil
	case EvCallOffer:
		var ev CallOffer
		if err := unmarshal(f, &ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.Offer.SDP) == "" {
			return nil, missing(f.Event, "offer.sdp")
		}
		return ev, nil
	case EvCallAnswer:
		var ev CallAnswer
		if err := unmarshal(f, &ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.Answer.SDP) == "" {
			return nil, missing(f.Event, "answer.sdp")
		}
		return ev, nil
	case EvCallICE:
		var ev CallCandidate
		if err := unmarshal(f, &ev); err != nil {
			return nil, err
		}
		if ev.Candidate.Candidate == "" {
			return nil, missing(f.Event, "candidate.candidate")
		}
		return ev, nil
	case EvCallEnd:
		var ev CallEnd
		if err := unmarshal(f, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "":
		return nil, missing("frame", "event")
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
}

func unmarshal(f Frame, v any) error {
	if len(f.Data) == 0 {
		// call:end may legitimately travel without a body
		if f.Event == EvCallEnd {
			return nil
		}
		return missing(f.Event, "data")
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, f.Event, err)
	}
	return nil
}

func missing(event, field string) error {
	return fmt.Errorf("%w: %s: missing %s", ErrMalformed, event, field)
}
