package chat

import (
	"fmt"
	"time"

	"github.com/careline/careline/internal/proto"
)

// Status is the delivery state of a message. It only ever increases.
type Status int

const (
	StatusSent Status = iota
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText. An empty value is
// treated as sent.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus converts a status name.
func ParseStatus(v string) (Status, error) {
	switch v {
	case "", "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read", "seen":
		return StatusRead, nil
	}
	return StatusSent, fmt.Errorf("chat: unknown status %q", v)
}

// Message is one chat message as held in the client.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	SenderRole     proto.Role        `json:"senderRole"`
	ReceiverID     string            `json:"receiverId"`
	ReceiverRole   proto.Role        `json:"receiverRole"`
	Kind           proto.MessageKind `json:"messageType"`
	Content        string            `json:"content"`
	Status         Status            `json:"status"`
	SentAt         time.Time         `json:"sentAt"`
	DeliveredAt    *time.Time        `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time        `json:"readAt,omitempty"`

	// Local marks an optimistic copy whose ID is a placeholder.
	Local bool `json:"-"`
	// Failed marks an optimistic copy whose send did not reach the relay.
	Failed bool `json:"-"`
}

// advance moves the message to status s if that is a step forward, stamping
// the matching timestamp. It reports whether anything changed.
func (m *Message) advance(s Status, at time.Time) bool {
	if s <= m.Status {
		return false
	}
	if at.IsZero() {
		at = time.Now()
	}
	m.Status = s
	if m.DeliveredAt == nil {
		t := at
		m.DeliveredAt = &t
	}
	if s == StatusRead {
		t := at
		m.ReadAt = &t
	}
	return true
}

func fromEvent(ev proto.ChatMessage) Message {
	sentAt := ev.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	kind := ev.Kind
	if kind == "" {
		kind = proto.KindText
	}
	return Message{
		ID:             ev.ID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		SenderRole:     ev.SenderRole,
		ReceiverID:     ev.ReceiverID,
		ReceiverRole:   ev.ReceiverRole,
		Kind:           kind,
		Content:        ev.Content,
		Status:         StatusSent,
		SentAt:         sentAt,
	}
}
