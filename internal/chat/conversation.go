package chat

import (
	"strings"
	"time"

	"github.com/careline/careline/internal/proto"
)

// ConversationID derives the conversation id of two participants. The order
// of the arguments does not matter.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Participants splits a conversation id back into its two user ids.
func Participants(conversationID string) (string, string, bool) {
	a, b, ok := strings.Cut(conversationID, ":")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// Participant is one side of a conversation.
type Participant struct {
	UserID string     `json:"userId"`
	Role   proto.Role `json:"role"`
	Name   string     `json:"name"`
}

// ConversationRecord is a conversation as fetched from the backend. It
// carries one unread counter per role.
type ConversationRecord struct {
	ID              string      `json:"conversationId"`
	Patient         Participant `json:"patient"`
	Doctor          Participant `json:"doctor"`
	LastMessage     string      `json:"lastMessage"`
	LastMessageAt   time.Time   `json:"lastMessageAt"`
	UnreadByPatient int         `json:"unreadCountPatient"`
	UnreadByDoctor  int         `json:"unreadCountDoctor"`
}

// UnreadFor returns the unread counter kept for role.
func (r ConversationRecord) UnreadFor(role proto.Role) int {
	if role == proto.RoleDoctor {
		return r.UnreadByDoctor
	}
	return r.UnreadByPatient
}

// Conversation is the viewer-specific summary shown in a conversation list.
type Conversation struct {
	ID            string
	Patient       Participant
	Doctor        Participant
	LastMessage   string
	LastMessageAt time.Time
	Unread        int
}

// Peer returns the participant that is not userID.
func (c Conversation) Peer(userID string) Participant {
	if c.Patient.UserID == userID {
		return c.Doctor
	}
	return c.Patient
}

func conversationFor(rec ConversationRecord, role proto.Role) Conversation {
	return Conversation{
		ID:            rec.ID,
		Patient:       rec.Patient,
		Doctor:        rec.Doctor,
		LastMessage:   rec.LastMessage,
		LastMessageAt: rec.LastMessageAt,
		Unread:        rec.UnreadFor(role),
	}
}
