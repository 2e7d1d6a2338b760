package message

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxContentLength bounds Message.Content, counted in runes.
const MaxContentLength = 1000

// Message represents the messages table. Rows are immutable; Timestamp is
// assigned by the database on insert.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

func (Message) TableName() string {
	return "messages"
}

// Before reports whether m sorts before other in canonical (timestamp, id) order.
func (m Message) Before(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.ID < other.ID
}

// OtherParty returns whichever of sender/receiver is not userID.
func (m Message) OtherParty(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether userID is the sender or the receiver.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// ContentProblem describes why content is not acceptable, or "" when it is.
func ContentProblem(content string, max int) string {
	if max <= 0 {
		max = MaxContentLength
	}
	if strings.TrimSpace(content) == "" {
		return "message content is empty"
	}
	if utf8.RuneCountInString(content) > max {
		return "message content is too long"
	}
	return ""
}
