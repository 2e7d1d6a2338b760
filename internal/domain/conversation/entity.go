package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Conversation represents the conversations table. PairKey is unique, so a
// given unordered pair of users maps to at most one row.
type Conversation struct {
	ID        uuid.UUID
	PairKey   string
	CreatedAt time.Time

	// Relationships
	Participants []Participant
}

// Participant represents the conversation_participants table
type Participant struct {
	ConversationID uuid.UUID
	UserID         string
	JoinedAt       time.Time
}

// Peer summarizes a conversation from one participant's side.
type Peer struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	PeerID         string    `json:"peer_id"`
	LastActivity   time.Time `json:"last_activity"`
}

func (Conversation) TableName() string {
	return "conversations"
}

func (Participant) TableName() string {
	return "conversation_participants"
}

// New builds a conversation for the pair with both participant rows.
func New(userA, userB string, now time.Time) Conversation {
	id := uuid.New()
	low, high := NormalizePair(userA, userB)
	return Conversation{
		ID:        id,
		PairKey:   PairKey(userA, userB),
		CreatedAt: now,
		Participants: []Participant{
			{ConversationID: id, UserID: low, JoinedAt: now},
			{ConversationID: id, UserID: high, JoinedAt: now},
		},
	}
}
