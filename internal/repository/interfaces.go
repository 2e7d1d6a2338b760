package repository

import (
	"context"

	"github.com/google/uuid"

	"dmsync/internal/domain/conversation"
	"dmsync/internal/domain/message"
)

// ConversationRepository persists direct conversations and their two participants.
type ConversationRepository interface {
	// GetByPairKey returns ErrNotFound when the pair has no conversation yet.
	GetByPairKey(ctx context.Context, pairKey string) (conversation.Conversation, error)
	// CreateWithParticipants inserts the conversation and both participant rows
	// atomically. It returns ErrAlreadyExists when another writer won the pair key.
	CreateWithParticipants(ctx context.Context, c *conversation.Conversation) error
	GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]conversation.Participant, error)
	IsParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error)
	GetUserPeers(ctx context.Context, userID string) ([]conversation.Peer, error)
}

// MessageRepository persists immutable messages.
type MessageRepository interface {
	// Create inserts m and fills in the assigned ID and Timestamp.
	Create(ctx context.Context, m *message.Message) error
	// GetConversationMessages returns every message ordered by (timestamp, id) ascending.
	GetConversationMessages(ctx context.Context, conversationID uuid.UUID) ([]message.Message, error)
}
