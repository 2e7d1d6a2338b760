package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dmsync/internal/domain/conversation"
	"dmsync/internal/domain/message"
	"dmsync/internal/repository"
	dmsync_errors "dmsync/pkg/errors"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// resolveAttempts is one optimistic insert plus one re-read after losing the
// pair-key race.
const resolveAttempts = 2

// resolvedCacheSize bounds the pair to conversation cache. A miss costs one
// repository read.
const resolvedCacheSize = 4096

type MessageService struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	maxLength     int
	resolving     singleflight.Group
	resolved      geche.Geche[string, uuid.UUID]
	now           func() time.Time
}

type SendMessageInput struct {
	SenderID   string
	ReceiverID string
	Content    string
}

func NewMessageService(conversations repository.ConversationRepository, messages repository.MessageRepository, maxLength int) *MessageService {
	if maxLength <= 0 || maxLength > message.MaxContentLength {
		maxLength = message.MaxContentLength
	}
	return &MessageService{
		conversations: conversations,
		messages:      messages,
		maxLength:     maxLength,
		resolved:      geche.NewRingBuffer[string, uuid.UUID](resolvedCacheSize),
		now:           time.Now,
	}
}

// MaxContentLength is the configured content bound in runes.
func (s *MessageService) MaxContentLength() int {
	return s.maxLength
}

// ResolveConversation returns the conversation for the unordered pair,
// creating it with both participants on first contact.
func (s *MessageService) ResolveConversation(ctx context.Context, userA, userB string) (uuid.UUID, error) {
	if !conversation.ValidPair(userA, userB) {
		return uuid.Nil, validationError("a conversation needs two distinct user ids")
	}
	key := conversation.PairKey(userA, userB)

	// A pair maps to the same conversation forever, so a hit never goes stale.
	if id, err := s.resolved.Get(key); err == nil {
		return id, nil
	}

	// Callers racing on one pair inside this process share a single attempt;
	// the pair-key constraint settles races between processes.
	v, err, _ := s.resolving.Do(key, func() (interface{}, error) {
		return s.resolve(context.WithoutCancel(ctx), userA, userB)
	})
	if err != nil {
		return uuid.Nil, err
	}
	id := v.(uuid.UUID)
	s.resolved.Set(key, id)
	return id, nil
}

func (s *MessageService) resolve(ctx context.Context, userA, userB string) (uuid.UUID, error) {
	key := conversation.PairKey(userA, userB)
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		existing, err := s.conversations.GetByPairKey(ctx, key)
		if err == nil {
			return existing.ID, nil
		}
		if !errors.Is(err, dmsync_errors.ErrNotFound) {
			return uuid.Nil, persistenceError(err)
		}

		conv := conversation.New(userA, userB, s.now())
		err = s.conversations.CreateWithParticipants(ctx, &conv)
		if err == nil {
			return conv.ID, nil
		}
		if !errors.Is(err, dmsync_errors.ErrAlreadyExists) {
			return uuid.Nil, persistenceError(err)
		}
	}
	return uuid.Nil, fmt.Errorf("%w: conversation %s could not be resolved", dmsync_errors.ErrPersistence, key)
}

// CreateMessage validates input, resolves the conversation and persists the
// message. The returned message carries the assigned id and timestamp.
func (s *MessageService) CreateMessage(ctx context.Context, in SendMessageInput) (message.Message, error) {
	if in.SenderID == "" || in.ReceiverID == "" {
		return message.Message{}, validationError("sender_id and receiver_id are required")
	}
	if in.SenderID == in.ReceiverID {
		return message.Message{}, validationError("cannot send a message to yourself")
	}
	if problem := message.ContentProblem(in.Content, s.maxLength); problem != "" {
		return message.Message{}, validationError(problem)
	}

	conversationID, err := s.ResolveConversation(ctx, in.SenderID, in.ReceiverID)
	if err != nil {
		return message.Message{}, err
	}

	m := message.Message{
		ConversationID: conversationID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
	}
	if err := s.messages.Create(ctx, &m); err != nil {
		return message.Message{}, persistenceError(err)
	}
	return m, nil
}

// GetConversation returns every message between the pair in canonical order.
// A pair that never talked yields an empty list.
func (s *MessageService) GetConversation(ctx context.Context, userA, userB string) ([]message.Message, error) {
	if !conversation.ValidPair(userA, userB) {
		return nil, validationError("a conversation needs two distinct user ids")
	}
	conv, err := s.conversations.GetByPairKey(ctx, conversation.PairKey(userA, userB))
	if err != nil {
		if errors.Is(err, dmsync_errors.ErrNotFound) {
			return []message.Message{}, nil
		}
		return nil, persistenceError(err)
	}
	messages, err := s.messages.GetConversationMessages(ctx, conv.ID)
	if err != nil {
		return nil, persistenceError(err)
	}
	return messages, nil
}

// GetConversationFor is GetConversation on behalf of requester, who must be
// one of the two users.
func (s *MessageService) GetConversationFor(ctx context.Context, requester, userA, userB string) ([]message.Message, error) {
	if requester == "" || (requester != userA && requester != userB) {
		return nil, dmsync_errors.ErrForbidden
	}
	return s.GetConversation(ctx, userA, userB)
}

// ListPeers returns the user's conversation partners, most recently active first.
func (s *MessageService) ListPeers(ctx context.Context, userID string) ([]conversation.Peer, error) {
	if userID == "" {
		return nil, validationError("user id is required")
	}
	peers, err := s.conversations.GetUserPeers(ctx, userID)
	if err != nil {
		return nil, persistenceError(err)
	}
	return peers, nil
}

func validationError(reason string) error {
	return fmt.Errorf("%w: %s", dmsync_errors.ErrValidation, reason)
}

func persistenceError(err error) error {
	if errors.Is(err, dmsync_errors.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", dmsync_errors.ErrPersistence, err)
}
