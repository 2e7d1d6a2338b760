// Package memory holds in-process implementations of the repository
// interfaces. They keep the same uniqueness guarantees as the Postgres schema
// and back STORAGE=memory and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"dmsync/internal/domain/conversation"
	"dmsync/internal/domain/message"
	dmsync_errors "dmsync/pkg/errors"

	"github.com/google/uuid"
)

// Store implements repository.ConversationRepository and repository.MessageRepository.
type Store struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]conversation.Conversation
	byPair        map[string]uuid.UUID
	messages      map[uuid.UUID][]message.Message
	nextID        int64
	lastTimestamp time.Time
	now           func() time.Time
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[uuid.UUID]conversation.Conversation),
		byPair:        make(map[string]uuid.UUID),
		messages:      make(map[uuid.UUID][]message.Message),
		now:           time.Now,
	}
}

// SetClock replaces the time source. Timestamps stay monotonic regardless.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) GetByPairKey(ctx context.Context, pairKey string) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[pairKey]
	if !ok {
		return conversation.Conversation{}, dmsync_errors.ErrNotFound
	}
	return cloneConversation(s.conversations[id]), nil
}

func (s *Store) CreateWithParticipants(ctx context.Context, c *conversation.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byPair[c.PairKey]; ok {
		return dmsync_errors.ErrAlreadyExists
	}
	if _, ok := s.conversations[c.ID]; ok {
		return dmsync_errors.ErrAlreadyExists
	}
	now := s.tick()
	c.CreatedAt = now
	for i := range c.Participants {
		c.Participants[i].ConversationID = c.ID
		c.Participants[i].JoinedAt = now
	}
	s.conversations[c.ID] = cloneConversation(*c)
	s.byPair[c.PairKey] = c.ID
	return nil
}

func (s *Store) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]conversation.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	return append([]conversation.Participant(nil), c.Participants...), nil
}

func (s *Store) IsParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return false, nil
	}
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetUserPeers(ctx context.Context, userID string) ([]conversation.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := []conversation.Peer{}
	for id, c := range s.conversations {
		var peerID string
		member := false
		for _, p := range c.Participants {
			if p.UserID == userID {
				member = true
			} else {
				peerID = p.UserID
			}
		}
		if !member {
			continue
		}
		last := c.CreatedAt
		if msgs := s.messages[id]; len(msgs) > 0 {
			last = msgs[len(msgs)-1].Timestamp
		}
		peers = append(peers, conversation.Peer{ConversationID: id, PeerID: peerID, LastActivity: last})
	}
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].LastActivity.After(peers[j].LastActivity)
	})
	return peers, nil
}

func (s *Store) Create(ctx context.Context, m *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return dmsync_errors.ErrNotFound
	}
	s.nextID++
	m.ID = s.nextID
	m.Timestamp = s.tick()
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], *m)
	return nil
}

func (s *Store) GetConversationMessages(ctx context.Context, conversationID uuid.UUID) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]message.Message{}, s.messages[conversationID]...)
	message.SortCanonical(out)
	return out, nil
}

// ConversationCount returns how many conversations exist.
func (s *Store) ConversationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// MessageCount returns how many messages exist across all conversations.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, msgs := range s.messages {
		n += len(msgs)
	}
	return n
}

// tick returns a timestamp that never goes backwards. Caller holds s.mu.
func (s *Store) tick() time.Time {
	now := s.now().UTC()
	if !now.After(s.lastTimestamp) {
		now = s.lastTimestamp.Add(time.Microsecond)
	}
	s.lastTimestamp = now
	return now
}

func cloneConversation(c conversation.Conversation) conversation.Conversation {
	c.Participants = append([]conversation.Participant(nil), c.Participants...)
	return c
}
