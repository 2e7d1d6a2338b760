// Package bolt stores conversations and messages in a single bbolt file.
// Writes are serialized by bbolt, which gives the pair-key uniqueness and
// per-conversation ordering the Postgres schema enforces with constraints.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"dmsync/internal/domain/conversation"
	"dmsync/internal/domain/message"
	dmsync_errors "dmsync/pkg/errors"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketPairs         = []byte("pairs")
	bucketUserConvs     = []byte("user_conversations")
	bucketMessages      = []byte("messages")
)

type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketPairs, bucketUserConvs, bucketMessages} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetByPairKey(ctx context.Context, pairKey string) (conversation.Conversation, error) {
	var out conversation.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketPairs).Get([]byte(pairKey))
		if id == nil {
			return dmsync_errors.ErrNotFound
		}
		c, err := loadConversation(tx, string(id))
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (s *Store) CreateWithParticipants(ctx context.Context, c *conversation.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketPairs)
		if pairs.Get([]byte(c.PairKey)) != nil {
			return dmsync_errors.ErrAlreadyExists
		}
		convs := tx.Bucket(bucketConversations)
		if convs.Get([]byte(c.ID.String())) != nil {
			return dmsync_errors.ErrAlreadyExists
		}

		now := s.now().UTC()
		c.CreatedAt = now
		dbConv := DBConversation{
			ID:        c.ID.String(),
			PairKey:   c.PairKey,
			CreatedAt: now.UnixNano(),
		}
		for i := range c.Participants {
			c.Participants[i].ConversationID = c.ID
			c.Participants[i].JoinedAt = now
			dbConv.Participants = append(dbConv.Participants, DBParticipant{
				UserID:   c.Participants[i].UserID,
				JoinedAt: now.UnixNano(),
			})

			userBucket, err := tx.Bucket(bucketUserConvs).CreateBucketIfNotExists([]byte(c.Participants[i].UserID))
			if err != nil {
				return fmt.Errorf("failed to create user bucket: %w", err)
			}
			if err := userBucket.Put(dbConv.Key(), []byte{}); err != nil {
				return err
			}
		}

		data, err := dbConv.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		if err := convs.Put(dbConv.Key(), data); err != nil {
			return fmt.Errorf("failed to put conversation: %w", err)
		}
		return pairs.Put([]byte(c.PairKey), dbConv.Key())
	})
}

func (s *Store) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]conversation.Participant, error) {
	var out []conversation.Participant
	err := s.db.View(func(tx *bbolt.Tx) error {
		c, err := loadConversation(tx, conversationID.String())
		if err != nil {
			if errors.Is(err, dmsync_errors.ErrNotFound) {
				return nil
			}
			return err
		}
		out = c.Participants
		return nil
	})
	return out, err
}

func (s *Store) IsParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error) {
	participants, err := s.GetParticipants(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, p := range participants {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetUserPeers(ctx context.Context, userID string) ([]conversation.Peer, error) {
	peers := []conversation.Peer{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketUserConvs).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, _ []byte) error {
			c, err := loadConversation(tx, string(k))
			if err != nil {
				return err
			}
			peer := conversation.Peer{ConversationID: c.ID, LastActivity: c.CreatedAt}
			for _, p := range c.Participants {
				if p.UserID != userID {
					peer.PeerID = p.UserID
				}
			}
			if last, ok, err := lastMessage(tx, string(k)); err != nil {
				return err
			} else if ok {
				peer.LastActivity = time.Unix(0, last.Timestamp).UTC()
			}
			peers = append(peers, peer)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].LastActivity.After(peers[j].LastActivity)
	})
	return peers, nil
}

// Create assigns the next global id and a timestamp strictly after the
// conversation's previous message.
func (s *Store) Create(ctx context.Context, m *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		convKey := []byte(m.ConversationID.String())
		if tx.Bucket(bucketConversations).Get(convKey) == nil {
			return dmsync_errors.ErrNotFound
		}

		root := tx.Bucket(bucketMessages)
		seq, err := root.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate message id: %w", err)
		}
		convBucket, err := root.CreateBucketIfNotExists(convKey)
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		ts := s.now().UTC().UnixNano()
		if last, ok, err := lastMessage(tx, string(convKey)); err != nil {
			return err
		} else if ok && ts <= last.Timestamp {
			ts = last.Timestamp + int64(time.Microsecond)
		}

		dbMsg := DBMessage{
			ID:             int64(seq),
			Timestamp:      ts,
			ConversationID: m.ConversationID.String(),
			SenderID:       m.SenderID,
			ReceiverID:     m.ReceiverID,
			Content:        m.Content,
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		m.ID = dbMsg.ID
		m.Timestamp = time.Unix(0, ts).UTC()
		return nil
	})
}

func (s *Store) GetConversationMessages(ctx context.Context, conversationID uuid.UUID) ([]message.Message, error) {
	messages := []message.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID.String()))
		if convBucket == nil {
			return nil
		}
		return convBucket.ForEach(func(_, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, toMessage(dbMsg))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	message.SortCanonical(messages)
	return messages, nil
}

func loadConversation(tx *bbolt.Tx, id string) (conversation.Conversation, error) {
	data := tx.Bucket(bucketConversations).Get([]byte(id))
	if data == nil {
		return conversation.Conversation{}, dmsync_errors.ErrNotFound
	}
	var dbConv DBConversation
	if err := dbConv.UnmarshalBinary(data); err != nil {
		return conversation.Conversation{}, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	convID, err := uuid.Parse(dbConv.ID)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("corrupt conversation id %q: %w", dbConv.ID, err)
	}
	c := conversation.Conversation{
		ID:        convID,
		PairKey:   dbConv.PairKey,
		CreatedAt: time.Unix(0, dbConv.CreatedAt).UTC(),
	}
	for _, p := range dbConv.Participants {
		c.Participants = append(c.Participants, conversation.Participant{
			ConversationID: convID,
			UserID:         p.UserID,
			JoinedAt:       time.Unix(0, p.JoinedAt).UTC(),
		})
	}
	return c, nil
}

func lastMessage(tx *bbolt.Tx, conversationID string) (DBMessage, bool, error) {
	convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
	if convBucket == nil {
		return DBMessage{}, false, nil
	}
	_, v := convBucket.Cursor().Last()
	if v == nil {
		return DBMessage{}, false, nil
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(v); err != nil {
		return DBMessage{}, false, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return dbMsg, true, nil
}

func toMessage(dbMsg DBMessage) message.Message {
	convID, _ := uuid.Parse(dbMsg.ConversationID)
	return message.Message{
		ID:             dbMsg.ID,
		ConversationID: convID,
		SenderID:       dbMsg.SenderID,
		ReceiverID:     dbMsg.ReceiverID,
		Content:        dbMsg.Content,
		Timestamp:      time.Unix(0, dbMsg.Timestamp).UTC(),
	}
}
