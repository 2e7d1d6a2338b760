package repository

import (
	"context"
	"errors"
	"fmt"

	"dmsync/internal/domain/conversation"
	dmsync_errors "dmsync/pkg/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type PostgresConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) ConversationRepository {
	return &PostgresConversationRepository{db: db}
}

func (r *PostgresConversationRepository) GetByPairKey(ctx context.Context, pairKey string) (conversation.Conversation, error) {
	var c conversation.Conversation
	err := r.db.QueryRow(ctx,
		`SELECT id, pair_key, created_at FROM conversations WHERE pair_key = $1`,
		pairKey,
	).Scan(&c.ID, &c.PairKey, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return conversation.Conversation{}, dmsync_errors.ErrNotFound
		}
		return conversation.Conversation{}, err
	}

	participants, err := r.GetParticipants(ctx, c.ID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	c.Participants = participants
	return c, nil
}

func (r *PostgresConversationRepository) CreateWithParticipants(ctx context.Context, c *conversation.Conversation) error {
	err := WithTx(ctx, r.db, func(tx DBTX) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO conversations (id, pair_key) VALUES ($1, $2) RETURNING created_at`,
			c.ID, c.PairKey,
		).Scan(&c.CreatedAt)
		if err != nil {
			return err
		}
		for i := range c.Participants {
			p := &c.Participants[i]
			p.ConversationID = c.ID
			err := tx.QueryRow(ctx,
				`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2) RETURNING joined_at`,
				p.ConversationID, p.UserID,
			).Scan(&p.JoinedAt)
			if err != nil {
				return fmt.Errorf("insert participant %s: %w", p.UserID, err)
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err, pairKeyConstraint) {
			return dmsync_errors.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *PostgresConversationRepository) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]conversation.Participant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT conversation_id, user_id, joined_at
		   FROM conversation_participants
		  WHERE conversation_id = $1
		  ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []conversation.Participant
	for rows.Next() {
		var p conversation.Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (r *PostgresConversationRepository) IsParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2
		)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PostgresConversationRepository) GetUserPeers(ctx context.Context, userID string) ([]conversation.Peer, error) {
	rows, err := r.db.Query(ctx,
		`SELECT p.conversation_id,
		        other.user_id,
		        COALESCE(MAX(m.created_at), c.created_at) AS last_activity
		   FROM conversation_participants p
		   JOIN conversation_participants other
		     ON other.conversation_id = p.conversation_id AND other.user_id <> p.user_id
		   JOIN conversations c ON c.id = p.conversation_id
		   LEFT JOIN messages m ON m.conversation_id = p.conversation_id
		  WHERE p.user_id = $1
		  GROUP BY p.conversation_id, other.user_id, c.created_at
		  ORDER BY last_activity DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	peers := []conversation.Peer{}
	for rows.Next() {
		var p conversation.Peer
		if err := rows.Scan(&p.ConversationID, &p.PeerID, &p.LastActivity); err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}
