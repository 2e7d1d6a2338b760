package repository

import (
	"context"
	"errors"

	"dmsync/internal/domain/message"
	dmsync_errors "dmsync/pkg/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type PostgresMessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) MessageRepository {
	return &PostgresMessageRepository{db: db}
}

// Create locks the conversation row before inserting so that, within one
// conversation, ids and timestamps are handed out in the same order.
func (r *PostgresMessageRepository) Create(ctx context.Context, m *message.Message) error {
	return WithTx(ctx, r.db, func(tx DBTX) error {
		var locked uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT id FROM conversations WHERE id = $1 FOR UPDATE`,
			m.ConversationID,
		).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return dmsync_errors.ErrNotFound
			}
			return err
		}

		return tx.QueryRow(ctx,
			`INSERT INTO messages (conversation_id, sender_id, receiver_id, content)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id, created_at`,
			m.ConversationID, m.SenderID, m.ReceiverID, m.Content,
		).Scan(&m.ID, &m.Timestamp)
	})
}

func (r *PostgresMessageRepository) GetConversationMessages(ctx context.Context, conversationID uuid.UUID) ([]message.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, conversation_id, sender_id, receiver_id, content, created_at
		   FROM messages
		  WHERE conversation_id = $1
		  ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []message.Message{}
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
