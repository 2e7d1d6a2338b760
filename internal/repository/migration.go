package repository

import (
	"context"
	"fmt"
)

const pairKeyConstraint = "conversations_pair_key_key"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id         UUID PRIMARY KEY,
		pair_key   TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		CONSTRAINT conversations_pair_key_key UNIQUE (pair_key)
	);`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id UUID NOT NULL REFERENCES conversations(id),
		user_id         TEXT NOT NULL,
		joined_at       TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		PRIMARY KEY (conversation_id, user_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_participants_user
		ON conversation_participants (user_id);`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              BIGSERIAL PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id),
		sender_id       TEXT NOT NULL,
		receiver_id     TEXT NOT NULL,
		content         TEXT NOT NULL CHECK (char_length(content) BETWEEN 1 AND 1000),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_order
		ON messages (conversation_id, created_at, id);`,
}

// InitSchema creates the tables, constraints and indexes. Every statement is
// idempotent so it is safe to run on every start.
func InitSchema(ctx context.Context, db DBTX) error {
	return WithTx(ctx, db, func(tx DBTX) error {
		for i, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("schema statement %d: %w", i+1, err)
			}
		}
		return nil
	})
}
