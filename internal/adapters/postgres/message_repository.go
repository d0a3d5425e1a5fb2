package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomchat/loom/internal/protocol"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Persist stores one accepted chat message. Callers treat this as
// fire-and-forget; an insert conflict on the message id is not an error.
func (r *MessageRepository) Persist(ctx context.Context, msg *protocol.ChatMessage) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	query := `
		INSERT INTO loom_messages (id, conversation_id, message_role, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err = r.pool.Exec(ctx, query,
		msg.ID,
		msg.ConversationID,
		string(msg.Role),
		msg.Content,
		metadata,
		msg.Timestamp,
	)
	return err
}
