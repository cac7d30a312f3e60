package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/conversation-service/internal/domain"
)

// ConversationMessageRepository records turns and replies on a
// conversation.
type ConversationMessageRepository interface {
	Create(ctx context.Context, msg *domain.ConversationMessage) error
	ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]domain.ConversationMessage, error)
}

type conversationMessageRepository struct {
	pool *pgxpool.Pool
}

// NewConversationMessageRepository instantiates repository.
func NewConversationMessageRepository(pool *pgxpool.Pool) ConversationMessageRepository {
	return &conversationMessageRepository{pool: pool}
}

func (r *conversationMessageRepository) Create(ctx context.Context, msg *domain.ConversationMessage) error {
	const query = `
        INSERT INTO conversation_messages (id, conversation_id, author_type, body, source_message_id, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.pool.Exec(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.AuthorType,
		msg.Body,
		msg.SourceMessageID,
		msg.CreatedAt,
	)
	return err
}

func (r *conversationMessageRepository) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]domain.ConversationMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	const query = `
        SELECT id, conversation_id, author_type, body, source_message_id, created_at
        FROM conversation_messages WHERE conversation_id=$1
        ORDER BY created_at ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ConversationMessage
	for rows.Next() {
		var msg domain.ConversationMessage
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.AuthorType,
			&msg.Body,
			&msg.SourceMessageID,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}
