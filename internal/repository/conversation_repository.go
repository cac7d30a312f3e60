package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/conversation-service/internal/domain"
)

// ErrDuplicateConversation signals a create that lost the race against a
// concurrent create for the same customer. Callers re-fetch and continue.
var ErrDuplicateConversation = errors.New("conversation already exists for customer")

// ConversationRepository encapsulates conversation persistence. Priority
// writes go through the compare-and-set path; plain Update never touches
// priority.
type ConversationRepository interface {
	Create(ctx context.Context, conv *domain.Conversation) error
	GetByID(ctx context.Context, id string) (*domain.Conversation, error)
	GetByCustomer(ctx context.Context, customerID string) (*domain.Conversation, error)
	RecordTurn(ctx context.Context, id string, at time.Time, messageDelta int) error
	UpdateAssignment(ctx context.Context, id string, agentID *string, assignedAt *time.Time, status domain.ConversationStatus) error
	SetAIEnabled(ctx context.Context, id string, enabled bool) error
	UpdatePriorityCAS(ctx context.Context, id string, expected, target domain.Priority) (bool, error)
	SetPriority(ctx context.Context, id string, target domain.Priority) error
	ListStaleAssigned(ctx context.Context, assignedBefore time.Time) ([]domain.Conversation, error)
	AppendPriorityChange(ctx context.Context, change *domain.PriorityChange) error
	ListPriorityHistory(ctx context.Context, conversationID string) ([]domain.PriorityChange, error)
}

type conversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository instantiates repository.
func NewConversationRepository(pool *pgxpool.Pool) ConversationRepository {
	return &conversationRepository{pool: pool}
}

const conversationColumns = `
        id, customer_id, assigned_agent_id, assigned_at, is_ai_enabled,
        status, priority, last_message_at, message_count, created_at, updated_at`

func (r *conversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	const query = `
        INSERT INTO conversations (id, customer_id, assigned_agent_id, assigned_at, is_ai_enabled,
            status, priority, last_message_at, message_count, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.pool.Exec(ctx, query,
		conv.ID,
		conv.CustomerID,
		conv.AssignedAgentID,
		conv.AssignedAt,
		conv.IsAIEnabled,
		conv.Status,
		conv.Priority,
		conv.LastMessageAt,
		conv.MessageCount,
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateConversation
		}
		return err
	}
	return nil
}

func (r *conversationRepository) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id=$1`
	return r.fetchSingle(ctx, query, id)
}

func (r *conversationRepository) GetByCustomer(ctx context.Context, customerID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE customer_id=$1`
	return r.fetchSingle(ctx, query, customerID)
}

func (r *conversationRepository) fetchSingle(ctx context.Context, query string, arg any) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := r.pool.QueryRow(ctx, query, arg).Scan(
		&conv.ID,
		&conv.CustomerID,
		&conv.AssignedAgentID,
		&conv.AssignedAt,
		&conv.IsAIEnabled,
		&conv.Status,
		&conv.Priority,
		&conv.LastMessageAt,
		&conv.MessageCount,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) RecordTurn(ctx context.Context, id string, at time.Time, messageDelta int) error {
	const query = `
        UPDATE conversations SET last_message_at=$1, message_count=message_count+$2, updated_at=NOW()
        WHERE id=$3`
	return r.execExpectingRow(ctx, query, at, messageDelta, id)
}

func (r *conversationRepository) UpdateAssignment(ctx context.Context, id string, agentID *string, assignedAt *time.Time, status domain.ConversationStatus) error {
	const query = `
        UPDATE conversations SET assigned_agent_id=$1, assigned_at=$2, status=$3, updated_at=NOW()
        WHERE id=$4`
	return r.execExpectingRow(ctx, query, agentID, assignedAt, status, id)
}

func (r *conversationRepository) SetAIEnabled(ctx context.Context, id string, enabled bool) error {
	const query = `UPDATE conversations SET is_ai_enabled=$1, updated_at=NOW() WHERE id=$2`
	return r.execExpectingRow(ctx, query, enabled, id)
}

// UpdatePriorityCAS writes target only if the row still holds expected.
// Returns false without error when the race was lost.
func (r *conversationRepository) UpdatePriorityCAS(ctx context.Context, id string, expected, target domain.Priority) (bool, error) {
	const query = `
        UPDATE conversations SET priority=$1, updated_at=NOW()
        WHERE id=$2 AND priority=$3`
	cmd, err := r.pool.Exec(ctx, query, target, id, expected)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// SetPriority writes target unconditionally. Manual override path only.
func (r *conversationRepository) SetPriority(ctx context.Context, id string, target domain.Priority) error {
	const query = `UPDATE conversations SET priority=$1, updated_at=NOW() WHERE id=$2`
	return r.execExpectingRow(ctx, query, target, id)
}

func (r *conversationRepository) ListStaleAssigned(ctx context.Context, assignedBefore time.Time) ([]domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
        FROM conversations
        WHERE status=$1 AND assigned_at IS NOT NULL AND assigned_at <= $2 AND priority <> $3
        ORDER BY assigned_at ASC`
	rows, err := r.pool.Query(ctx, query, domain.ConversationStatusAssigned, assignedBefore, domain.PriorityUrgent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(
			&conv.ID,
			&conv.CustomerID,
			&conv.AssignedAgentID,
			&conv.AssignedAt,
			&conv.IsAIEnabled,
			&conv.Status,
			&conv.Priority,
			&conv.LastMessageAt,
			&conv.MessageCount,
			&conv.CreatedAt,
			&conv.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

func (r *conversationRepository) AppendPriorityChange(ctx context.Context, change *domain.PriorityChange) error {
	const query = `
        INSERT INTO priority_history (id, conversation_id, from_priority, to_priority, reason, triggered_by, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.pool.Exec(ctx, query,
		change.ID,
		change.ConversationID,
		change.From,
		change.To,
		change.Reason,
		change.TriggeredBy,
		change.At,
	)
	return err
}

func (r *conversationRepository) ListPriorityHistory(ctx context.Context, conversationID string) ([]domain.PriorityChange, error) {
	const query = `
        SELECT id, conversation_id, from_priority, to_priority, reason, triggered_by, created_at
        FROM priority_history WHERE conversation_id=$1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.PriorityChange
	for rows.Next() {
		var change domain.PriorityChange
		if err := rows.Scan(
			&change.ID,
			&change.ConversationID,
			&change.From,
			&change.To,
			&change.Reason,
			&change.TriggeredBy,
			&change.At,
		); err != nil {
			return nil, err
		}
		result = append(result, change)
	}
	return result, rows.Err()
}

func (r *conversationRepository) execExpectingRow(ctx context.Context, query string, args ...any) error {
	cmd, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
