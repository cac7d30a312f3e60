package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/conversation-service/internal/domain"
)

// ThreadBindingRepository is the durable side of the assistant context
// cache. The row is authoritative; the in-memory cache rebuilds from it
// after a restart.
type ThreadBindingRepository interface {
	Get(ctx context.Context, userID string) (*domain.ThreadBinding, error)
	Upsert(ctx context.Context, binding *domain.ThreadBinding) error
	Delete(ctx context.Context, userID string) error
	DeleteAll(ctx context.Context) error
}

type threadBindingRepository struct {
	pool *pgxpool.Pool
}

// NewThreadBindingRepository instantiates repository.
func NewThreadBindingRepository(pool *pgxpool.Pool) ThreadBindingRepository {
	return &threadBindingRepository{pool: pool}
}

func (r *threadBindingRepository) Get(ctx context.Context, userID string) (*domain.ThreadBinding, error) {
	const query = `
        SELECT user_id, thread_handle, turn_count, last_activity_at, created_at, updated_at
        FROM thread_bindings WHERE user_id=$1`
	var binding domain.ThreadBinding
	if err := r.pool.QueryRow(ctx, query, userID).Scan(
		&binding.UserID,
		&binding.ThreadHandle,
		&binding.TurnCount,
		&binding.LastActivityAt,
		&binding.CreatedAt,
		&binding.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &binding, nil
}

func (r *threadBindingRepository) Upsert(ctx context.Context, binding *domain.ThreadBinding) error {
	const query = `
        INSERT INTO thread_bindings (user_id, thread_handle, turn_count, last_activity_at, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (user_id) DO UPDATE SET
            thread_handle=EXCLUDED.thread_handle,
            turn_count=EXCLUDED.turn_count,
            last_activity_at=EXCLUDED.last_activity_at,
            created_at=EXCLUDED.created_at,
            updated_at=EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query,
		binding.UserID,
		binding.ThreadHandle,
		binding.TurnCount,
		binding.LastActivityAt,
		binding.CreatedAt,
		binding.UpdatedAt,
	)
	return err
}

func (r *threadBindingRepository) Delete(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM thread_bindings WHERE user_id=$1`, userID)
	return err
}

func (r *threadBindingRepository) DeleteAll(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM thread_bindings`)
	return err
}
