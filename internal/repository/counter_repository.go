package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CounterRepository issues strictly increasing sequence numbers per
// scope. Next is the one globally serialized operation in the system: a
// single atomic increment-and-read, never read-then-write.
type CounterRepository interface {
	Next(ctx context.Context, scope string) (int64, error)
}

type counterRepository struct {
	pool *pgxpool.Pool
}

// NewCounterRepository instantiates repository.
func NewCounterRepository(pool *pgxpool.Pool) CounterRepository {
	return &counterRepository{pool: pool}
}

func (r *counterRepository) Next(ctx context.Context, scope string) (int64, error) {
	const query = `
        INSERT INTO ticket_counters (scope, value) VALUES ($1, 1)
        ON CONFLICT (scope) DO UPDATE SET value = ticket_counters.value + 1
        RETURNING value`
	var value int64
	if err := r.pool.QueryRow(ctx, query, scope).Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}
