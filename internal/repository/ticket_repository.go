package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/conversation-service/internal/domain"
)

// TicketRepository encapsulates ticket persistence.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	Update(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]domain.Ticket, error)
	LatestResolvedByCustomer(ctx context.Context, customerID string) (*domain.Ticket, error)
	ListByCustomerAndStatus(ctx context.Context, customerID string, status domain.TicketStatus) ([]domain.Ticket, error)
	ReopenCAS(ctx context.Context, id string, expectedReopenCount int, at time.Time) (bool, error)
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `
        id, customer_id, subject, description, status, priority, escalated,
        resolved_at, reopen_count, created_at, updated_at, closed_at`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        INSERT INTO tickets (id, customer_id, subject, description, status, priority, escalated,
            resolved_at, reopen_count, created_at, updated_at, closed_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := r.pool.Exec(ctx, query,
		ticket.ID,
		ticket.CustomerID,
		ticket.Subject,
		ticket.Description,
		ticket.Status,
		ticket.Priority,
		ticket.Escalated,
		ticket.ResolvedAt,
		ticket.ReopenCount,
		ticket.CreatedAt,
		ticket.UpdatedAt,
		ticket.ClosedAt,
	)
	return err
}

func (r *ticketRepository) Update(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        UPDATE tickets SET subject=$1, description=$2, status=$3, priority=$4, escalated=$5,
            resolved_at=$6, reopen_count=$7, updated_at=$8, closed_at=$9
        WHERE id=$10`
	cmd, err := r.pool.Exec(ctx, query,
		ticket.Subject,
		ticket.Description,
		ticket.Status,
		ticket.Priority,
		ticket.Escalated,
		ticket.ResolvedAt,
		ticket.ReopenCount,
		ticket.UpdatedAt,
		ticket.ClosedAt,
		ticket.ID,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	var ticket domain.Ticket
	if err := scanTicket(r.pool.QueryRow(ctx, query, id), &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (r *ticketRepository) ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]domain.Ticket, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + ticketColumns + `
        FROM tickets WHERE customer_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, customerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

// LatestResolvedByCustomer returns the customer's most recently resolved
// ticket, or pgx.ErrNoRows when none exists.
func (r *ticketRepository) LatestResolvedByCustomer(ctx context.Context, customerID string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + `
        FROM tickets
        WHERE customer_id=$1 AND resolved_at IS NOT NULL
        ORDER BY resolved_at DESC LIMIT 1`
	var ticket domain.Ticket
	if err := scanTicket(r.pool.QueryRow(ctx, query, customerID), &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (r *ticketRepository) ListByCustomerAndStatus(ctx context.Context, customerID string, status domain.TicketStatus) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + `
        FROM tickets WHERE customer_id=$1 AND status=$2 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, customerID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

// ReopenCAS flips a resolved or closed ticket back to in_progress, but
// only if its reopen count still matches what the caller read. Returns
// false when the race was lost.
func (r *ticketRepository) ReopenCAS(ctx context.Context, id string, expectedReopenCount int, at time.Time) (bool, error) {
	const query = `
        UPDATE tickets SET status=$1, reopen_count=reopen_count+1, resolved_at=NULL, closed_at=NULL, updated_at=$2
        WHERE id=$3 AND reopen_count=$4 AND status IN ($5,$6)`
	cmd, err := r.pool.Exec(ctx, query,
		domain.TicketStatusInProgress,
		at,
		id,
		expectedReopenCount,
		domain.TicketStatusResolved,
		domain.TicketStatusClosed,
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func scanTicket(row pgx.Row, ticket *domain.Ticket) error {
	return row.Scan(
		&ticket.ID,
		&ticket.CustomerID,
		&ticket.Subject,
		&ticket.Description,
		&ticket.Status,
		&ticket.Priority,
		&ticket.Escalated,
		&ticket.ResolvedAt,
		&ticket.ReopenCount,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
		&ticket.ClosedAt,
	)
}

func scanTickets(rows pgx.Rows) ([]domain.Ticket, error) {
	var result []domain.Ticket
	for rows.Next() {
		var ticket domain.Ticket
		if err := scanTicket(rows, &ticket); err != nil {
			return nil, err
		}
		result = append(result, ticket)
	}
	return result, rows.Err()
}
