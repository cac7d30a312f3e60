package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusNew             TicketStatus = "new"
	TicketStatusOpen            TicketStatus = "open"
	TicketStatusInProgress      TicketStatus = "in_progress"
	TicketStatusPendingCustomer TicketStatus = "pending_customer"
	TicketStatusResolved        TicketStatus = "resolved"
	TicketStatusClosed          TicketStatus = "closed"
)

// Ticket is the aggregate for support requests. The ID is issued once by
// the year-scoped counter and never changes; tickets are closed, never
// deleted.
type Ticket struct {
	ID          string
	CustomerID  string
	Subject     string
	Description string
	Status      TicketStatus
	Priority    Priority
	Escalated   bool
	ResolvedAt  *time.Time
	ReopenCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
}

// TicketDraft carries the fields a caller supplies when reporting an
// issue. The lifecycle fields are owned by the service.
type TicketDraft struct {
	Subject     string
	Description string
	Priority    Priority
}
