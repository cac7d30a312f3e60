package dto

import (
	"time"

	"github.com/spec-kit/conversation-service/internal/domain"
)

// CreateTicketRequest payload. An existing recently-resolved ticket for
// the customer may be reopened instead of issuing a new id.
type CreateTicketRequest struct {
	CustomerID  string          `json:"customer_id"`
	Subject     string          `json:"subject"`
	Description string          `json:"description"`
	Priority    domain.Priority `json:"priority,omitempty"`
	AgentID     *string         `json:"agent_id,omitempty"`
}

// CreateTicketResponse reports the issued or reopened ticket.
type CreateTicketResponse struct {
	Ticket   TicketResponse `json:"ticket"`
	Reopened bool           `json:"reopened"`
}

// ChangeTicketStatusRequest payload.
type ChangeTicketStatusRequest struct {
	Status  domain.TicketStatus `json:"status"`
	AgentID *string             `json:"agent_id,omitempty"`
	Comment string              `json:"comment,omitempty"`
}

// FlagEscalatedRequest payload.
type FlagEscalatedRequest struct {
	Escalated bool    `json:"escalated"`
	AgentID   *string `json:"agent_id,omitempty"`
}

// TicketResponse response.
type TicketResponse struct {
	ID          string              `json:"id"`
	CustomerID  string              `json:"customer_id"`
	Subject     string              `json:"subject"`
	Description string              `json:"description"`
	Status      domain.TicketStatus `json:"status"`
	Priority    domain.Priority     `json:"priority"`
	Escalated   bool                `json:"escalated"`
	ReopenCount int                 `json:"reopen_count"`
	ResolvedAt  *time.Time          `json:"resolved_at"`
	ClosedAt    *time.Time          `json:"closed_at"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// TicketHistoryResponse one audit entry.
type TicketHistoryResponse struct {
	ID         string                  `json:"id"`
	ActorType  domain.ActorType        `json:"actor_type"`
	ActorID    *string                 `json:"actor_id,omitempty"`
	ChangeType domain.TicketChangeType `json:"change_type"`
	OldValue   map[string]any          `json:"old_value,omitempty"`
	NewValue   map[string]any          `json:"new_value,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
}

// TicketDetailResponse provides full ticket info with its audit trail.
type TicketDetailResponse struct {
	Ticket  TicketResponse          `json:"ticket"`
	History []TicketHistoryResponse `json:"history"`
}
