package domain

import "time"

// TicketChangeType captures what changed in a history entry.
type TicketChangeType string

const (
	ChangeTypeStatus    TicketChangeType = "status_change"
	ChangeTypePriority  TicketChangeType = "priority_change"
	ChangeTypeReopened  TicketChangeType = "reopened"
	ChangeTypeEscalated TicketChangeType = "escalated_flag"
)

// TicketHistory is an immutable audit trail entry.
type TicketHistory struct {
	ID         string
	TicketID   string
	ActorType  ActorType
	ActorID    *string
	ChangeType TicketChangeType
	OldValue   map[string]any
	NewValue   map[string]any
	CreatedAt  time.Time
}
