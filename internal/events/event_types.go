package events

import (
	"time"

	"github.com/spec-kit/conversation-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventConversationEscalated EventType = "conversation.escalated"
	EventConversationAssigned  EventType = "conversation.assigned"
	EventTicketCreated         EventType = "ticket.created"
	EventTicketReopened        EventType = "ticket.reopened"
	EventTurnFlushed           EventType = "turn.flushed"
)

// Actor encapsulates actor metadata for an event.
type Actor struct {
	Type domain.ActorType `json:"type"`
	ID   *string          `json:"id,omitempty"`
}

// Event represents a domain event emitted by services. Consumers are
// notification and UI layers; the core never waits on them.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	SubjectID string      `json:"subject_id"`
	Actor     Actor       `json:"actor"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ConversationEscalatedPayload payload.
type ConversationEscalatedPayload struct {
	From        domain.Priority      `json:"from"`
	To          domain.Priority      `json:"to"`
	Reason      string               `json:"reason"`
	TriggeredBy domain.TriggerSource `json:"triggered_by"`
}

// ConversationAssignedPayload payload. A nil AgentID means the
// conversation went back to the assistant queue.
type ConversationAssignedPayload struct {
	AgentID   *string `json:"agent_id"`
	AIEnabled bool    `json:"ai_enabled"`
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	TicketID   string          `json:"ticket_id"`
	CustomerID string          `json:"customer_id"`
	Priority   domain.Priority `json:"priority"`
	Subject    string          `json:"subject"`
}

// TicketReopenedPayload payload.
type TicketReopenedPayload struct {
	TicketID    string `json:"ticket_id"`
	CustomerID  string `json:"customer_id"`
	ReopenCount int    `json:"reopen_count"`
}

// TurnFlushedPayload payload.
type TurnFlushedPayload struct {
	SenderID       string `json:"sender_id"`
	ConversationID string `json:"conversation_id"`
	MessageCount   int    `json:"message_count"`
	Preview        string `json:"preview"`
}
