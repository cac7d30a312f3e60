package dto

import (
	"time"

	"github.com/spec-kit/conversation-service/internal/domain"
)

// AssignAgentRequest payload. A null agent_id releases the conversation
// back to the assistant.
type AssignAgentRequest struct {
	AgentID *string `json:"agent_id"`
}

// SetAIEnabledRequest payload.
type SetAIEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetPriorityRequest payload for the manual override.
type SetPriorityRequest struct {
	Level   domain.Priority `json:"level"`
	Reason  string          `json:"reason"`
	AgentID string          `json:"agent_id"`
}

// ConversationResponse response.
type ConversationResponse struct {
	ID              string                    `json:"id"`
	CustomerID      string                    `json:"customer_id"`
	AssignedAgentID *string                   `json:"assigned_agent_id"`
	AssignedAt      *time.Time                `json:"assigned_at"`
	IsAIEnabled     bool                      `json:"is_ai_enabled"`
	Status          domain.ConversationStatus `json:"status"`
	Priority        domain.Priority           `json:"priority"`
	LastMessageAt   time.Time                 `json:"last_message_at"`
	MessageCount    int                       `json:"message_count"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// PriorityChangeResponse one priority history entry.
type PriorityChangeResponse struct {
	From        domain.Priority      `json:"from"`
	To          domain.Priority      `json:"to"`
	Reason      string               `json:"reason"`
	TriggeredBy domain.TriggerSource `json:"triggered_by"`
	At          time.Time            `json:"at"`
}

// ConversationDetailResponse conversation plus its priority history.
type ConversationDetailResponse struct {
	Conversation    ConversationResponse     `json:"conversation"`
	PriorityHistory []PriorityChangeResponse `json:"priority_history"`
}
