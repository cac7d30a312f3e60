package domain

import "time"

// ConversationStatus enumerates lifecycle states for conversations.
type ConversationStatus string

const (
	ConversationStatusOpen     ConversationStatus = "open"
	ConversationStatusAssigned ConversationStatus = "assigned"
	ConversationStatusWaiting  ConversationStatus = "waiting"
	ConversationStatusClosed   ConversationStatus = "closed"
)

// Priority enumerates urgency levels. The set is totally ordered:
// low < medium < high < urgent.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    1,
	PriorityMedium: 2,
	PriorityHigh:   3,
	PriorityUrgent: 4,
}

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Less reports whether p sorts strictly below other.
func (p Priority) Less(other Priority) bool {
	return priorityRank[p] < priorityRank[other]
}

// NextLevel returns the level one step up, capped at high. Wait-time
// bumps never reach urgent on their own.
func (p Priority) NextLevel() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium, PriorityHigh:
		return PriorityHigh
	default:
		return p
	}
}

// TriggerSource identifies what caused a priority change.
type TriggerSource string

const (
	TriggerKeyword  TriggerSource = "keyword"
	TriggerWaitTime TriggerSource = "wait_time"
	TriggerVIP      TriggerSource = "vip"
	TriggerAgent    TriggerSource = "agent"
)

// Conversation is the aggregate tying a customer to their open exchange.
// Routing reads the assignment fields; the escalation engine owns priority.
type Conversation struct {
	ID              string
	CustomerID      string
	AssignedAgentID *string
	AssignedAt      *time.Time
	IsAIEnabled     bool
	Status          ConversationStatus
	Priority        Priority
	LastMessageAt   time.Time
	MessageCount    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PriorityChange is one immutable entry in a conversation's priority
// history.
type PriorityChange struct {
	ID             string
	ConversationID string
	From           Priority
	To             Priority
	Reason         string
	TriggeredBy    TriggerSource
	At             time.Time
}
