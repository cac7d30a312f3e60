package domain

import (
	"strings"
	"time"
)

// ActorType indicates who authored a message or change.
type ActorType string

const (
	ActorCustomer  ActorType = "customer"
	ActorAgent     ActorType = "agent"
	ActorAssistant ActorType = "assistant"
	ActorSystem    ActorType = "system"
)

// InboundMessage is one raw event from the chat channel. The channel
// delivers at least once, so the same MessageID may arrive repeatedly.
type InboundMessage struct {
	SenderID   string
	MessageID  string
	Text       string
	ReceivedAt time.Time
}

// Validate checks the fields the pipeline cannot work without. Empty text
// is legal here; blank bodies are skipped at flush time instead.
func (m InboundMessage) Validate() error {
	if strings.TrimSpace(m.SenderID) == "" {
		return ErrMissingSender
	}
	if strings.TrimSpace(m.MessageID) == "" {
		return ErrMissingMessageID
	}
	return nil
}

// ConversationMessage is a recorded message on a conversation, either a
// combined inbound turn or an outbound reply.
type ConversationMessage struct {
	ID              string
	ConversationID  string
	AuthorType      ActorType
	Body            string
	SourceMessageID *string
	CreatedAt       time.Time
}
