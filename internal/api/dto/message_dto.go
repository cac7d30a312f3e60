package dto

import (
	"time"

	"github.com/spec-kit/conversation-service/internal/domain"
)

// InboundMessageRequest payload delivered by the chat channel webhook.
// The channel may deliver the same message_id more than once.
type InboundMessageRequest struct {
	SenderID   string    `json:"sender_id"`
	MessageID  string    `json:"message_id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// ConversationMessageResponse one archived message.
type ConversationMessageResponse struct {
	ID              string           `json:"id"`
	AuthorType      domain.ActorType `json:"author_type"`
	Body            string           `json:"body"`
	SourceMessageID *string          `json:"source_message_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}
