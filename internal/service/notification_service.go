package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/events"
)

// NotificationService is the in-process consumer of domain events. It
// surfaces escalations, assignments and ticket activity in the logs for
// operators; the pipeline publishes and moves on, it never waits for
// these handlers.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger.With(zap.String("component", "notifications")),
	}
}

// RegisterHandlers subscribes to the domain events worth surfacing.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventConversationEscalated, n.handleConversationEscalated)
	n.dispatcher.Subscribe(events.EventConversationAssigned, n.handleConversationAssigned)
	n.dispatcher.Subscribe(events.EventTicketCreated, n.handleTicketCreated)
	n.dispatcher.Subscribe(events.EventTicketReopened, n.handleTicketReopened)
}

func (n *NotificationService) handleConversationEscalated(ctx context.Context, event events.Event) error {
	n.logger.Info("conversation escalated",
		zap.String("conversation_id", event.SubjectID),
		zap.String("actor", string(event.Actor.Type)),
		zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) handleConversationAssigned(ctx context.Context, event events.Event) error {
	n.logger.Info("conversation assignment changed",
		zap.String("conversation_id", event.SubjectID),
		zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) handleTicketCreated(ctx context.Context, event events.Event) error {
	n.logger.Info("ticket created",
		zap.String("ticket_id", event.SubjectID),
		zap.String("actor", string(event.Actor.Type)),
		zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) handleTicketReopened(ctx context.Context, event events.Event) error {
	n.logger.Info("ticket reopened",
		zap.String("ticket_id", event.SubjectID),
		zap.Any("payload", event.Payload))
	return nil
}
