package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/clock"
	"github.com/spec-kit/conversation-service/internal/domain"
	"github.com/spec-kit/conversation-service/internal/events"
	"github.com/spec-kit/conversation-service/internal/repository"
	"github.com/spec-kit/conversation-service/pkg/util"
)

// AssignmentService handles agent takeover and handback on
// conversations. Assignment and the AI toggle are separate fields so a
// supervisor can watch an assigned conversation while the assistant
// keeps answering; the router only yields to the agent once the
// assistant is switched off.
type AssignmentService struct {
	conversations repository.ConversationRepository
	dispatcher    events.Dispatcher
	clk           clock.Clock
	logger        *zap.Logger
}

// AssignmentDependencies bundles collaborators.
type AssignmentDependencies struct {
	ConversationRepo repository.ConversationRepository
	Dispatcher       events.Dispatcher
	Clock            clock.Clock
	Logger           *zap.Logger
}

// NewAssignmentService creates the service.
func NewAssignmentService(deps AssignmentDependencies) *AssignmentService {
	return &AssignmentService{
		conversations: deps.ConversationRepo,
		dispatcher:    deps.Dispatcher,
		clk:           deps.Clock,
		logger:        deps.Logger.With(zap.String("component", "assignment_service")),
	}
}

// AssignAgent puts a human in charge: records the assignment, marks the
// conversation assigned and turns the automated responder off so the
// next flushed turn routes to the agent.
func (s *AssignmentService) AssignAgent(ctx context.Context, conversationID, agentID string) (*domain.Conversation, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, util.NewValidationError("agent id is required", nil)
	}

	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	if err := s.conversations.UpdateAssignment(ctx, conversationID, &agentID, &now, domain.ConversationStatusAssigned); err != nil {
		return nil, util.NewPersistenceError("assign conversation", err)
	}
	if err := s.conversations.SetAIEnabled(ctx, conversationID, false); err != nil {
		return nil, util.NewPersistenceError("disable assistant", err)
	}

	conv.AssignedAgentID = &agentID
	conv.AssignedAt = &now
	conv.Status = domain.ConversationStatusAssigned
	conv.IsAIEnabled = false

	s.logger.Info("agent took over conversation",
		zap.String("conversation_id", conversationID),
		zap.String("agent_id", agentID))
	s.publishEvent(ctx, events.Event{
		Type:      events.EventConversationAssigned,
		SubjectID: conv.ID,
		Actor:     events.Actor{Type: domain.ActorAgent, ID: &agentID},
		Payload: events.ConversationAssignedPayload{
			AgentID:   conv.AssignedAgentID,
			AIEnabled: conv.IsAIEnabled,
		},
	})
	return conv, nil
}

// Unassign returns the conversation to the assistant queue: assignment
// cleared, status back to open, responder re-enabled.
func (s *AssignmentService) Unassign(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if err := s.conversations.UpdateAssignment(ctx, conversationID, nil, nil, domain.ConversationStatusOpen); err != nil {
		return nil, util.NewPersistenceError("unassign conversation", err)
	}
	if err := s.conversations.SetAIEnabled(ctx, conversationID, true); err != nil {
		return nil, util.NewPersistenceError("enable assistant", err)
	}

	conv.AssignedAgentID = nil
	conv.AssignedAt = nil
	conv.Status = domain.ConversationStatusOpen
	conv.IsAIEnabled = true

	s.logger.Info("conversation returned to assistant",
		zap.String("conversation_id", conversationID))
	s.publishEvent(ctx, events.Event{
		Type:      events.EventConversationAssigned,
		SubjectID: conv.ID,
		Actor:     events.Actor{Type: domain.ActorAgent},
		Payload: events.ConversationAssignedPayload{
			AgentID:   nil,
			AIEnabled: true,
		},
	})
	return conv, nil
}

// SetAIEnabled toggles the automated responder without touching the
// assignment.
func (s *AssignmentService) SetAIEnabled(ctx context.Context, conversationID string, enabled bool) (*domain.Conversation, error) {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if conv.IsAIEnabled == enabled {
		return conv, nil
	}
	if err := s.conversations.SetAIEnabled(ctx, conversationID, enabled); err != nil {
		return nil, util.NewPersistenceError("toggle assistant", err)
	}
	conv.IsAIEnabled = enabled

	s.logger.Info("assistant toggled",
		zap.String("conversation_id", conversationID),
		zap.Bool("enabled", enabled))
	return conv, nil
}

// GetConversation loads one conversation with its priority history.
func (s *AssignmentService) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, []domain.PriorityChange, error) {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	history, err := s.conversations.ListPriorityHistory(ctx, conversationID)
	if err != nil {
		return nil, nil, util.NewPersistenceError("load priority history", err)
	}
	return conv, history, nil
}

// GetByCustomer loads the conversation a customer id maps to.
func (s *AssignmentService) GetByCustomer(ctx context.Context, customerID string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, util.NewNotFound("conversation", map[string]any{"customer_id": customerID})
		}
		return nil, util.NewPersistenceError("load conversation", err)
	}
	return conv, nil
}

func (s *AssignmentService) getConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, util.NewNotFound("conversation", map[string]any{"conversation_id": conversationID})
		}
		return nil, util.NewPersistenceError("load conversation", err)
	}
	return conv, nil
}

// publishEvent fills in event metadata and forwards to the dispatcher.
func (s *AssignmentService) publishEvent(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clk.Now()
	}
	_ = s.dispatcher.Publish(ctx, event)
}
