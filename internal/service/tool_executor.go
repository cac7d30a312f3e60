package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/ai"
	"github.com/spec-kit/conversation-service/internal/domain"
	"github.com/spec-kit/conversation-service/internal/events"
	"github.com/spec-kit/conversation-service/internal/repository"
	"github.com/spec-kit/conversation-service/pkg/util"
)

// TicketFiler files or reopens a ticket on the customer's behalf.
type TicketFiler interface {
	CreateOrReopen(ctx context.Context, customerID string, draft domain.TicketDraft, actor domain.ActorType, actorID *string) (*CreateOrReopenResult, error)
}

// PriorityOverrider applies a manual priority override.
type PriorityOverrider interface {
	SetPriority(ctx context.Context, conversationID string, level domain.Priority, actor events.Actor, reason string) (*domain.Conversation, error)
}

// AssistantToolExecutor runs the assistant's tool calls against the
// ticket and escalation services. The output string is JSON handed back
// to the assistant run.
type AssistantToolExecutor struct {
	tickets       TicketFiler
	escalator     PriorityOverrider
	conversations repository.ConversationRepository
	logger        *zap.Logger
}

// NewAssistantToolExecutor builds the executor.
func NewAssistantToolExecutor(tickets TicketFiler, escalator PriorityOverrider, conversations repository.ConversationRepository, logger *zap.Logger) *AssistantToolExecutor {
	return &AssistantToolExecutor{
		tickets:       tickets,
		escalator:     escalator,
		conversations: conversations,
		logger:        logger.With(zap.String("component", "assistant_tools")),
	}
}

// Execute dispatches one validated tool call.
func (e *AssistantToolExecutor) Execute(ctx context.Context, userID string, call ai.ToolCall) (string, error) {
	switch call.Name {
	case ai.ToolCreateTicket:
		return e.createTicket(ctx, userID, call.CreateTicket)
	case ai.ToolSetPriority:
		return e.setPriority(ctx, userID, call.SetPriority)
	default:
		return "", util.NewValidationError("unsupported tool", map[string]any{"tool": string(call.Name)})
	}
}

func (e *AssistantToolExecutor) createTicket(ctx context.Context, customerID string, args *ai.CreateTicketArgs) (string, error) {
	draft := domain.TicketDraft{
		Subject:     args.Subject,
		Description: args.Description,
		Priority:    args.Priority,
	}
	res, err := e.tickets.CreateOrReopen(ctx, customerID, draft, domain.ActorAssistant, nil)
	if err != nil {
		return "", err
	}

	e.logger.Info("assistant filed ticket",
		zap.String("customer_id", customerID),
		zap.String("ticket_id", res.Ticket.ID),
		zap.Bool("reopened", res.Reopened))

	out := map[string]any{
		"ticket_id": res.Ticket.ID,
		"status":    string(res.Ticket.Status),
		"reopened":  res.Reopened,
	}
	if res.Reopened {
		out["reopen_count"] = res.Ticket.ReopenCount
	}
	return marshalToolOutput(out)
}

func (e *AssistantToolExecutor) setPriority(ctx context.Context, customerID string, args *ai.SetPriorityArgs) (string, error) {
	conv, err := e.conversations.GetByCustomer(ctx, customerID)
	if err != nil {
		return "", util.NewNotFound("conversation", map[string]any{"customer_id": customerID})
	}

	actor := events.Actor{Type: domain.ActorAssistant}
	updated, err := e.escalator.SetPriority(ctx, conv.ID, args.Level, actor, args.Reason)
	if err != nil {
		return "", err
	}

	e.logger.Info("assistant set conversation priority",
		zap.String("conversation_id", conv.ID),
		zap.String("priority", string(updated.Priority)))

	return marshalToolOutput(map[string]any{
		"conversation_id": conv.ID,
		"priority":        string(updated.Priority),
	})
}

func marshalToolOutput(out map[string]any) (string, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// AssistantResponder adapts the thread context manager to the router's
// responder contract, surfacing just the reply text.
type AssistantResponder struct {
	Manager *ai.Manager
}

func (a AssistantResponder) Respond(ctx context.Context, userID, combinedText string) (string, error) {
	reply, err := a.Manager.Respond(ctx, userID, combinedText)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}
