// Package router decides, per flushed turn, whether the automated
// responder or the assigned human agent handles it. The decision is
// binary and made against conversation state loaded at flush time, so a
// conversation reassigned while messages were buffering routes by its
// current state, not the state at enqueue time.
package router

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/domain"
)

// Outcome names the path a turn took.
type Outcome string

const (
	OutcomeAI    Outcome = "ai"
	OutcomeAgent Outcome = "agent"
)

// Result reports where a turn went. Reply is set only for OutcomeAI.
type Result struct {
	Outcome Outcome
	Reply   string
}

// ConversationLoader fetches current conversation state.
type ConversationLoader interface {
	GetByID(ctx context.Context, id string) (*domain.Conversation, error)
}

// AgentRelay forwards a turn to the assigned agent. Opaque to the core.
type AgentRelay interface {
	DeliverToAgent(ctx context.Context, conversationID, text string) error
}

// Responder produces the automated reply for a turn.
type Responder interface {
	Respond(ctx context.Context, userID, combinedText string) (string, error)
}

// Router routes one combined turn to exactly one path.
type Router struct {
	loader    ConversationLoader
	relay     AgentRelay
	responder Responder
	logger    *zap.Logger
}

// New builds a Router.
func New(loader ConversationLoader, relay AgentRelay, responder Responder, logger *zap.Logger) *Router {
	return &Router{
		loader:    loader,
		relay:     relay,
		responder: responder,
		logger:    logger.With(zap.String("component", "router")),
	}
}

// Route loads the conversation and hands the turn to the agent relay
// when a human owns it (assigned agent, AI disabled), otherwise to the
// automated responder. Never both.
func (r *Router) Route(ctx context.Context, conversationID, combinedText string) (Result, error) {
	conv, err := r.loader.GetByID(ctx, conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	if conv.AssignedAgentID != nil && !conv.IsAIEnabled {
		r.logger.Debug("routing turn to agent",
			zap.String("conversation_id", conversationID),
			zap.String("agent_id", *conv.AssignedAgentID))
		if err := r.relay.DeliverToAgent(ctx, conversationID, combinedText); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeAgent}, nil
	}

	r.logger.Debug("routing turn to assistant",
		zap.String("conversation_id", conversationID))
	reply, err := r.responder.Respond(ctx, conv.CustomerID, combinedText)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeAI, Reply: reply}, nil
}
