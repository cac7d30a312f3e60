package service

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/aggregator"
	"github.com/spec-kit/conversation-service/internal/channel"
	"github.com/spec-kit/conversation-service/internal/clock"
	"github.com/spec-kit/conversation-service/internal/config"
	"github.com/spec-kit/conversation-service/internal/domain"
	"github.com/spec-kit/conversation-service/internal/escalation"
	"github.com/spec-kit/conversation-service/internal/events"
	"github.com/spec-kit/conversation-service/internal/observability"
	"github.com/spec-kit/conversation-service/internal/repository"
	"github.com/spec-kit/conversation-service/internal/router"
	"github.com/spec-kit/conversation-service/pkg/util"
)

// Admitter decides whether an inbound message id is seen for the first
// time.
type Admitter interface {
	Admit(ctx context.Context, messageID string) bool
}

// TurnRouter hands a flushed turn to exactly one of the two paths.
type TurnRouter interface {
	Route(ctx context.Context, conversationID, combinedText string) (router.Result, error)
}

// Escalator re-evaluates conversation priority against a trigger.
type Escalator interface {
	Evaluate(ctx context.Context, conversationID string, trig escalation.Trigger) (bool, error)
}

// TicketReactivator wakes tickets waiting on the customer.
type TicketReactivator interface {
	ReactivateOnReply(ctx context.Context, customerID string) (int, error)
}

// ConversationService is the inbound pipeline: it validates and
// deduplicates raw channel events, buffers them into turns, and drives
// each flushed turn through escalation, ticket reactivation, routing
// and outbound delivery.
type ConversationService struct {
	conversations repository.ConversationRepository
	messages      repository.ConversationMessageRepository
	admitter      Admitter
	turnRouter    TurnRouter
	escalator     Escalator
	tickets       TicketReactivator
	outbound      channel.Dispatcher
	dispatcher    events.Dispatcher
	clk           clock.Clock
	logger        *zap.Logger
	metrics       *observability.Metrics
	cfg           config.OrchestratorConfig

	turns *aggregator.Aggregator
}

// ConversationDependencies wires the pipeline's collaborators.
type ConversationDependencies struct {
	ConversationRepo repository.ConversationRepository
	MessageRepo      repository.ConversationMessageRepository
	Admitter         Admitter
	Router           TurnRouter
	Escalator        Escalator
	Tickets          TicketReactivator
	Outbound         channel.Dispatcher
	Dispatcher       events.Dispatcher
	Clock            clock.Clock
	Logger           *zap.Logger
	Metrics          *observability.Metrics
}

// NewConversationService builds the pipeline and its debounce buffer.
func NewConversationService(cfg config.OrchestratorConfig, deps ConversationDependencies) *ConversationService {
	s := &ConversationService{
		conversations: deps.ConversationRepo,
		messages:      deps.MessageRepo,
		admitter:      deps.Admitter,
		turnRouter:    deps.Router,
		escalator:     deps.Escalator,
		tickets:       deps.Tickets,
		outbound:      deps.Outbound,
		dispatcher:    deps.Dispatcher,
		clk:           deps.Clock,
		logger:        deps.Logger.With(zap.String("component", "conversation_service")),
		metrics:       deps.Metrics,
		cfg:           cfg,
	}
	s.turns = aggregator.New(cfg.DebounceWindow(), deps.Clock, s.handleTurn, deps.Logger, deps.Metrics)
	return s
}

// HandleInbound is the synchronous edge of the pipeline. Malformed
// events are logged with a correlation id and dropped; duplicates are
// dropped silently. Both return nil so the channel gets its ack either
// way. Admitted messages are buffered and flush later on the debounce
// timer.
func (s *ConversationService) HandleInbound(ctx context.Context, msg domain.InboundMessage) error {
	if err := msg.Validate(); err != nil {
		s.metrics.Inc(observability.CounterMessagesDropped)
		s.logger.Warn("dropping malformed inbound event",
			zap.String("correlation_id", uuid.NewString()),
			zap.String("sender_id", msg.SenderID),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return nil
	}
	if !s.admitter.Admit(ctx, msg.MessageID) {
		return nil
	}

	// Opening the conversation row here is opportunistic; the flush
	// path resolves it again, so a failure must not drop the message.
	if _, err := s.ensureConversation(ctx, msg.SenderID); err != nil {
		s.logger.Warn("conversation lookup deferred to flush",
			zap.String("sender_id", msg.SenderID),
			zap.Error(err))
	}

	s.turns.Enqueue(msg.SenderID, msg.Text, msg.MessageID)
	return nil
}

// Drain flushes every buffered turn immediately. Called on shutdown so
// quiet-window messages are not lost.
func (s *ConversationService) Drain() {
	s.turns.Drain()
}

// Stop stops the buffer; later enqueues are dropped.
func (s *ConversationService) Stop() {
	s.turns.Stop()
}

// PendingTurns reports how many senders have a turn buffered.
func (s *ConversationService) PendingTurns() int {
	return s.turns.PendingSenders()
}

// Messages pages through a conversation's archived messages, oldest
// first.
func (s *ConversationService) Messages(ctx context.Context, conversationID string, limit, offset int) ([]domain.ConversationMessage, error) {
	if _, err := s.conversations.GetByID(ctx, conversationID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, util.NewNotFound("conversation", map[string]any{"conversation_id": conversationID})
		}
		return nil, util.NewPersistenceError("load conversation", err)
	}
	msgs, err := s.messages.ListByConversation(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, util.NewPersistenceError("list conversation messages", err)
	}
	return msgs, nil
}

// handleTurn runs once per flushed turn, on the aggregator's timer
// goroutine. The flush already left the buffer, so this uses a fresh
// background context rather than a long-gone request context.
func (s *ConversationService) handleTurn(turn aggregator.Turn) {
	ctx := context.Background()

	combined := turn.CombinedText()
	if combined == "" {
		s.logger.Debug("discarding blank turn",
			zap.String("sender_id", turn.SenderID),
			zap.Int("message_count", len(turn.Messages)))
		return
	}

	conv, err := s.ensureConversation(ctx, turn.SenderID)
	if err != nil {
		s.logger.Error("turn lost, conversation unavailable",
			zap.String("sender_id", turn.SenderID),
			zap.Error(err))
		return
	}

	s.archiveTurn(ctx, conv.ID, turn)
	if err := s.conversations.RecordTurn(ctx, conv.ID, s.clk.Now(), len(turn.Messages)); err != nil {
		s.logger.Warn("could not record turn on conversation",
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
	}

	s.publishEvent(ctx, events.Event{
		Type:      events.EventTurnFlushed,
		SubjectID: conv.ID,
		Actor:     events.Actor{Type: domain.ActorCustomer, ID: &conv.CustomerID},
		Payload: events.TurnFlushedPayload{
			SenderID:       turn.SenderID,
			ConversationID: conv.ID,
			MessageCount:   len(turn.Messages),
			Preview:        previewText(combined),
		},
	})

	// Escalation and ticket reactivation run on every customer turn,
	// whichever path then answers it.
	if _, err := s.escalator.Evaluate(ctx, conv.ID, escalation.MessageTrigger(combined)); err != nil {
		s.logger.Warn("escalation evaluation failed",
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
	}
	if _, err := s.tickets.ReactivateOnReply(ctx, conv.CustomerID); err != nil {
		s.logger.Warn("ticket reactivation failed",
			zap.String("customer_id", conv.CustomerID),
			zap.Error(err))
	}

	result, err := s.turnRouter.Route(ctx, conv.ID, combined)
	if err != nil {
		s.handleRouteFailure(ctx, conv, err)
		return
	}
	if result.Outcome == router.OutcomeAI {
		s.deliverReply(ctx, conv, result.Reply)
	}
}

// ensureConversation finds the sender's conversation, creating it open
// at low priority with the assistant enabled when none exists. Losing a
// concurrent create race falls back to the winner's row.
func (s *ConversationService) ensureConversation(ctx context.Context, customerID string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByCustomer(ctx, customerID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, util.NewPersistenceError("load conversation", err)
	}

	now := s.clk.Now()
	conv = &domain.Conversation{
		ID:            uuid.NewString(),
		CustomerID:    customerID,
		Status:        domain.ConversationStatusOpen,
		Priority:      domain.PriorityLow,
		IsAIEnabled:   true,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.conversations.Create(ctx, conv); err != nil {
		if errors.Is(err, repository.ErrDuplicateConversation) {
			winner, lookupErr := s.conversations.GetByCustomer(ctx, customerID)
			if lookupErr != nil {
				return nil, util.NewPersistenceError("load conversation after create race", lookupErr)
			}
			return winner, nil
		}
		return nil, util.NewPersistenceError("create conversation", err)
	}

	s.logger.Info("opened conversation",
		zap.String("conversation_id", conv.ID),
		zap.String("customer_id", customerID))
	return conv, nil
}

// archiveTurn stores each raw inbound message of the turn. Archival is
// best effort; the turn proceeds even if rows are lost.
func (s *ConversationService) archiveTurn(ctx context.Context, conversationID string, turn aggregator.Turn) {
	for _, m := range turn.Messages {
		sourceID := m.SourceID
		row := &domain.ConversationMessage{
			ID:              uuid.NewString(),
			ConversationID:  conversationID,
			AuthorType:      domain.ActorCustomer,
			Body:            m.Text,
			SourceMessageID: &sourceID,
			CreatedAt:       m.At,
		}
		if err := s.messages.Create(ctx, row); err != nil {
			s.logger.Warn("could not archive inbound message",
				zap.String("conversation_id", conversationID),
				zap.String("source_message_id", sourceID),
				zap.Error(err))
		}
	}
}

// handleRouteFailure converts a transient routing failure into the
// generic apology so the customer is never left hanging. Other failures
// only log; the channel already acked the raw events.
func (s *ConversationService) handleRouteFailure(ctx context.Context, conv *domain.Conversation, err error) {
	if !util.IsTransient(err) {
		s.logger.Error("turn routing failed",
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
		return
	}

	s.logger.Warn("turn failed after retries, sending apology",
		zap.String("conversation_id", conv.ID),
		zap.Error(err))
	if _, sendErr := s.outbound.Send(ctx, conv.CustomerID, s.cfg.ApologyMessage); sendErr != nil {
		s.metrics.Inc(observability.CounterDispatchFailures)
		s.logger.Error("could not deliver apology",
			zap.String("conversation_id", conv.ID),
			zap.Error(sendErr))
	}
}

// deliverReply sends the assistant's reply out through the channel and
// archives it. Delivery retries on transient channel errors.
func (s *ConversationService) deliverReply(ctx context.Context, conv *domain.Conversation, reply string) {
	if reply == "" {
		s.logger.Debug("assistant produced no reply",
			zap.String("conversation_id", conv.ID))
		return
	}

	var deliveryID string
	err := util.Retry(ctx, s.cfg.DispatchRetries+1, s.cfg.DispatchRetryDelay(), func() error {
		id, sendErr := s.outbound.Send(ctx, conv.CustomerID, reply)
		if sendErr != nil {
			return sendErr
		}
		deliveryID = id
		return nil
	})
	if err != nil {
		s.metrics.Inc(observability.CounterDispatchFailures)
		s.logger.Error("reply delivery failed",
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
		return
	}

	row := &domain.ConversationMessage{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		AuthorType:     domain.ActorAssistant,
		Body:           reply,
		CreatedAt:      s.clk.Now(),
	}
	if err := s.messages.Create(ctx, row); err != nil {
		s.logger.Warn("could not archive assistant reply",
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
	}

	s.logger.Debug("reply delivered",
		zap.String("conversation_id", conv.ID),
		zap.String("delivery_id", deliveryID))
}

// publishEvent fills in event metadata and forwards to the dispatcher.
func (s *ConversationService) publishEvent(ctx context.Context, event events.Event) {
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

const previewLimit = 120

// previewText caps event previews so payloads stay small.
func previewText(text string) string {
	if utf8.RuneCountInString(text) <= previewLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLimit]) + "…"
}
