package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/clock"
	"github.com/spec-kit/conversation-service/internal/config"
	"github.com/spec-kit/conversation-service/internal/domain"
	"github.com/spec-kit/conversation-service/internal/events"
	"github.com/spec-kit/conversation-service/internal/observability"
	"github.com/spec-kit/conversation-service/internal/repository"
	"github.com/spec-kit/conversation-service/pkg/util"
)

// maxCASAttempts bounds re-reads after a lost priority race.
const maxCASAttempts = 3

// Trigger describes what prompted an evaluation. Keyword rules only run
// for message triggers; the wait-time rule only runs for scans.
type Trigger struct {
	scan bool
	text string
}

// MessageTrigger evaluates an inbound turn's combined text.
func MessageTrigger(text string) Trigger { return Trigger{text: text} }

// ScanTrigger is the periodic sweep over assigned conversations.
func ScanTrigger() Trigger { return Trigger{scan: true} }

// Engine applies the escalation rules to conversations. Automatic
// changes only ever raise priority; the manual path can set any level.
type Engine struct {
	conversations repository.ConversationRepository
	dispatcher    events.Dispatcher
	clk           clock.Clock
	logger        *zap.Logger
	metrics       *observability.Metrics
	cfg           config.EscalationConfig

	urgentKeywords []string
	highKeywords   []string
	vips           map[string]struct{}
}

// Dependencies bundles collaborators.
type Dependencies struct {
	Conversations repository.ConversationRepository
	Dispatcher    events.Dispatcher
	Clock         clock.Clock
	Logger        *zap.Logger
	Metrics       *observability.Metrics
}

// NewEngine creates the engine. Keyword matching is case-insensitive.
func NewEngine(cfg config.EscalationConfig, deps Dependencies) *Engine {
	vips := make(map[string]struct{}, len(cfg.VIPCustomerIDs))
	for _, id := range cfg.VIPCustomerIDs {
		vips[id] = struct{}{}
	}
	return &Engine{
		conversations:  deps.Conversations,
		dispatcher:     deps.Dispatcher,
		clk:            deps.Clock,
		logger:         deps.Logger.With(zap.String("component", "escalation")),
		metrics:        deps.Metrics,
		cfg:            cfg,
		urgentKeywords: lowerAll(cfg.UrgentKeywords),
		highKeywords:   lowerAll(cfg.HighKeywords),
		vips:           vips,
	}
}

// Evaluate runs the rule ladder for one conversation and applies the
// first matching rule's target if it is a strict raise. The priority
// write is a compare-and-set; on a lost race the conversation is
// re-read and re-evaluated a bounded number of times, after which the
// change is dropped with a warning. Reports whether a change applied.
func (e *Engine) Evaluate(ctx context.Context, conversationID string, trig Trigger) (bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		conv, err := e.conversations.GetByID(ctx, conversationID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, util.NewNotFound("conversation", map[string]any{"conversation_id": conversationID})
			}
			return false, util.NewPersistenceError("load conversation", err)
		}

		target, reason, source, matched := e.decide(conv, trig)
		if !matched || !conv.Priority.Less(target) {
			return false, nil
		}

		applied, err := e.conversations.UpdatePriorityCAS(ctx, conversationID, conv.Priority, target)
		if err != nil {
			return false, util.NewPersistenceError("apply priority change", err)
		}
		if applied {
			e.metrics.Inc(observability.CounterEscalationsApplied)
			e.recordChange(ctx, conv, conv.Priority, target, reason, source, events.Actor{Type: domain.ActorSystem})
			return true, nil
		}
	}

	e.logger.Warn("priority change dropped after repeated conflicts",
		zap.String("conversation_id", conversationID))
	return false, nil
}

// SetPriority is the manual override. It skips the monotonic guard, so
// the caller can lower priority as well as raise it. History records the
// change as agent-triggered; the event carries the concrete actor.
func (e *Engine) SetPriority(ctx context.Context, conversationID string, level domain.Priority, actor events.Actor, reason string) (*domain.Conversation, error) {
	if !level.Valid() {
		return nil, util.NewValidationError("unknown priority level", map[string]any{"level": string(level)})
	}

	conv, err := e.conversations.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, util.NewNotFound("conversation", map[string]any{"conversation_id": conversationID})
		}
		return nil, util.NewPersistenceError("load conversation", err)
	}
	if conv.Priority == level {
		return conv, nil
	}

	if err := e.conversations.SetPriority(ctx, conversationID, level); err != nil {
		return nil, util.NewPersistenceError("set priority", err)
	}

	from := conv.Priority
	conv.Priority = level
	e.recordChange(ctx, conv, from, level, reason, domain.TriggerAgent, actor)
	return conv, nil
}

// ScanStale sweeps assigned conversations whose wait threshold has
// passed and reports how many were escalated.
func (e *Engine) ScanStale(ctx context.Context) (int, error) {
	cutoff := e.clk.Now().Add(-e.cfg.WaitThreshold())
	convs, err := e.conversations.ListStaleAssigned(ctx, cutoff)
	if err != nil {
		return 0, util.NewPersistenceError("list stale conversations", err)
	}

	applied := 0
	for _, conv := range convs {
		ok, err := e.Evaluate(ctx, conv.ID, ScanTrigger())
		if err != nil {
			e.logger.Warn("scan evaluation failed",
				zap.String("conversation_id", conv.ID),
				zap.Error(err))
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// decide walks the rules in order and returns the first match.
func (e *Engine) decide(conv *domain.Conversation, trig Trigger) (domain.Priority, string, domain.TriggerSource, bool) {
	if !trig.scan {
		text := strings.ToLower(trig.text)
		if kw, ok := containsAny(text, e.urgentKeywords); ok {
			return domain.PriorityUrgent, fmt.Sprintf("urgent keyword %q", kw), domain.TriggerKeyword, true
		}
		if kw, ok := containsAny(text, e.highKeywords); ok && conv.Priority.Less(domain.PriorityHigh) {
			return domain.PriorityHigh, fmt.Sprintf("high keyword %q", kw), domain.TriggerKeyword, true
		}
	}

	if trig.scan &&
		conv.Status == domain.ConversationStatusAssigned &&
		conv.AssignedAt != nil &&
		e.clk.Now().Sub(*conv.AssignedAt) > e.cfg.WaitThreshold() &&
		conv.Priority != domain.PriorityUrgent {
		reason := fmt.Sprintf("assigned over %s without resolution", e.cfg.WaitThreshold())
		return conv.Priority.NextLevel(), reason, domain.TriggerWaitTime, true
	}

	if _, vip := e.vips[conv.CustomerID]; vip && conv.Priority == domain.PriorityMedium {
		return domain.PriorityHigh, "vip customer waiting at medium", domain.TriggerVIP, true
	}

	return "", "", "", false
}

// recordChange appends the history entry and announces the change.
// The priority write already landed; bookkeeping failures only warn.
func (e *Engine) recordChange(ctx context.Context, conv *domain.Conversation, from, to domain.Priority, reason string, source domain.TriggerSource, actor events.Actor) {
	change := &domain.PriorityChange{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		From:           from,
		To:             to,
		Reason:         reason,
		TriggeredBy:    source,
		At:             e.clk.Now(),
	}
	if err := e.conversations.AppendPriorityChange(ctx, change); err != nil {
		e.logger.Warn("could not append priority history",
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
	}

	e.logger.Info("priority changed",
		zap.String("conversation_id", conv.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("triggered_by", string(source)),
		zap.String("reason", reason))

	e.publishEvent(ctx, events.Event{
		Type:      events.EventConversationEscalated,
		SubjectID: conv.ID,
		Actor:     actor,
		Payload: events.ConversationEscalatedPayload{
			From:        from,
			To:          to,
			Reason:      reason,
			TriggeredBy: source,
		},
	})
}

func (e *Engine) publishEvent(ctx context.Context, event events.Event) {
	if e.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.clk.Now()
	}
	_ = e.dispatcher.Publish(ctx, event)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(strings.ToLower(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsAny(text string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}
