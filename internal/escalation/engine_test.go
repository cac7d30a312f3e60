package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/clock"
	"github.com/spec-kit/conversation-service/internal/config"
	"github.com/spec-kit/conversation-service/internal/domain"
	"github.com/spec-kit/conversation-service/internal/events"
	"github.com/spec-kit/conversation-service/internal/observability"
)

type memConversations struct {
	mu          sync.Mutex
	rows        map[string]*domain.Conversation
	history     []domain.PriorityChange
	casCalls    int
	casFailures int
}

func newMemConversations() *memConversations {
	return &memConversations{rows: make(map[string]*domain.Conversation)}
}

func (r *memConversations) Create(ctx context.Context, conv *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *conv
	r.rows[conv.ID] = &c
	return nil
}

func (r *memConversations) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (r *memConversations) GetByCustomer(ctx context.Context, customerID string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rows {
		if c.CustomerID == customerID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *memConversations) RecordTurn(ctx context.Context, id string, at time.Time, messageDelta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.rows[id]; ok {
		c.LastMessageAt = at
		c.MessageCount += messageDelta
	}
	return nil
}

func (r *memConversations) UpdateAssignment(ctx context.Context, id string, agentID *string, assignedAt *time.Time, status domain.ConversationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.rows[id]; ok {
		c.AssignedAgentID = agentID
		c.AssignedAt = assignedAt
		c.Status = status
	}
	return nil
}

func (r *memConversations) SetAIEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.rows[id]; ok {
		c.IsAIEnabled = enabled
	}
	return nil
}

func (r *memConversations) UpdatePriorityCAS(ctx context.Context, id string, expected, target domain.Priority) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.casCalls++
	if r.casFailures > 0 {
		r.casFailures--
		return false, nil
	}
	c, ok := r.rows[id]
	if !ok || c.Priority != expected {
		return false, nil
	}
	c.Priority = target
	return true, nil
}

func (r *memConversations) SetPriority(ctx context.Context, id string, target domain.Priority) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.rows[id]; ok {
		c.Priority = target
	}
	return nil
}

func (r *memConversations) ListStaleAssigned(ctx context.Context, assignedBefore time.Time) ([]domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Conversation
	for _, c := range r.rows {
		if c.Status == domain.ConversationStatusAssigned &&
			c.AssignedAt != nil && !c.AssignedAt.After(assignedBefore) &&
			c.Priority != domain.PriorityUrgent {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *memConversations) AppendPriorityChange(ctx context.Context, change *domain.PriorityChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, *change)
	return nil
}

func (r *memConversations) ListPriorityHistory(ctx context.Context, conversationID string) ([]domain.PriorityChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PriorityChange
	for _, h := range r.history {
		if h.ConversationID == conversationID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *memConversations) priority(id string) domain.Priority {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id].Priority
}

func (r *memConversations) historyFor(id string) []domain.PriorityChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PriorityChange
	for _, h := range r.history {
		if h.ConversationID == id {
			out = append(out, h)
		}
	}
	return out
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []events.Event
}

func (d *captureDispatcher) Publish(ctx context.Context, event events.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *captureDispatcher) Subscribe(eventType events.EventType, handler events.EventHandler) {}

func (d *captureDispatcher) captured() []events.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]events.Event{}, d.events...)
}

func newTestEngine(repo *memConversations) (*Engine, *captureDispatcher, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	disp := &captureDispatcher{}
	cfg := config.EscalationConfig{
		UrgentKeywords:   []string{"urgent", "emergency"},
		HighKeywords:     []string{"broken", "asap"},
		WaitThresholdMin: 30,
		VIPCustomerIDs:   []string{"vip-1"},
	}
	eng := NewEngine(cfg, Dependencies{
		Conversations: repo,
		Dispatcher:    disp,
		Clock:         clk,
		Logger:        zap.NewNop(),
		Metrics:       observability.NewMetrics(),
	})
	return eng, disp, clk
}

func seedConversation(repo *memConversations, id, customerID string, priority domain.Priority) {
	repo.rows[id] = &domain.Conversation{
		ID:         id,
		CustomerID: customerID,
		Status:     domain.ConversationStatusOpen,
		Priority:   priority,
	}
}

func TestEngine_UrgentKeywordRaisesToUrgent(t *testing.T) {
	repo := newMemConversations()
	seedConversation(repo, "conv-1", "cust-1", domain.PriorityMedium)
	eng, disp, _ := newTestEngine(repo)

	applied, err := eng.Evaluate(context.Background(), "conv-1", MessageTrigger("this is URGENT, my order vanished"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.PriorityUrgent, repo.priority("conv-1"))

	history := repo.historyFor("conv-1")
	require.Len(t, history, 1)
	assert.Equal(t, domain.PriorityMedium, history[0].From)
	assert.Equal(t, domain.PriorityUrgent, history[0].To)
	assert.Equal(t, domain.TriggerKeyword, history[0].TriggeredBy)

	captured := disp.captured()
	require.Len(t, captured, 1)
	assert.Equal(t, events.EventConversationEscalated, captured[0].Type)
	payload, ok := captured[0].Payload.(events.ConversationEscalatedPayload)
	require.True(t, ok)
	assert.Equal(t, domain.PriorityUrgent, payload.To)
}

func TestEngine_HighKeywordRaisesOnlyBelowHigh(t *testing.T) {
	repo := newMemConversations()
	seedConversation(repo, "conv-low", "cust-1", domain.PriorityLow)
	seedConversation(repo, "conv-high", "cust-2", domain.PriorityHigh)
	eng, _, _ := newTestEngine(repo)
	ctx := context.Background()

	applied, err := eng.Evaluate(ctx, "conv-low", MessageTrigger("checkout is broken"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.PriorityHigh, repo.priority("conv-low"))

	applied, err = eng.Evaluate(ctx, "conv-high", MessageTrigger("still broken, please fix asap"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.PriorityHigh, repo.priority("conv-high"))
	assert.Empty(t, repo.historyFor("conv-high"))
}

func TestEngine_FirstMatchingRuleWins(t *testing.T) {
	repo := newMemConversations()
	seedConversation(repo, "conv-1", "cust-1", domain.PriorityLow)
	eng, _, _ := newTestEngine(repo)

	applied, err := eng.Evaluate(context.Background(), "conv-1", MessageTrigger("emergency, the site is broken"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.PriorityUrgent, repo.priority("conv-1"), "urgent rule outranks high rule")
	require.Len(t, repo.historyFor("conv-1"), 1)
}

func TestEngine_AutomaticChangesNeverLower(t *testing.T) {
	repo := newMemConversations()
	seedConversation(repo, "conv-1", "cust-1", domain.PriorityUrgent)
	eng, disp, _ := newTestEngine(repo)
	ctx := context.Background()

	for _, text := range []string{"urgent again", "it is broken", "hello"} {
		applied, err := eng.Evaluate(ctx, "conv-1", MessageTrigger(text))
		require.NoError(t, err)
		assert.False(t, applied)
	}

	assert.Equal(t, domain.PriorityUrgent, repo.priority("conv-1"))
	assert.Empty(t, repo.historyFor("conv-1"))
	assert.Empty(t, disp.captured())
}

func TestEngine_VIPAtMediumGoesToHigh(t *testing.T) {
	repo := newMemConversations()
	seedConversation(repo, "conv-vip", "vip-1", domain.PriorityMedium)
	seedConversation(repo, "conv-vip-low", "vip-1", domain.PriorityLow)
	eng, _, _ := newTestEngine(repo)
	ctx := context.Background()

	applied, err := eng.Evaluate(ctx, "conv-vip", MessageTrigger("any update on my case?"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.PriorityHigh, repo.priority("conv-vip"))
	history := repo.historyFor("conv-vip")
	require.Len(t, history, 1)
	assert.Equal(t, domain.TriggerVIP, history[0].TriggeredBy)

	// The VIP rule is specific to medium; low stays put.
	applied, err = eng.Evaluate(ctx, "conv-vip-low", MessageTrigger("any update?"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.PriorityLow, repo.priority("conv-vip-low"))
}

func TestEngine_ScanBumpsStaleAssignedOneLevel(t *testing.T) {
	repo := newMemConversations()
	eng, _, clk := newTestEngine(repo)

	assignedAt := clk.Now().Add(-2 * time.Hour)
	agent := "agent-1"
	for id, prio := range map[string]domain.Priority{
		"conv-low":    domain.PriorityLow,
		"conv-medium": domain.PriorityMedium,
		"conv-high":   domain.PriorityHigh,
	} {
		repo.rows[id] = &domain.Conversation{
			ID:              id,
			CustomerID:      "cust-" + id,
			Status:          domain.ConversationStatusAssigned,
			AssignedAgentID: &agent,
			AssignedAt:      &assignedAt,
			Priority:        prio,
		}
	}

	applied, err := eng.ScanStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	assert.Equal(t, domain.PriorityMedium, repo.priority("conv-low"))
	assert.Equal(t, domain.PriorityHigh, repo.priority("conv-medium"))
	assert.Equal(t, domain.PriorityHigh, repo.priority("conv-high"), "wait bumps cap at high")

	history := repo.historyFor("conv-low")
	require.Len(t, history, 1)
	assert.Equal(t, domain.TriggerWaitTime, history[0].TriggeredBy)
}

func TestEngine_ScanSkipsFreshAssignments(t *testing.T) {
	repo := newMemConversations()
	eng, _, clk := newTestEngine(repo)

	assignedAt := clk.Now().Add(-10 * time.Minute)
	agent := "agent-1"
	repo.rows["conv-fresh"] = &domain.Conversation{
		ID:              "conv-fresh",
		CustomerID:      "cust-1",
		Status:          domain.ConversationStatusAssigned,
		AssignedAgentID: &agent,
		AssignedAt:      &assignedAt,
		Priority:        domain.PriorityLow,
	}

	applied, err := eng.ScanStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Equal(t, domain.PriorityLow, repo.priority("conv-fresh"))
}

func TestEngine_ManualOverrideCanLower(t *testing.T) {
	repo := newMemConversations()
	seedConversation(repo, "conv-1", "cust-1", domain.PriorityUrgent)
	eng, disp, _ := newTestEngine(repo)

	agentID := "agent-7"
	actor := events.Actor{Type: domain.ActorAgent, ID: &agentID}
	conv, err := eng.SetPriority(context.Background(), "conv-1", domain.PriorityLow, actor, "false alarm")
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityLow, conv.Priority)
	assert.Equal(t, domain.PriorityLow, repo.priority("conv-1"))

	history := repo.historyFor("conv-1")
	require.Len(t, history, 1)
	assert.Equal(t, domain.PriorityUrgent, history[0].From)
	assert.Equal(t, domain.PriorityLow, history[0].To)
	assert.Equal(t, domain.TriggerAgent, history[0].TriggeredBy)
	assert.Equal(t, "false alarm", history[0].Reason)

	captured := disp.captured()
	require.Len(t, captured, 1)
	require.NotNil(t, captured[0].Actor.ID)
	assert.Equal(t, "agent-7", *captured[0].Actor.ID)
}

func TestEngine_ManualOverrideRejectsUnknownLevel(t *testing.T) {
	repo := newMemConversations()
	seedConversation(repo, "conv-1", "cust-1", domain.PriorityLow)
	eng, _, _ := newTestEngine(repo)

	agentID := "agent-7"
	actor := events.Actor{Type: domain.ActorAgent, ID: &agentID}
	_, err := eng.SetPriority(context.Background(), "conv-1", domain.Priority("critical"), actor, "typo")
	require.Error(t, err)
	assert.Equal(t, domain.PriorityLow, repo.priority("conv-1"))
}

func TestEngine_ConcurrentEvaluationsApplyOnce(t *testing.T) {
	repo := newMemConversations()
	seedConversation(repo, "conv-1", "cust-1", domain.PriorityMedium)
	eng, _, _ := newTestEngine(repo)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := eng.Evaluate(context.Background(), "conv-1", MessageTrigger("urgent: double charge"))
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, domain.PriorityUrgent, repo.priority("conv-1"))
	assert.Len(t, repo.historyFor("conv-1"), 1, "racing evaluations must not double-apply")
}

func TestEngine_LostRaceRereadsAndApplies(t *testing.T) {
	repo := newMemConversations()
	seedConversation(repo, "conv-1", "cust-1", domain.PriorityMedium)
	repo.casFailures = 1
	eng, _, _ := newTestEngine(repo)

	applied, err := eng.Evaluate(context.Background(), "conv-1", MessageTrigger("urgent"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.PriorityUrgent, repo.priority("conv-1"))
	assert.Equal(t, 2, repo.casCalls)
}

func TestEngine_BoundedConflictRetriesEndInNoop(t *testing.T) {
	repo := newMemConversations()
	seedConversation(repo, "conv-1", "cust-1", domain.PriorityMedium)
	repo.casFailures = maxCASAttempts
	eng, _, _ := newTestEngine(repo)

	applied, err := eng.Evaluate(context.Background(), "conv-1", MessageTrigger("urgent"))
	require.NoError(t, err, "exhausted retries degrade to a warned no-op")
	assert.False(t, applied)
	assert.Equal(t, domain.PriorityMedium, repo.priority("conv-1"))
	assert.Empty(t, repo.historyFor("conv-1"))
}
