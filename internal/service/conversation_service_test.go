package service

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/spec-kit/conversation-service/internal/escalation"
	"github.com/spec-kit/conversation-service/internal/events"
	"github.com/spec-kit/conversation-service/internal/observability"
	"github.com/spec-kit/conversation-service/internal/repository"
	"github.com/spec-kit/conversation-service/internal/router"
	"github.com/spec-kit/conversation-service/pkg/util"
)

type recordTurnCall struct {
	conversationID string
	delta          int
}

type memConvStore struct {
	mu                sync.Mutex
	rows              map[string]*domain.Conversation
	byCustomer        map[string]string
	turnCalls         []recordTurnCall
	creates           int
	duplicateOnCreate *domain.Conversation
}

func newMemConvStore() *memConvStore {
	return &memConvStore{
		rows:       make(map[string]*domain.Conversation),
		byCustomer: make(map[string]string),
	}
}

func (r *memConvStore) Create(ctx context.Context, conv *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.duplicateOnCreate != nil {
		winner := r.duplicateOnCreate
		r.duplicateOnCreate = nil
		r.rows[winner.ID] = winner
		r.byCustomer[winner.CustomerID] = winner.ID
		return repository.ErrDuplicateConversation
	}
	r.creates++
	cp := *conv
	r.rows[conv.ID] = &cp
	r.byCustomer[conv.CustomerID] = conv.ID
	return nil
}

func (r *memConvStore) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.rows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *conv
	return &cp, nil
}

func (r *memConvStore) GetByCustomer(ctx context.Context, customerID string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCustomer[customerID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *r.rows[id]
	return &cp, nil
}

func (r *memConvStore) RecordTurn(ctx context.Context, id string, at time.Time, messageDelta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnCalls = append(r.turnCalls, recordTurnCall{conversationID: id, delta: messageDelta})
	if conv, ok := r.rows[id]; ok {
		conv.LastMessageAt = at
		conv.MessageCount += messageDelta
	}
	return nil
}

func (r *memConvStore) UpdateAssignment(ctx context.Context, id string, agentID *string, assignedAt *time.Time, status domain.ConversationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.rows[id]; ok {
		conv.AssignedAgentID = agentID
		conv.AssignedAt = assignedAt
		conv.Status = status
	}
	return nil
}

func (r *memConvStore) SetAIEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.rows[id]; ok {
		conv.IsAIEnabled = enabled
	}
	return nil
}

func (r *memConvStore) UpdatePriorityCAS(ctx context.Context, id string, expected, target domain.Priority) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.rows[id]
	if !ok || conv.Priority != expected {
		return false, nil
	}
	conv.Priority = target
	return true, nil
}

func (r *memConvStore) SetPriority(ctx context.Context, id string, target domain.Priority) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.rows[id]; ok {
		conv.Priority = target
	}
	return nil
}

func (r *memConvStore) ListStaleAssigned(ctx context.Context, assignedBefore time.Time) ([]domain.Conversation, error) {
	return nil, nil
}

func (r *memConvStore) AppendPriorityChange(ctx context.Context, change *domain.PriorityChange) error {
	return nil
}

func (r *memConvStore) ListPriorityHistory(ctx context.Context, conversationID string) ([]domain.PriorityChange, error) {
	return nil, nil
}

func (r *memConvStore) forCustomer(customerID string) *domain.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCustomer[customerID]
	if !ok {
		return nil
	}
	cp := *r.rows[id]
	return &cp
}

type memMessageStore struct {
	mu   sync.Mutex
	rows []domain.ConversationMessage
}

func (r *memMessageStore) Create(ctx context.Context, msg *domain.ConversationMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, *msg)
	return nil
}

func (r *memMessageStore) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]domain.ConversationMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ConversationMessage
	for _, m := range r.rows {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memMessageStore) byAuthor(author domain.ActorType) []domain.ConversationMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ConversationMessage
	for _, m := range r.rows {
		if m.AuthorType == author {
			out = append(out, m)
		}
	}
	return out
}

type stubAdmitter struct {
	mu    sync.Mutex
	seen  map[string]bool
	calls []string
}

func newStubAdmitter() *stubAdmitter {
	return &stubAdmitter{seen: make(map[string]bool)}
}

func (a *stubAdmitter) Admit(ctx context.Context, messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, messageID)
	if a.seen[messageID] {
		return false
	}
	a.seen[messageID] = true
	return true
}

type routeCall struct {
	conversationID string
	combined       string
}

type stubTurnRouter struct {
	mu     sync.Mutex
	calls  []routeCall
	result router.Result
	err    error
}

func (r *stubTurnRouter) Route(ctx context.Context, conversationID, combinedText string) (router.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, routeCall{conversationID: conversationID, combined: combinedText})
	return r.result, r.err
}

func (r *stubTurnRouter) routed() []routeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]routeCall(nil), r.calls...)
}

type evaluateCall struct {
	conversationID string
	trig           escalation.Trigger
}

type stubEscalator struct {
	mu    sync.Mutex
	calls []evaluateCall
	err   error
}

func (e *stubEscalator) Evaluate(ctx context.Context, conversationID string, trig escalation.Trigger) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, evaluateCall{conversationID: conversationID, trig: trig})
	return false, e.err
}

type stubReactivator struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubReactivator) ReactivateOnReply(ctx context.Context, customerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, customerID)
	return 0, nil
}

type outboundSend struct {
	recipientID string
	text        string
}

type captureOutbound struct {
	mu    sync.Mutex
	sends []outboundSend
	errs  []error
}

func (o *captureOutbound) Send(ctx context.Context, recipientID, text string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sends = append(o.sends, outboundSend{recipientID: recipientID, text: text})
	if len(o.errs) > 0 {
		err := o.errs[0]
		o.errs = o.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("delivery-%d", len(o.sends)), nil
}

func (o *captureOutbound) sent() []outboundSend {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]outboundSend(nil), o.sends...)
}

type convFixture struct {
	svc   *ConversationService
	store *memConvStore
	msgs  *memMessageStore
	admit *stubAdmitter
	route *stubTurnRouter
	esc   *stubEscalator
	react *stubReactivator
	out   *captureOutbound
	disp  *captureDispatcher
	clk   *clock.Fake
	cfg   config.OrchestratorConfig
}

func newConvFixture() *convFixture {
	f := &convFixture{
		store: newMemConvStore(),
		msgs:  &memMessageStore{},
		admit: newStubAdmitter(),
		route: &stubTurnRouter{result: router.Result{Outcome: router.OutcomeAI, Reply: "On it."}},
		esc:   &stubEscalator{},
		react: &stubReactivator{},
		out:   &captureOutbound{},
		disp:  &captureDispatcher{},
		clk:   clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.cfg = config.OrchestratorConfig{
		DebounceWindowMS:     5000,
		DedupRetentionMin:    60,
		ScanIntervalSec:      300,
		DispatchRetries:      2,
		DispatchRetryDelayMS: 1,
		ApologyMessage:       "Sorry, something went wrong on our side. An agent will get back to you shortly.",
	}
	f.svc = NewConversationService(f.cfg, ConversationDependencies{
		ConversationRepo: f.store,
		MessageRepo:      f.msgs,
		Admitter:         f.admit,
		Router:           f.route,
		Escalator:        f.esc,
		Tickets:          f.react,
		Outbound:         f.out,
		Dispatcher:       f.disp,
		Clock:            f.clk,
		Logger:           zap.NewNop(),
		Metrics:          observability.NewMetrics(),
	})
	return f
}

func inboundMsg(sender, id, text string) domain.InboundMessage {
	return domain.InboundMessage{SenderID: sender, MessageID: id, Text: text}
}

func TestConversationService_BurstFlushesAsOneTurn(t *testing.T) {
	f := newConvFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "My login fails")))
	f.clk.Advance(2 * time.Second)
	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-2", "It says invalid token")))
	f.clk.Advance(2 * time.Second)
	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-3", "Tried twice already")))

	// Each message restarted the window; nothing may flush before the
	// sender has been quiet for the full window.
	f.clk.Advance(4 * time.Second)
	assert.Empty(t, f.route.routed())

	f.clk.Advance(1 * time.Second)
	calls := f.route.routed()
	require.Len(t, calls, 1)
	assert.Equal(t, "My login fails\n\nIt says invalid token\n\nTried twice already", calls[0].combined)

	conv := f.store.forCustomer("cust-1")
	require.NotNil(t, conv)
	assert.Equal(t, 1, f.store.creates, "one burst must open exactly one conversation")
	assert.Equal(t, calls[0].conversationID, conv.ID)
	assert.Equal(t, 3, conv.MessageCount)

	archived := f.msgs.byAuthor(domain.ActorCustomer)
	require.Len(t, archived, 3)
	for i, want := range []string{"m-1", "m-2", "m-3"} {
		require.NotNil(t, archived[i].SourceMessageID)
		assert.Equal(t, want, *archived[i].SourceMessageID)
	}

	flushed := f.disp.byType(events.EventTurnFlushed)
	require.Len(t, flushed, 1)
	payload, ok := flushed[0].Payload.(events.TurnFlushedPayload)
	require.True(t, ok)
	assert.Equal(t, 3, payload.MessageCount)
	assert.Equal(t, conv.ID, payload.ConversationID)
}

func TestConversationService_DuplicateDeliveriesDropped(t *testing.T) {
	f := newConvFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "first")))
	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "first")))
	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-2", "second")))

	f.clk.Advance(5 * time.Second)

	calls := f.route.routed()
	require.Len(t, calls, 1)
	assert.Equal(t, "first\n\nsecond", calls[0].combined)
	assert.Len(t, f.admit.calls, 3)
}

func TestConversationService_MalformedEventAckedAndDropped(t *testing.T) {
	f := newConvFixture()
	ctx := context.Background()

	err := f.svc.HandleInbound(ctx, inboundMsg("", "m-1", "no sender"))
	require.NoError(t, err, "malformed events are dropped, not refused")
	err = f.svc.HandleInbound(ctx, inboundMsg("cust-1", "", "no id"))
	require.NoError(t, err)

	f.clk.Advance(5 * time.Second)
	assert.Empty(t, f.route.routed())
	assert.Empty(t, f.admit.calls, "validation runs before dedup")
}

func TestConversationService_BlankTurnNeverRoutes(t *testing.T) {
	f := newConvFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "   ")))
	f.clk.Advance(5 * time.Second)

	assert.Empty(t, f.route.routed())
	assert.Empty(t, f.out.sent())
	assert.Empty(t, f.msgs.byAuthor(domain.ActorCustomer))
}

func TestConversationService_AgentOwnedTurnSkipsOutbound(t *testing.T) {
	f := newConvFixture()
	f.route.result = router.Result{Outcome: router.OutcomeAgent}
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "talk to a human please")))
	f.clk.Advance(5 * time.Second)

	require.Len(t, f.route.routed(), 1)
	assert.Empty(t, f.out.sent(), "agent-owned turns produce no automated reply")
	assert.Empty(t, f.msgs.byAuthor(domain.ActorAssistant))
}

func TestConversationService_AssistantReplyDeliveredAndArchived(t *testing.T) {
	f := newConvFixture()
	f.route.result = router.Result{Outcome: router.OutcomeAI, Reply: "Try resetting your token."}
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "login broken")))
	f.clk.Advance(5 * time.Second)

	sends := f.out.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "cust-1", sends[0].recipientID)
	assert.Equal(t, "Try resetting your token.", sends[0].text)

	replies := f.msgs.byAuthor(domain.ActorAssistant)
	require.Len(t, replies, 1)
	assert.Equal(t, "Try resetting your token.", replies[0].Body)
}

func TestConversationService_TransientRouteFailureSendsApology(t *testing.T) {
	f := newConvFixture()
	f.route.err = util.NewTransientError("assistant run timed out", nil)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "anyone there?")))
	f.clk.Advance(5 * time.Second)

	sends := f.out.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, f.cfg.ApologyMessage, sends[0].text)
	assert.Empty(t, f.msgs.byAuthor(domain.ActorAssistant))
}

func TestConversationService_UnexpectedRouteFailureStaysQuiet(t *testing.T) {
	f := newConvFixture()
	f.route.err = errors.New("relay refused the turn")
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "hello")))
	f.clk.Advance(5 * time.Second)

	assert.Empty(t, f.out.sent())
}

func TestConversationService_ReplyDeliveryRetriesTransientFailures(t *testing.T) {
	f := newConvFixture()
	f.out.errs = []error{util.NewTransientError("endpoint returned 503", nil), nil}
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "hi")))
	f.clk.Advance(5 * time.Second)

	assert.Len(t, f.out.sent(), 2)
	assert.Len(t, f.msgs.byAuthor(domain.ActorAssistant), 1)
}

func TestConversationService_ReplyDeliveryGivesUpAfterBudget(t *testing.T) {
	f := newConvFixture()
	f.out.errs = []error{
		util.NewTransientError("endpoint returned 503", nil),
		util.NewTransientError("endpoint returned 503", nil),
		util.NewTransientError("endpoint returned 503", nil),
	}
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "hi")))
	f.clk.Advance(5 * time.Second)

	assert.Len(t, f.out.sent(), 3, "initial attempt plus configured retries")
	assert.Empty(t, f.msgs.byAuthor(domain.ActorAssistant), "undelivered replies are not archived")
}

func TestConversationService_EveryTurnFeedsEscalationAndTickets(t *testing.T) {
	f := newConvFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "this is urgent")))
	f.clk.Advance(5 * time.Second)

	conv := f.store.forCustomer("cust-1")
	require.NotNil(t, conv)

	require.Len(t, f.esc.calls, 1)
	assert.Equal(t, conv.ID, f.esc.calls[0].conversationID)
	assert.Equal(t, escalation.MessageTrigger("this is urgent"), f.esc.calls[0].trig)

	require.Len(t, f.react.calls, 1)
	assert.Equal(t, "cust-1", f.react.calls[0])
}

func TestConversationService_EscalationFailureDoesNotBlockRouting(t *testing.T) {
	f := newConvFixture()
	f.esc.err = util.NewPersistenceError("conversation store unavailable", nil)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "still waiting")))
	f.clk.Advance(5 * time.Second)

	require.Len(t, f.route.routed(), 1)
	assert.Len(t, f.out.sent(), 1)
}

func TestConversationService_LostCreateRaceUsesWinnerRow(t *testing.T) {
	f := newConvFixture()
	now := f.clk.Now()
	f.store.duplicateOnCreate = &domain.Conversation{
		ID:          "conv-winner",
		CustomerID:  "cust-1",
		Status:      domain.ConversationStatusOpen,
		Priority:    domain.PriorityLow,
		IsAIEnabled: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "hello")))
	f.clk.Advance(5 * time.Second)

	calls := f.route.routed()
	require.Len(t, calls, 1)
	assert.Equal(t, "conv-winner", calls[0].conversationID)
	assert.Equal(t, 0, f.store.creates, "loser of the create race must not insert a second row")
}

func TestConversationService_DrainFlushesBufferedTurns(t *testing.T) {
	f := newConvFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "about to shut down")))
	require.Equal(t, 1, f.svc.PendingTurns())

	f.svc.Drain()

	require.Len(t, f.route.routed(), 1)
	assert.Equal(t, 0, f.svc.PendingTurns())
}

func TestConversationService_SendersFlushIndependently(t *testing.T) {
	f := newConvFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-1", "m-1", "first sender")))
	f.clk.Advance(3 * time.Second)
	require.NoError(t, f.svc.HandleInbound(ctx, inboundMsg("cust-2", "m-2", "second sender")))

	// cust-1 has been quiet for its full window; cust-2 has not.
	f.clk.Advance(2 * time.Second)
	calls := f.route.routed()
	require.Len(t, calls, 1)
	assert.Equal(t, "first sender", calls[0].combined)

	f.clk.Advance(3 * time.Second)
	calls = f.route.routed()
	require.Len(t, calls, 2)
	assert.Equal(t, "second sender", calls[1].combined)
}
