package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/ai"
	"github.com/spec-kit/conversation-service/internal/domain"
	"github.com/spec-kit/conversation-service/internal/events"
	"github.com/spec-kit/conversation-service/pkg/util"
)

type filedTicket struct {
	customerID string
	draft      domain.TicketDraft
	actor      domain.ActorType
}

type stubFiler struct {
	calls  []filedTicket
	result *CreateOrReopenResult
	err    error
}

func (f *stubFiler) CreateOrReopen(ctx context.Context, customerID string, draft domain.TicketDraft, actor domain.ActorType, actorID *string) (*CreateOrReopenResult, error) {
	f.calls = append(f.calls, filedTicket{customerID: customerID, draft: draft, actor: actor})
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type overrideCall struct {
	conversationID string
	level          domain.Priority
	actor          events.Actor
	reason         string
}

type stubOverrider struct {
	calls []overrideCall
	conv  *domain.Conversation
	err   error
}

func (o *stubOverrider) SetPriority(ctx context.Context, conversationID string, level domain.Priority, actor events.Actor, reason string) (*domain.Conversation, error) {
	o.calls = append(o.calls, overrideCall{conversationID: conversationID, level: level, actor: actor, reason: reason})
	if o.err != nil {
		return nil, o.err
	}
	if o.conv != nil {
		cp := *o.conv
		cp.Priority = level
		return &cp, nil
	}
	return &domain.Conversation{ID: conversationID, Priority: level}, nil
}

func TestAssistantToolExecutor_CreateTicket(t *testing.T) {
	filer := &stubFiler{result: &CreateOrReopenResult{
		Ticket:   &domain.Ticket{ID: "TKT-2026-000042", Status: domain.TicketStatusNew},
		Reopened: false,
	}}
	exec := NewAssistantToolExecutor(filer, &stubOverrider{}, newMemConvStore(), zap.NewNop())

	call := ai.ToolCall{
		ID:   "call-1",
		Name: ai.ToolCreateTicket,
		CreateTicket: &ai.CreateTicketArgs{
			Subject:     "Login broken",
			Description: "Token rejected since this morning",
			Priority:    domain.PriorityHigh,
		},
	}
	out, err := exec.Execute(context.Background(), "cust-1", call)
	require.NoError(t, err)

	require.Len(t, filer.calls, 1)
	assert.Equal(t, "cust-1", filer.calls[0].customerID)
	assert.Equal(t, "Login broken", filer.calls[0].draft.Subject)
	assert.Equal(t, domain.ActorAssistant, filer.calls[0].actor)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "TKT-2026-000042", payload["ticket_id"])
	assert.Equal(t, false, payload["reopened"])
}

func TestAssistantToolExecutor_CreateTicketReportsReopen(t *testing.T) {
	filer := &stubFiler{result: &CreateOrReopenResult{
		Ticket:   &domain.Ticket{ID: "TKT-2026-000007", Status: domain.TicketStatusInProgress, ReopenCount: 2},
		Reopened: true,
	}}
	exec := NewAssistantToolExecutor(filer, &stubOverrider{}, newMemConvStore(), zap.NewNop())

	call := ai.ToolCall{
		ID:           "call-1",
		Name:         ai.ToolCreateTicket,
		CreateTicket: &ai.CreateTicketArgs{Subject: "Same issue again"},
	}
	out, err := exec.Execute(context.Background(), "cust-1", call)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, true, payload["reopened"])
	assert.Equal(t, float64(2), payload["reopen_count"])
}

func TestAssistantToolExecutor_SetPriorityResolvesConversation(t *testing.T) {
	store := newMemConvStore()
	seedOpenConversation(store, "conv-9", "cust-1")
	overrider := &stubOverrider{}
	exec := NewAssistantToolExecutor(&stubFiler{}, overrider, store, zap.NewNop())

	call := ai.ToolCall{
		ID:   "call-2",
		Name: ai.ToolSetPriority,
		SetPriority: &ai.SetPriorityArgs{
			Level:  domain.PriorityHigh,
			Reason: "customer reports an outage",
		},
	}
	out, err := exec.Execute(context.Background(), "cust-1", call)
	require.NoError(t, err)

	require.Len(t, overrider.calls, 1)
	assert.Equal(t, "conv-9", overrider.calls[0].conversationID)
	assert.Equal(t, domain.PriorityHigh, overrider.calls[0].level)
	assert.Equal(t, domain.ActorAssistant, overrider.calls[0].actor.Type)
	assert.Equal(t, "customer reports an outage", overrider.calls[0].reason)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "conv-9", payload["conversation_id"])
	assert.Equal(t, "high", payload["priority"])
}

func TestAssistantToolExecutor_SetPriorityWithoutConversation(t *testing.T) {
	exec := NewAssistantToolExecutor(&stubFiler{}, &stubOverrider{}, newMemConvStore(), zap.NewNop())

	call := ai.ToolCall{
		ID:          "call-3",
		Name:        ai.ToolSetPriority,
		SetPriority: &ai.SetPriorityArgs{Level: domain.PriorityLow, Reason: "x"},
	}
	_, err := exec.Execute(context.Background(), "cust-unknown", call)
	require.Error(t, err)
	assert.True(t, util.IsNotFound(err))
}

func TestAssistantToolExecutor_RejectsUnknownTool(t *testing.T) {
	exec := NewAssistantToolExecutor(&stubFiler{}, &stubOverrider{}, newMemConvStore(), zap.NewNop())

	_, err := exec.Execute(context.Background(), "cust-1", ai.ToolCall{ID: "call-4", Name: ai.ToolName("delete_account")})
	require.Error(t, err)
	assert.True(t, util.IsValidation(err))
}
