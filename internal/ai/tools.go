package ai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spec-kit/conversation-service/internal/domain"
	"github.com/spec-kit/conversation-service/pkg/util"
)

// ToolName enumerates the closed set of tools the assistant may call.
// Anything outside this set is rejected before it reaches business code.
type ToolName string

const (
	ToolCreateTicket ToolName = "create_ticket"
	ToolSetPriority  ToolName = "set_priority"
)

// CreateTicketArgs asks for a support ticket on the customer's behalf.
type CreateTicketArgs struct {
	Subject     string          `json:"subject"`
	Description string          `json:"description"`
	Priority    domain.Priority `json:"priority,omitempty"`
}

// SetPriorityArgs asks for a conversation priority override.
type SetPriorityArgs struct {
	Level  domain.Priority `json:"level"`
	Reason string          `json:"reason"`
}

// ToolCall is one validated tool invocation. Exactly the field matching
// Name is non-nil.
type ToolCall struct {
	ID           string
	Name         ToolName
	CreateTicket *CreateTicketArgs
	SetPriority  *SetPriorityArgs
}

// ParseToolCall validates raw JSON arguments into a typed call.
func ParseToolCall(id, name, rawArgs string) (ToolCall, error) {
	switch ToolName(name) {
	case ToolCreateTicket:
		var args CreateTicketArgs
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return ToolCall{}, util.NewValidationError("malformed create_ticket arguments", map[string]any{"cause": err.Error()})
		}
		if strings.TrimSpace(args.Subject) == "" {
			return ToolCall{}, util.NewValidationError("create_ticket requires a subject", nil)
		}
		if args.Priority != "" && !args.Priority.Valid() {
			return ToolCall{}, util.NewValidationError("create_ticket priority is not a known level", map[string]any{"priority": string(args.Priority)})
		}
		return ToolCall{ID: id, Name: ToolCreateTicket, CreateTicket: &args}, nil

	case ToolSetPriority:
		var args SetPriorityArgs
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return ToolCall{}, util.NewValidationError("malformed set_priority arguments", map[string]any{"cause": err.Error()})
		}
		if !args.Level.Valid() {
			return ToolCall{}, util.NewValidationError("set_priority level is not a known level", map[string]any{"level": string(args.Level)})
		}
		return ToolCall{ID: id, Name: ToolSetPriority, SetPriority: &args}, nil

	default:
		return ToolCall{}, util.NewValidationError("unknown tool", map[string]any{"tool": name})
	}
}

// ToolExecutor performs a validated tool call for the given user and
// returns the output text handed back to the assistant.
type ToolExecutor interface {
	Execute(ctx context.Context, userID string, call ToolCall) (string, error)
}

// ToolExecutorFunc adapts a function to ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, userID string, call ToolCall) (string, error)

func (f ToolExecutorFunc) Execute(ctx context.Context, userID string, call ToolCall) (string, error) {
	return f(ctx, userID, call)
}
