package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/config"
	"github.com/spec-kit/conversation-service/pkg/util"
)

const (
	runPollInterval = 500 * time.Millisecond

	summarizeInstructions = "Summarize the conversation so far for a support handover: " +
		"the customer's issue, relevant order or account details, what has been tried, " +
		"and any commitments made. Plain text, no preamble."
)

// OpenAIAssistant implements Assistant on the OpenAI Assistants API.
// Each thread handle is an OpenAI thread id.
type OpenAIAssistant struct {
	client       *openai.Client
	assistantID  string
	model        string
	executor     ToolExecutor
	logger       *zap.Logger
	pollInterval time.Duration
}

// NewOpenAIAssistant builds the client. The executor handles tool calls
// the assistant raises mid-run.
func NewOpenAIAssistant(cfg config.AssistantConfig, executor ToolExecutor, logger *zap.Logger) (*OpenAIAssistant, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if cfg.AssistantID == "" {
		return nil, errors.New("OpenAI assistant id is required")
	}
	return &OpenAIAssistant{
		client:       openai.NewClient(cfg.APIKey),
		assistantID:  cfg.AssistantID,
		model:        cfg.Model,
		executor:     executor,
		logger:       logger.With(zap.String("component", "assistant")),
		pollInterval: runPollInterval,
	}, nil
}

func (a *OpenAIAssistant) CreateThread(ctx context.Context) (string, error) {
	thread, err := a.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", util.NewTransientError("create assistant thread", err)
	}
	return thread.ID, nil
}

func (a *OpenAIAssistant) AddContext(ctx context.Context, threadHandle, text string) error {
	_, err := a.client.CreateMessage(ctx, threadHandle, openai.MessageRequest{
		Role:    "user",
		Content: text,
	})
	if err != nil {
		return util.NewTransientError("seed assistant thread", err)
	}
	return nil
}

func (a *OpenAIAssistant) Send(ctx context.Context, threadHandle, userID, text string) (Reply, error) {
	if _, err := a.client.CreateMessage(ctx, threadHandle, openai.MessageRequest{
		Role:    "user",
		Content: text,
	}); err != nil {
		return Reply{}, util.NewTransientError("append user message", err)
	}

	run, err := a.client.CreateRun(ctx, threadHandle, openai.RunRequest{
		AssistantID: a.assistantID,
		Model:       a.model,
		Tools:       toolDefinitions(),
	})
	if err != nil {
		return Reply{}, util.NewTransientError("start assistant run", err)
	}

	executed, err := a.waitForRun(ctx, threadHandle, run.ID, userID, true)
	if err != nil {
		return Reply{}, err
	}

	replyText, err := a.latestAssistantMessage(ctx, threadHandle)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: replyText, ToolCalls: executed}, nil
}

func (a *OpenAIAssistant) Summarize(ctx context.Context, threadHandle string) (string, error) {
	run, err := a.client.CreateRun(ctx, threadHandle, openai.RunRequest{
		AssistantID:  a.assistantID,
		Model:        a.model,
		Instructions: summarizeInstructions,
	})
	if err != nil {
		return "", util.NewTransientError("start summary run", err)
	}
	if _, err := a.waitForRun(ctx, threadHandle, run.ID, "", false); err != nil {
		return "", err
	}
	return a.latestAssistantMessage(ctx, threadHandle)
}

// waitForRun polls until the run completes, feeding tool calls through
// the executor when the run asks for them. A rejected or failed tool
// call reports an error output back to the run instead of aborting it.
func (a *OpenAIAssistant) waitForRun(ctx context.Context, threadID, runID, userID string, allowTools bool) ([]ToolCall, error) {
	var executed []ToolCall
	for {
		run, err := a.client.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			return nil, util.NewTransientError("poll assistant run", err)
		}

		switch run.Status {
		case openai.RunStatusCompleted:
			return executed, nil

		case openai.RunStatusRequiresAction:
			if !allowTools || run.RequiredAction == nil || run.RequiredAction.SubmitToolOutputs == nil {
				return nil, util.NewTransientError("assistant requested tools in a tool-free run", nil)
			}
			outputs := make([]openai.ToolOutput, 0, len(run.RequiredAction.SubmitToolOutputs.ToolCalls))
			for _, tc := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
				call, perr := ParseToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)
				if perr != nil {
					a.logger.Warn("rejected assistant tool call",
						zap.String("tool", tc.Function.Name),
						zap.Error(perr))
					outputs = append(outputs, openai.ToolOutput{ToolCallID: tc.ID, Output: `{"error":"invalid tool call"}`})
					continue
				}
				out, execErr := a.executor.Execute(ctx, userID, call)
				if execErr != nil {
					a.logger.Warn("tool execution failed",
						zap.String("tool", string(call.Name)),
						zap.Error(execErr))
					out = `{"error":"tool execution failed"}`
				} else {
					executed = append(executed, call)
				}
				outputs = append(outputs, openai.ToolOutput{ToolCallID: tc.ID, Output: out})
			}
			if _, err := a.client.SubmitToolOutputs(ctx, threadID, runID, openai.SubmitToolOutputsRequest{
				ToolOutputs: outputs,
			}); err != nil {
				return nil, util.NewTransientError("submit tool outputs", err)
			}

		case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
			select {
			case <-ctx.Done():
				return nil, util.NewTransientError("assistant run timed out", ctx.Err())
			case <-time.After(a.pollInterval):
			}

		default:
			var cause error
			if run.LastError != nil {
				cause = fmt.Errorf("%s: %s", run.LastError.Code, run.LastError.Message)
			}
			return nil, util.NewTransientError(fmt.Sprintf("assistant run ended with status %s", run.Status), cause)
		}
	}
}

func (a *OpenAIAssistant) latestAssistantMessage(ctx context.Context, threadID string) (string, error) {
	limit := 1
	order := "desc"
	list, err := a.client.ListMessage(ctx, threadID, &limit, &order, nil, nil)
	if err != nil {
		return "", util.NewTransientError("fetch assistant reply", err)
	}
	if len(list.Messages) == 0 {
		return "", util.NewTransientError("assistant produced no reply", nil)
	}

	var parts []string
	for _, content := range list.Messages[0].Content {
		if content.Text != nil && content.Text.Value != "" {
			parts = append(parts, content.Text.Value)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func toolDefinitions() []openai.Tool {
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        string(ToolCreateTicket),
				Description: "Create a support ticket for the customer, or reopen their recent one for the same issue.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"subject":     map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"priority": map[string]any{
							"type": "string",
							"enum": []string{"low", "medium", "high", "urgent"},
						},
					},
					"required": []string{"subject"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        string(ToolSetPriority),
				Description: "Override the conversation priority when the customer's situation clearly warrants it.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"level": map[string]any{
							"type": "string",
							"enum": []string{"low", "medium", "high", "urgent"},
						},
						"reason": map[string]any{"type": "string"},
					},
					"required": []string{"level", "reason"},
				},
			},
		},
	}
}
