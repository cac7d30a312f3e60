package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/config"
	"github.com/spec-kit/conversation-service/pkg/util"
)

// Relay forwards a flushed turn to the agent console webhook. What the
// console does with it is opaque to this service. With no URL
// configured, deliveries land in the log.
type Relay struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewRelay builds the relay from channel config.
func NewRelay(cfg config.ChannelConfig, logger *zap.Logger) *Relay {
	return &Relay{
		url:    cfg.AgentWebhookURL,
		client: &http.Client{Timeout: cfg.SendTimeout()},
		logger: logger.With(zap.String("component", "agent_relay")),
	}
}

type agentPayload struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

func (r *Relay) DeliverToAgent(ctx context.Context, conversationID, text string) error {
	if r.url == "" {
		r.logger.Info("agent delivery (no webhook configured)",
			zap.String("conversation_id", conversationID),
			zap.String("preview", preview(text)))
		return nil
	}

	body, err := json.Marshal(agentPayload{ConversationID: conversationID, Text: text})
	if err != nil {
		return util.NewInternalError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return util.NewInternalError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return util.NewTransientError("deliver turn to agent", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return util.NewTransientError(fmt.Sprintf("agent webhook returned %d", resp.StatusCode), nil)
	}
	return nil
}
