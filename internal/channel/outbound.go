// Package channel implements the chat-channel edges: the outbound
// dispatcher that sends replies to customers and the relay that hands
// turns to agent consoles.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/config"
	"github.com/spec-kit/conversation-service/pkg/util"
)

// Dispatcher sends a message back to a customer on the chat channel.
type Dispatcher interface {
	// Send delivers text to the recipient and returns the channel's
	// delivery id.
	Send(ctx context.Context, recipientID, text string) (string, error)
}

// WebhookDispatcher posts replies to the channel's outbound endpoint.
// With no URL configured it logs deliveries instead, which is what
// local development runs on.
type WebhookDispatcher struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookDispatcher builds the dispatcher from channel config.
func NewWebhookDispatcher(cfg config.ChannelConfig, logger *zap.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:    cfg.OutboundURL,
		client: &http.Client{Timeout: cfg.SendTimeout()},
		logger: logger.With(zap.String("component", "outbound")),
	}
}

type outboundPayload struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
}

type outboundResponse struct {
	DeliveryID string `json:"delivery_id"`
}

func (d *WebhookDispatcher) Send(ctx context.Context, recipientID, text string) (string, error) {
	if d.url == "" {
		id := uuid.NewString()
		d.logger.Info("outbound message (no endpoint configured)",
			zap.String("recipient_id", recipientID),
			zap.String("delivery_id", id),
			zap.String("preview", preview(text)))
		return id, nil
	}

	body, err := json.Marshal(outboundPayload{RecipientID: recipientID, Text: text})
	if err != nil {
		return "", util.NewInternalError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return "", util.NewInternalError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", util.NewTransientError("dispatch outbound message", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", util.NewTransientError(fmt.Sprintf("outbound endpoint returned %d", resp.StatusCode), nil)
	}

	var out outboundResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.DeliveryID == "" {
		// Channel acked without an id; synthesize one for correlation.
		return uuid.NewString(), nil
	}
	return out.DeliveryID, nil
}

func preview(text string) string {
	const max = 80
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
