package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/api/dto"
	"github.com/spec-kit/conversation-service/internal/domain"
)

// InboundReceiver accepts raw channel events.
type InboundReceiver interface {
	HandleInbound(ctx context.Context, msg domain.InboundMessage) error
}

// WebhookHandler is the chat channel's delivery endpoint. The channel
// retries anything it does not see acknowledged, so this handler
// accepts everything it can parse and lets the pipeline drop or
// deduplicate internally; even unparseable bodies are acked to stop
// pointless redelivery.
type WebhookHandler struct {
	pipeline InboundReceiver
	logger   *zap.Logger
}

// NewWebhookHandler constructs handler.
func NewWebhookHandler(pipeline InboundReceiver, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		pipeline: pipeline,
		logger:   logger.With(zap.String("component", "webhook_handler")),
	}
}

// ReceiveMessage POST /webhooks/messages.
func (h *WebhookHandler) ReceiveMessage(c *fiber.Ctx) error {
	var req dto.InboundMessageRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warn("unparseable webhook body, acking anyway",
			zap.Error(err))
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
	}

	msg := domain.InboundMessage{
		SenderID:   req.SenderID,
		MessageID:  req.MessageID,
		Text:       req.Text,
		ReceivedAt: req.ReceivedAt,
	}
	if err := h.pipeline.HandleInbound(c.UserContext(), msg); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}
