package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-service/internal/ai"
	"github.com/spec-kit/conversation-service/internal/api/dto"
	"github.com/spec-kit/conversation-service/internal/domain"
	"github.com/spec-kit/conversation-service/internal/escalation"
	"github.com/spec-kit/conversation-service/internal/events"
	"github.com/spec-kit/conversation-service/internal/service"
	"github.com/spec-kit/conversation-service/pkg/util"
)

// ConversationsHandler manages conversation endpoints: inspection,
// agent takeover, the manual priority override and assistant context
// resets.
type ConversationsHandler struct {
	assignments   *service.AssignmentService
	conversations *service.ConversationService
	escalator     *escalation.Engine
	contexts      *ai.Manager
}

// NewConversationsHandler constructs handler.
func NewConversationsHandler(
	assignments *service.AssignmentService,
	conversations *service.ConversationService,
	escalator *escalation.Engine,
	contexts *ai.Manager,
) *ConversationsHandler {
	return &ConversationsHandler{
		assignments:   assignments,
		conversations: conversations,
		escalator:     escalator,
		contexts:      contexts,
	}
}

// GetConversation GET /conversations/:id.
func (h *ConversationsHandler) GetConversation(c *fiber.Ctx) error {
	conv, history, err := h.assignments.GetConversation(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": conversationDetail(conv, history)})
}

// GetByCustomer GET /customers/:customerId/conversation.
func (h *ConversationsHandler) GetByCustomer(c *fiber.Ctx) error {
	conv, err := h.assignments.GetByCustomer(c.UserContext(), c.Params("customerId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": conversationResponse(conv)})
}

// ListMessages GET /conversations/:id/messages.
func (h *ConversationsHandler) ListMessages(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	msgs, err := h.conversations.Messages(c.UserContext(), c.Params("id"), limit, offset)
	if err != nil {
		return err
	}
	items := make([]dto.ConversationMessageResponse, 0, len(msgs))
	for i := range msgs {
		items = append(items, messageResponse(&msgs[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// Assign POST /conversations/:id/assign. A null agent_id releases the
// conversation back to the assistant.
func (h *ConversationsHandler) Assign(c *fiber.Ctx) error {
	var req dto.AssignAgentRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}

	var (
		conv *domain.Conversation
		err  error
	)
	if req.AgentID == nil || strings.TrimSpace(*req.AgentID) == "" {
		conv, err = h.assignments.Unassign(c.UserContext(), c.Params("id"))
	} else {
		conv, err = h.assignments.AssignAgent(c.UserContext(), c.Params("id"), *req.AgentID)
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": conversationResponse(conv)})
}

// SetAIEnabled POST /conversations/:id/ai.
func (h *ConversationsHandler) SetAIEnabled(c *fiber.Ctx) error {
	var req dto.SetAIEnabledRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	conv, err := h.assignments.SetAIEnabled(c.UserContext(), c.Params("id"), req.Enabled)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": conversationResponse(conv)})
}

// SetPriority POST /conversations/:id/priority. The manual override:
// unlike automatic escalation it may lower priority.
func (h *ConversationsHandler) SetPriority(c *fiber.Ctx) error {
	var req dto.SetPriorityRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.AgentID) == "" {
		return util.NewValidationError("agent_id is required", nil)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return util.NewValidationError("reason is required", nil)
	}

	agentID := req.AgentID
	actor := events.Actor{Type: domain.ActorAgent, ID: &agentID}
	conv, err := h.escalator.SetPriority(c.UserContext(), c.Params("id"), req.Level, actor, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": conversationResponse(conv)})
}

// ClearContext POST /conversations/:id/context/clear. Drops the
// assistant thread binding so the next turn starts fresh.
func (h *ConversationsHandler) ClearContext(c *fiber.Ctx) error {
	conv, _, err := h.assignments.GetConversation(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if err := h.contexts.Clear(c.UserContext(), conv.CustomerID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"cleared": true}})
}

// ClearAllContexts POST /ai/context/clear-all.
func (h *ConversationsHandler) ClearAllContexts(c *fiber.Ctx) error {
	if err := h.contexts.ClearAll(c.UserContext()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"cleared": true}})
}

func conversationResponse(conv *domain.Conversation) dto.ConversationResponse {
	return dto.ConversationResponse{
		ID:              conv.ID,
		CustomerID:      conv.CustomerID,
		AssignedAgentID: conv.AssignedAgentID,
		AssignedAt:      conv.AssignedAt,
		IsAIEnabled:     conv.IsAIEnabled,
		Status:          conv.Status,
		Priority:        conv.Priority,
		LastMessageAt:   conv.LastMessageAt,
		MessageCount:    conv.MessageCount,
		CreatedAt:       conv.CreatedAt,
		UpdatedAt:       conv.UpdatedAt,
	}
}

func conversationDetail(conv *domain.Conversation, history []domain.PriorityChange) dto.ConversationDetailResponse {
	changes := make([]dto.PriorityChangeResponse, 0, len(history))
	for _, ch := range history {
		changes = append(changes, dto.PriorityChangeResponse{
			From:        ch.From,
			To:          ch.To,
			Reason:      ch.Reason,
			TriggeredBy: ch.TriggeredBy,
			At:          ch.At,
		})
	}
	return dto.ConversationDetailResponse{
		Conversation:    conversationResponse(conv),
		PriorityHistory: changes,
	}
}

func messageResponse(msg *domain.ConversationMessage) dto.ConversationMessageResponse {
	return dto.ConversationMessageResponse{
		ID:              msg.ID,
		AuthorType:      msg.AuthorType,
		Body:            msg.Body,
		SourceMessageID: msg.SourceMessageID,
		CreatedAt:       msg.CreatedAt,
	}
}
