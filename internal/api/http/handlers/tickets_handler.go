package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-service/internal/api/dto"
	"github.com/spec-kit/conversation-service/internal/domain"
	"github.com/spec-kit/conversation-service/internal/service"
	"github.com/spec-kit/conversation-service/pkg/util"
)

// TicketsHandler manages ticket endpoints.
type TicketsHandler struct {
	service *service.TicketService
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(ticketService *service.TicketService) *TicketsHandler {
	return &TicketsHandler{service: ticketService}
}

// CreateTicket POST /tickets. Reopens the customer's most recent
// resolved ticket when it falls inside the reopen window, otherwise
// issues a new one.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	var req dto.CreateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		return util.NewValidationError("customer_id is required", nil)
	}

	actor := domain.ActorCustomer
	if req.AgentID != nil && strings.TrimSpace(*req.AgentID) != "" {
		actor = domain.ActorAgent
	}
	draft := domain.TicketDraft{
		Subject:     req.Subject,
		Description: req.Description,
		Priority:    req.Priority,
	}
	res, err := h.service.CreateOrReopen(c.UserContext(), req.CustomerID, draft, actor, req.AgentID)
	if err != nil {
		return err
	}

	status := fiber.StatusCreated
	if res.Reopened {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{"data": dto.CreateTicketResponse{
		Ticket:   ticketResponse(res.Ticket),
		Reopened: res.Reopened,
	}})
}

// GetTicket GET /tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	ticket, history, err := h.service.GetTicket(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketDetail(ticket, history)})
}

// ListCustomerTickets GET /customers/:customerId/tickets.
func (h *TicketsHandler) ListCustomerTickets(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	tickets, err := h.service.ListCustomerTickets(c.UserContext(), c.Params("customerId"), limit, offset)
	if err != nil {
		return err
	}
	items := make([]dto.TicketResponse, 0, len(tickets))
	for i := range tickets {
		items = append(items, ticketResponse(&tickets[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// ChangeStatus POST /tickets/:id/status. Only adjacent lifecycle
// transitions are accepted.
func (h *TicketsHandler) ChangeStatus(c *fiber.Ctx) error {
	var req dto.ChangeTicketStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}

	actor := domain.ActorAgent
	if req.AgentID == nil || strings.TrimSpace(*req.AgentID) == "" {
		actor = domain.ActorSystem
	}
	ticket, err := h.service.ChangeStatus(c.UserContext(), c.Params("id"), req.Status, actor, req.AgentID, req.Comment)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// FlagEscalated POST /tickets/:id/escalate. The flag is orthogonal to
// lifecycle status.
func (h *TicketsHandler) FlagEscalated(c *fiber.Ctx) error {
	var req dto.FlagEscalatedRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}

	actor := domain.ActorAgent
	if req.AgentID == nil || strings.TrimSpace(*req.AgentID) == "" {
		actor = domain.ActorSystem
	}
	ticket, err := h.service.FlagEscalated(c.UserContext(), c.Params("id"), req.Escalated, actor, req.AgentID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

func ticketResponse(ticket *domain.Ticket) dto.TicketResponse {
	return dto.TicketResponse{
		ID:          ticket.ID,
		CustomerID:  ticket.CustomerID,
		Subject:     ticket.Subject,
		Description: ticket.Description,
		Status:      ticket.Status,
		Priority:    ticket.Priority,
		Escalated:   ticket.Escalated,
		ReopenCount: ticket.ReopenCount,
		ResolvedAt:  ticket.ResolvedAt,
		ClosedAt:    ticket.ClosedAt,
		CreatedAt:   ticket.CreatedAt,
		UpdatedAt:   ticket.UpdatedAt,
	}
}

func ticketDetail(ticket *domain.Ticket, history []domain.TicketHistory) dto.TicketDetailResponse {
	entries := make([]dto.TicketHistoryResponse, 0, len(history))
	for _, entry := range history {
		entries = append(entries, dto.TicketHistoryResponse{
			ID:         entry.ID,
			ActorType:  entry.ActorType,
			ActorID:    entry.ActorID,
			ChangeType: entry.ChangeType,
			OldValue:   entry.OldValue,
			NewValue:   entry.NewValue,
			CreatedAt:  entry.CreatedAt,
		})
	}
	return dto.TicketDetailResponse{
		Ticket:  ticketResponse(ticket),
		History: entries,
	}
}
