package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/clock"
	"github.com/spec-kit/conversation-service/internal/config"
	"github.com/spec-kit/conversation-service/internal/domain"
	"github.com/spec-kit/conversation-service/internal/events"
	"github.com/spec-kit/conversation-service/internal/observability"
	"github.com/spec-kit/conversation-service/internal/repository"
	"github.com/spec-kit/conversation-service/pkg/util"
)

// maxReopenAttempts bounds re-reads after a lost reopen race.
const maxReopenAttempts = 3

// TicketService owns the ticket lifecycle: issuing, reopening, status
// transitions and the escalated flag.
type TicketService struct {
	tickets    repository.TicketRepository
	history    repository.TicketHistoryRepository
	counters   repository.CounterRepository
	dispatcher events.Dispatcher
	clk        clock.Clock
	logger     *zap.Logger
	metrics    *observability.Metrics
	cfg        config.TicketConfig
}

// TicketDependencies bundles collaborators.
type TicketDependencies struct {
	TicketRepo  repository.TicketRepository
	HistoryRepo repository.TicketHistoryRepository
	CounterRepo repository.CounterRepository
	Dispatcher  events.Dispatcher
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// NewTicketService constructs the service.
func NewTicketService(cfg config.TicketConfig, deps TicketDependencies) *TicketService {
	return &TicketService{
		tickets:    deps.TicketRepo,
		history:    deps.HistoryRepo,
		counters:   deps.CounterRepo,
		dispatcher: deps.Dispatcher,
		clk:        deps.Clock,
		logger:     deps.Logger.With(zap.String("component", "ticket_service")),
		metrics:    deps.Metrics,
		cfg:        cfg,
	}
}

// CreateOrReopenResult reports how a customer report was filed.
type CreateOrReopenResult struct {
	Ticket   *domain.Ticket
	Reopened bool
}

// CreateOrReopen files a report for the customer. A recently resolved
// ticket inside the reopen window with reopen budget left is reopened;
// otherwise a new ticket is issued under a fresh sequential ID. The
// reopen is a compare-and-set on the reopen count; a lost race re-reads
// and re-decides a bounded number of times before falling back to a new
// ticket.
func (s *TicketService) CreateOrReopen(ctx context.Context, customerID string, draft domain.TicketDraft, actor domain.ActorType, actorID *string) (*CreateOrReopenResult, error) {
	if customerID == "" {
		return nil, util.NewValidationError("customer id is required", nil)
	}
	if strings.TrimSpace(draft.Subject) == "" {
		return nil, util.NewValidationError("ticket subject is required", nil)
	}
	priority := draft.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if !priority.Valid() {
		return nil, util.NewValidationError("unknown priority level", map[string]any{"priority": string(priority)})
	}

	for attempt := 0; attempt < maxReopenAttempts; attempt++ {
		latest, err := s.tickets.LatestResolvedByCustomer(ctx, customerID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				break
			}
			return nil, util.NewPersistenceError("look up resolved tickets", err)
		}

		now := s.clk.Now()
		if latest.ResolvedAt == nil ||
			now.Sub(*latest.ResolvedAt) > s.cfg.ReopenWindow() ||
			latest.ReopenCount >= s.cfg.MaxReopenCount {
			break
		}

		ok, err := s.tickets.ReopenCAS(ctx, latest.ID, latest.ReopenCount, now)
		if err != nil {
			return nil, util.NewPersistenceError("reopen ticket", err)
		}
		if !ok {
			continue
		}

		oldStatus := latest.Status
		latest.Status = domain.TicketStatusInProgress
		latest.ReopenCount++
		latest.ResolvedAt = nil
		latest.ClosedAt = nil
		latest.UpdatedAt = now

		s.recordHistory(ctx, latest.ID, actor, actorID, domain.ChangeTypeReopened,
			map[string]any{"status": oldStatus, "reopen_count": latest.ReopenCount - 1},
			map[string]any{"status": latest.Status, "reopen_count": latest.ReopenCount})
		s.metrics.Inc(observability.CounterTicketsReopened)
		s.logger.Info("reopened ticket",
			zap.String("ticket_id", latest.ID),
			zap.String("customer_id", customerID),
			zap.Int("reopen_count", latest.ReopenCount))
		s.publishEvent(ctx, events.Event{
			Type:      events.EventTicketReopened,
			SubjectID: latest.ID,
			Actor:     events.Actor{Type: actor, ID: actorID},
			Payload: events.TicketReopenedPayload{
				TicketID:    latest.ID,
				CustomerID:  customerID,
				ReopenCount: latest.ReopenCount,
			},
		})
		return &CreateOrReopenResult{Ticket: latest, Reopened: true}, nil
	}

	ticket, err := s.issueTicket(ctx, customerID, draft, priority, actor, actorID)
	if err != nil {
		return nil, err
	}
	return &CreateOrReopenResult{Ticket: ticket, Reopened: false}, nil
}

func (s *TicketService) issueTicket(ctx context.Context, customerID string, draft domain.TicketDraft, priority domain.Priority, actor domain.ActorType, actorID *string) (*domain.Ticket, error) {
	now := s.clk.Now()
	id, err := s.allocateID(ctx, now)
	if err != nil {
		return nil, err
	}

	ticket := &domain.Ticket{
		ID:          id,
		CustomerID:  customerID,
		Subject:     strings.TrimSpace(draft.Subject),
		Description: draft.Description,
		Status:      domain.TicketStatusNew,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.tickets.Create(ctx, ticket); err != nil {
		return nil, util.NewPersistenceError("create ticket", err)
	}

	s.recordHistory(ctx, ticket.ID, actor, actorID, domain.ChangeTypeStatus,
		nil,
		map[string]any{"status": ticket.Status})
	s.metrics.Inc(observability.CounterTicketsCreated)
	s.logger.Info("issued ticket",
		zap.String("ticket_id", ticket.ID),
		zap.String("customer_id", customerID),
		zap.String("priority", string(priority)))
	s.publishEvent(ctx, events.Event{
		Type:      events.EventTicketCreated,
		SubjectID: ticket.ID,
		Actor:     events.Actor{Type: actor, ID: actorID},
		Payload: events.TicketCreatedPayload{
			TicketID:   ticket.ID,
			CustomerID: customerID,
			Priority:   priority,
			Subject:    ticket.Subject,
		},
	})
	return ticket, nil
}

// allocateID draws the next number from the year-scoped counter and
// formats it as PREFIX-YYYY-NNNNNN. The counter increment is atomic, so
// concurrent issuances in one year get unique contiguous numbers.
func (s *TicketService) allocateID(ctx context.Context, now time.Time) (string, error) {
	year := now.Year()
	n, err := s.counters.Next(ctx, strconv.Itoa(year))
	if err != nil {
		return "", util.NewPersistenceError("allocate ticket number", err)
	}
	return fmt.Sprintf("%s-%d-%06d", s.cfg.IDPrefix, year, n), nil
}

// GetTicket returns a ticket with its audit trail.
func (s *TicketService) GetTicket(ctx context.Context, ticketID string) (*domain.Ticket, []domain.TicketHistory, error) {
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
		}
		return nil, nil, util.NewPersistenceError("load ticket", err)
	}
	trail, err := s.history.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, nil, util.NewPersistenceError("load ticket history", err)
	}
	return ticket, trail, nil
}

// ListCustomerTickets pages through a customer's tickets, newest first.
func (s *TicketService) ListCustomerTickets(ctx context.Context, customerID string, limit, offset int) ([]domain.Ticket, error) {
	tickets, err := s.tickets.ListByCustomer(ctx, customerID, limit, offset)
	if err != nil {
		return nil, util.NewPersistenceError("list tickets", err)
	}
	return tickets, nil
}

// ChangeStatus moves a ticket along the lifecycle. Setting the current
// status again is a no-op; anything off the transition table is
// rejected. Reopening resolved or closed tickets goes through
// CreateOrReopen, not here.
func (s *TicketService) ChangeStatus(ctx context.Context, ticketID string, next domain.TicketStatus, actor domain.ActorType, actorID *string, comment string) (*domain.Ticket, error) {
	if _, known := allowedTransitions[next]; !known {
		return nil, util.NewValidationError("unknown ticket status", map[string]any{"status": string(next)})
	}

	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
		}
		return nil, util.NewPersistenceError("load ticket", err)
	}
	if ticket.Status == next {
		return ticket, nil
	}
	if !isValidTransition(ticket.Status, next) {
		return nil, util.NewValidationError("illegal status transition", map[string]any{
			"from": string(ticket.Status),
			"to":   string(next),
		})
	}

	now := s.clk.Now()
	oldStatus := ticket.Status
	ticket.Status = next
	ticket.UpdatedAt = now
	switch next {
	case domain.TicketStatusResolved:
		ticket.ResolvedAt = &now
	case domain.TicketStatusClosed:
		ticket.ClosedAt = &now
	}

	if err := s.tickets.Update(ctx, ticket); err != nil {
		return nil, util.NewPersistenceError("update ticket", err)
	}
	s.recordHistory(ctx, ticket.ID, actor, actorID, domain.ChangeTypeStatus,
		map[string]any{"status": oldStatus},
		map[string]any{"status": next, "comment": comment})
	s.logger.Info("ticket status changed",
		zap.String("ticket_id", ticket.ID),
		zap.String("from", string(oldStatus)),
		zap.String("to", string(next)))
	return ticket, nil
}

// ReactivateOnReply flips the customer's pending_customer tickets back
// to in_progress. Called when an inbound turn arrives; reports how many
// tickets woke up.
func (s *TicketService) ReactivateOnReply(ctx context.Context, customerID string) (int, error) {
	pending, err := s.tickets.ListByCustomerAndStatus(ctx, customerID, domain.TicketStatusPendingCustomer)
	if err != nil {
		return 0, util.NewPersistenceError("list pending tickets", err)
	}

	woken := 0
	for i := range pending {
		ticket := &pending[i]
		now := s.clk.Now()
		oldStatus := ticket.Status
		ticket.Status = domain.TicketStatusInProgress
		ticket.UpdatedAt = now
		if err := s.tickets.Update(ctx, ticket); err != nil {
			s.logger.Warn("could not reactivate ticket",
				zap.String("ticket_id", ticket.ID),
				zap.Error(err))
			continue
		}
		s.recordHistory(ctx, ticket.ID, domain.ActorCustomer, &customerID, domain.ChangeTypeStatus,
			map[string]any{"status": oldStatus},
			map[string]any{"status": ticket.Status, "comment": "customer replied"})
		woken++
	}
	if woken > 0 {
		s.logger.Info("reactivated tickets on customer reply",
			zap.String("customer_id", customerID),
			zap.Int("count", woken))
	}
	return woken, nil
}

// FlagEscalated sets or clears the escalated marker without touching
// the lifecycle state.
func (s *TicketService) FlagEscalated(ctx context.Context, ticketID string, escalated bool, actor domain.ActorType, actorID *string) (*domain.Ticket, error) {
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
		}
		return nil, util.NewPersistenceError("load ticket", err)
	}
	if ticket.Escalated == escalated {
		return ticket, nil
	}

	ticket.Escalated = escalated
	ticket.UpdatedAt = s.clk.Now()
	if err := s.tickets.Update(ctx, ticket); err != nil {
		return nil, util.NewPersistenceError("update ticket", err)
	}
	s.recordHistory(ctx, ticket.ID, actor, actorID, domain.ChangeTypeEscalated,
		map[string]any{"escalated": !escalated},
		map[string]any{"escalated": escalated})
	return ticket, nil
}

var allowedTransitions = map[domain.TicketStatus][]domain.TicketStatus{
	domain.TicketStatusNew:             {domain.TicketStatusOpen},
	domain.TicketStatusOpen:            {domain.TicketStatusInProgress},
	domain.TicketStatusInProgress:      {domain.TicketStatusPendingCustomer, domain.TicketStatusResolved},
	domain.TicketStatusPendingCustomer: {domain.TicketStatusInProgress},
	domain.TicketStatusResolved:        {domain.TicketStatusClosed},
	domain.TicketStatusClosed:          {},
}

func isValidTransition(current, next domain.TicketStatus) bool {
	for _, candidate := range allowedTransitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}

// recordHistory appends an audit entry. The primary write has already
// landed, so failures here only warn.
func (s *TicketService) recordHistory(ctx context.Context, ticketID string, actorType domain.ActorType, actorID *string, changeType domain.TicketChangeType, oldValue, newValue map[string]any) {
	if s.history == nil {
		return
	}
	entry := &domain.TicketHistory{
		ID:         uuid.NewString(),
		TicketID:   ticketID,
		ActorType:  actorType,
		ActorID:    actorID,
		ChangeType: changeType,
		OldValue:   oldValue,
		NewValue:   newValue,
		CreatedAt:  s.clk.Now(),
	}
	if err := s.history.Create(ctx, entry); err != nil {
		s.logger.Warn("could not record ticket history",
			zap.String("ticket_id", ticketID),
			zap.Error(err))
	}
}

func (s *TicketService) publishEvent(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clk.Now()
	}
	_ = s.dispatcher.Publish(ctx, event)
}
