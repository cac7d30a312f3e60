package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-service/internal/api/http/handlers"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health        *handlers.HealthHandler
	Metrics       *handlers.MetricsHandler
	Webhooks      *handlers.WebhookHandler
	Conversations *handlers.ConversationsHandler
	Tickets       *handlers.TicketsHandler
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics/summary", cfg.Metrics.Summary)

	app.Post("/webhooks/messages", cfg.Webhooks.ReceiveMessage)

	conversations := app.Group("/conversations")
	conversations.Get("/:id", cfg.Conversations.GetConversation)
	conversations.Get("/:id/messages", cfg.Conversations.ListMessages)
	conversations.Post("/:id/assign", cfg.Conversations.Assign)
	conversations.Post("/:id/ai", cfg.Conversations.SetAIEnabled)
	conversations.Post("/:id/priority", cfg.Conversations.SetPriority)
	conversations.Post("/:id/context/clear", cfg.Conversations.ClearContext)
	app.Post("/ai/context/clear-all", cfg.Conversations.ClearAllContexts)

	tickets := app.Group("/tickets")
	tickets.Post("/", cfg.Tickets.CreateTicket)
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Post("/:id/status", cfg.Tickets.ChangeStatus)
	tickets.Post("/:id/escalate", cfg.Tickets.FlagEscalated)

	customers := app.Group("/customers")
	customers.Get("/:customerId/conversation", cfg.Conversations.GetByCustomer)
	customers.Get("/:customerId/tickets", cfg.Tickets.ListCustomerTickets)
}
