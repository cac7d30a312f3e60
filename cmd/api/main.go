package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/ai"
	httptransport "github.com/spec-kit/conversation-service/internal/api/http"
	"github.com/spec-kit/conversation-service/internal/api/http/handlers"
	"github.com/spec-kit/conversation-service/internal/channel"
	"github.com/spec-kit/conversation-service/internal/clock"
	"github.com/spec-kit/conversation-service/internal/config"
	"github.com/spec-kit/conversation-service/internal/dedup"
	"github.com/spec-kit/conversation-service/internal/escalation"
	"github.com/spec-kit/conversation-service/internal/events"
	"github.com/spec-kit/conversation-service/internal/observability"
	"github.com/spec-kit/conversation-service/internal/persistence"
	"github.com/spec-kit/conversation-service/internal/repository"
	"github.com/spec-kit/conversation-service/internal/router"
	"github.com/spec-kit/conversation-service/internal/service"
	"github.com/spec-kit/conversation-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	rdb := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer rdb.Close()

	var dispatcher events.Dispatcher
	if cfg.Events.Backend == "nats" {
		dispatcher, err = events.NewNATSDispatcher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			logger.Fatal("failed to connect nats", zap.Error(err))
		}
	} else {
		dispatcher = events.NewInMemoryDispatcher()
	}

	metrics := observability.NewMetrics()
	clk := clock.System()

	pool := pg.PoolHandle()
	conversationRepo := repository.NewConversationRepository(pool)
	messageRepo := repository.NewConversationMessageRepository(pool)
	ticketRepo := repository.NewTicketRepository(pool)
	historyRepo := repository.NewTicketHistoryRepository(pool)
	counterRepo := repository.NewCounterRepository(pool)
	bindingRepo := repository.NewThreadBindingRepository(pool)

	admitter := dedup.NewAdmitter(
		dedup.NewRedisStore(rdb.Client),
		cfg.Orchestrator.DedupRetention(),
		logger, metrics)

	outbound := channel.NewWebhookDispatcher(cfg.Channel, logger)
	agentRelay := channel.NewRelay(cfg.Channel, logger)

	ticketService := service.NewTicketService(cfg.Ticket, service.TicketDependencies{
		TicketRepo:  ticketRepo,
		HistoryRepo: historyRepo,
		CounterRepo: counterRepo,
		Dispatcher:  dispatcher,
		Clock:       clk,
		Logger:      logger,
		Metrics:     metrics,
	})

	escalationEngine := escalation.NewEngine(cfg.Escalation, escalation.Dependencies{
		Conversations: conversationRepo,
		Dispatcher:    dispatcher,
		Clock:         clk,
		Logger:        logger,
		Metrics:       metrics,
	})

	toolExecutor := service.NewAssistantToolExecutor(ticketService, escalationEngine, conversationRepo, logger)

	assistant, err := ai.NewOpenAIAssistant(cfg.Assistant, toolExecutor, logger)
	if err != nil {
		logger.Fatal("failed to init assistant", zap.Error(err))
	}

	contextManager := ai.NewManager(cfg.Assistant, ai.ManagerDependencies{
		Assistant: assistant,
		Bindings:  bindingRepo,
		Trim:      ai.NewSummarizeAndContinue(cfg.Assistant.TrimAfterTurns, cfg.Assistant.TrimAfterAge()),
		Clock:     clk,
		Logger:    logger,
		Metrics:   metrics,
	})

	turnRouter := router.New(conversationRepo, agentRelay, service.AssistantResponder{Manager: contextManager}, logger)

	conversationService := service.NewConversationService(cfg.Orchestrator, service.ConversationDependencies{
		ConversationRepo: conversationRepo,
		MessageRepo:      messageRepo,
		Admitter:         admitter,
		Router:           turnRouter,
		Escalator:        escalationEngine,
		Tickets:          ticketService,
		Outbound:         outbound,
		Dispatcher:       dispatcher,
		Clock:            clk,
		Logger:           logger,
		Metrics:          metrics,
	})

	assignmentService := service.NewAssignmentService(service.AssignmentDependencies{
		ConversationRepo: conversationRepo,
		Dispatcher:       dispatcher,
		Clock:            clk,
		Logger:           logger,
	})

	notificationService := service.NewNotificationService(dispatcher, logger)
	notificationService.RegisterHandlers()

	escalationWorker := worker.NewEscalationWorker(cfg.Orchestrator, escalationEngine, logger)
	escalationWorker.Start()

	app := fiber.New()
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	healthHandler := handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, rdb)
	metricsHandler := handlers.NewMetricsHandler(metrics)
	webhookHandler := handlers.NewWebhookHandler(conversationService, logger)
	conversationsHandler := handlers.NewConversationsHandler(
		assignmentService, conversationService, escalationEngine, contextManager)
	ticketsHandler := handlers.NewTicketsHandler(ticketService)

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:        healthHandler,
		Metrics:       metricsHandler,
		Webhooks:      webhookHandler,
		Conversations: conversationsHandler,
		Tickets:       ticketsHandler,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	// Stop intake first so buffered turns flush before the server and
	// event backends go away.
	escalationWorker.Stop()
	conversationService.Drain()
	_ = app.Shutdown()
	if c, ok := dispatcher.(interface{ Close() }); ok {
		c.Close()
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
