package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/config"
)

// StaleScanner runs one sweep over assigned conversations and reports
// how many escalations it applied.
type StaleScanner interface {
	ScanStale(ctx context.Context) (int, error)
}

// EscalationWorker drives the periodic sweep so conversations waiting
// on an agent past the threshold get bumped even while the customer
// stays silent.
type EscalationWorker struct {
	scanner  StaleScanner
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewEscalationWorker builds the worker on the orchestrator's scan
// interval.
func NewEscalationWorker(cfg config.OrchestratorConfig, scanner StaleScanner, logger *zap.Logger) *EscalationWorker {
	return &EscalationWorker{
		scanner:  scanner,
		interval: cfg.ScanInterval(),
		logger:   logger.With(zap.String("component", "escalation_worker")),
	}
}

// Start launches the scan loop. Call Stop to end it.
func (w *EscalationWorker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx)
	w.logger.Info("escalation scan started", zap.Duration("interval", w.interval))
}

func (w *EscalationWorker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			applied, err := w.scanner.ScanStale(ctx)
			if err != nil {
				w.logger.Warn("periodic scan failed", zap.Error(err))
				continue
			}
			if applied > 0 {
				w.logger.Info("periodic scan escalated conversations",
					zap.Int("applied", applied))
			}
		}
	}
}

// Stop ends the loop and waits for any in-flight sweep to finish.
func (w *EscalationWorker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}
