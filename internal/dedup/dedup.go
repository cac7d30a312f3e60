// Package dedup rejects redelivered inbound events. The chat channel
// delivers at least once, so the same message id can arrive any number
// of times; only the first admission within the retention window wins.
package dedup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/observability"
)

// Admitter answers whether a message id is being seen for the first time.
type Admitter struct {
	store   Store
	ttl     time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewAdmitter builds an Admitter remembering ids for ttl.
func NewAdmitter(store Store, ttl time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Admitter {
	return &Admitter{
		store:   store,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "dedup")),
		metrics: metrics,
	}
}

// Admit returns true the first time an id is seen within the retention
// window, false on any repeat. A store failure admits the message: a
// duplicate downstream is preferable to a silently dropped message.
func (a *Admitter) Admit(ctx context.Context, messageID string) bool {
	inserted, err := a.store.PutIfAbsent(ctx, messageID, a.ttl)
	if err != nil {
		a.logger.Warn("dedup store unavailable, admitting message",
			zap.String("message_id", messageID),
			zap.Error(err))
		return true
	}
	if !inserted {
		a.metrics.Inc(observability.CounterDuplicatesRejected)
		a.logger.Debug("duplicate message rejected",
			zap.String("message_id", messageID))
		return false
	}
	return true
}
