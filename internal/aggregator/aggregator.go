// Package aggregator coalesces rapid-fire messages from one sender into
// a single logical turn. Each sender has at most one pending turn; every
// new message restarts that sender's debounce timer, and the turn is
// handed downstream only once the sender has gone quiet for the full
// window.
package aggregator

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/clock"
	"github.com/spec-kit/conversation-service/internal/observability"
)

// Message is one raw inbound message inside a turn.
type Message struct {
	Text     string
	SourceID string
	At       time.Time
}

// Turn is the combined unit a flush produces. Messages keep arrival
// order.
type Turn struct {
	SenderID string
	Messages []Message
}

// CombinedText joins the non-blank bodies in arrival order.
func (t Turn) CombinedText() string {
	parts := make([]string, 0, len(t.Messages))
	for _, msg := range t.Messages {
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		parts = append(parts, msg.Text)
	}
	return strings.Join(parts, "\n\n")
}

// SourceIDs lists the raw message ids that formed the turn.
func (t Turn) SourceIDs() []string {
	ids := make([]string, 0, len(t.Messages))
	for _, msg := range t.Messages {
		ids = append(ids, msg.SourceID)
	}
	return ids
}

// FlushFunc receives a completed turn. It runs outside the aggregator
// lock, so different senders flush in parallel.
type FlushFunc func(turn Turn)

type pendingTurn struct {
	senderID string
	messages []Message
	timer    clock.Timer
	gen      uint64
}

// Aggregator buffers messages per sender and debounces the flush.
type Aggregator struct {
	mu      sync.Mutex
	pending map[string]*pendingTurn
	stopped bool

	window  time.Duration
	clk     clock.Clock
	flush   FlushFunc
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New builds an Aggregator flushing after window of sender silence.
func New(window time.Duration, clk clock.Clock, flush FlushFunc, logger *zap.Logger, metrics *observability.Metrics) *Aggregator {
	return &Aggregator{
		pending: make(map[string]*pendingTurn),
		window:  window,
		clk:     clk,
		flush:   flush,
		logger:  logger.With(zap.String("component", "aggregator")),
		metrics: metrics,
	}
}

// Enqueue appends the message to the sender's pending turn, creating it
// if absent, and replaces any previously scheduled flush for that sender
// with a fresh timer. Append and reschedule happen under one lock, so a
// timer firing concurrently can neither lose this message nor flush the
// turn twice.
func (a *Aggregator) Enqueue(senderID, text, sourceID string) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		a.logger.Warn("enqueue after stop, dropping message",
			zap.String("sender_id", senderID),
			zap.String("source_id", sourceID))
		return
	}

	turn, ok := a.pending[senderID]
	if !ok {
		turn = &pendingTurn{senderID: senderID}
		a.pending[senderID] = turn
	}
	turn.messages = append(turn.messages, Message{
		Text:     text,
		SourceID: sourceID,
		At:       a.clk.Now(),
	})

	if turn.timer != nil {
		turn.timer.Stop()
	}
	turn.gen++
	gen := turn.gen
	turn.timer = a.clk.AfterFunc(a.window, func() {
		a.onTimer(senderID, gen)
	})
	a.mu.Unlock()
}

// onTimer fires when a debounce window elapses. The generation check
// discards timers that were superseded by a newer enqueue.
func (a *Aggregator) onTimer(senderID string, gen uint64) {
	a.mu.Lock()
	turn, ok := a.pending[senderID]
	if !ok || turn.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.pending, senderID)
	a.mu.Unlock()

	a.deliver(turn)
}

func (a *Aggregator) deliver(turn *pendingTurn) {
	a.metrics.Inc(observability.CounterTurnsFlushed)
	a.logger.Debug("turn flushed",
		zap.String("sender_id", turn.senderID),
		zap.Int("messages", len(turn.messages)))
	a.flush(Turn{SenderID: turn.senderID, Messages: turn.messages})
}

// PendingSenders reports how many senders have a buffered turn.
func (a *Aggregator) PendingSenders() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Drain flushes every buffered turn immediately and stops accepting new
// messages. Used on graceful shutdown so buffered messages are not lost.
func (a *Aggregator) Drain() {
	a.mu.Lock()
	a.stopped = true
	turns := make([]*pendingTurn, 0, len(a.pending))
	for sender, turn := range a.pending {
		if turn.timer != nil {
			turn.timer.Stop()
		}
		turns = append(turns, turn)
		delete(a.pending, sender)
	}
	a.mu.Unlock()

	for _, turn := range turns {
		a.deliver(turn)
	}
}

// Stop cancels all pending timers without flushing and drops buffered
// turns. Shutdown paths that must not lose messages use Drain instead.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for sender, turn := range a.pending {
		if turn.timer != nil {
			turn.timer.Stop()
		}
		delete(a.pending, sender)
	}
}
