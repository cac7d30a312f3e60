package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// natsDispatcher publishes events onto NATS subjects so out-of-process
// consumers (notification fan-out, agent consoles) can listen. Core
// semantics stay fire-and-forget: a failed publish is logged, not
// propagated.
type natsDispatcher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSDispatcher connects to the given NATS URL. Subjects are
// "<prefix>.<event type>", e.g. "support.ticket.created".
func NewNATSDispatcher(url, prefix string, logger *zap.Logger) (Dispatcher, error) {
	conn, err := nats.Connect(url, nats.Name("conversation-service"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &natsDispatcher{conn: conn, prefix: prefix, logger: logger}, nil
}

func (d *natsDispatcher) subject(t EventType) string {
	return d.prefix + "." + string(t)
}

// Publish marshals the event and fires it at the subject for its type.
func (d *natsDispatcher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		d.logger.Warn("event marshal failed",
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return nil
	}
	if err := d.conn.Publish(d.subject(event.Type), data); err != nil {
		d.logger.Warn("event publish failed",
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
	return nil
}

// Subscribe attaches an in-process handler to the subject for eventType.
func (d *natsDispatcher) Subscribe(eventType EventType, handler EventHandler) {
	_, err := d.conn.Subscribe(d.subject(eventType), func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			d.logger.Warn("event decode failed",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if err := handler(context.Background(), event); err != nil {
			d.logger.Warn("event handler failed",
				zap.String("subject", msg.Subject),
				zap.Error(err))
		}
	})
	if err != nil {
		d.logger.Error("event subscribe failed",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

// Close drains the connection.
func (d *natsDispatcher) Close() {
	if d.conn != nil {
		_ = d.conn.Drain()
	}
}
