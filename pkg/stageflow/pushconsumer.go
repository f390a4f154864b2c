package stageflow

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// PushHandler processes one pushed delivery. The handler owns the ack/nack
// decision for the delivery it receives.
type PushHandler func(ctx context.Context, ch BrokerChannel, delivery amqp.Delivery)

// PushConsumer drives a push-based subscription with a prefetch of one, used
// by the terminal delivery stage instead of single-message polling. Like the
// Processor it reconnects with backoff and never lets an error escape the
// loop.
type PushConsumer struct {
	queue      string
	source     ChannelSource
	handler    PushHandler
	logs       *LogSink
	logger     zerolog.Logger
	errorDelay time.Duration
}

// NewPushConsumer validates the wiring and creates a consumer for the queue.
func NewPushConsumer(queue string, source ChannelSource, handler PushHandler, logs *LogSink, logger zerolog.Logger) (*PushConsumer, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if source == nil {
		return nil, fmt.Errorf("channel source cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logs == nil {
		return nil, fmt.Errorf("log sink cannot be nil")
	}
	return &PushConsumer{
		queue:      queue,
		source:     source,
		handler:    handler,
		logs:       logs,
		logger:     logger.With().Str("component", "PushConsumer").Str("queue", queue).Logger(),
		errorDelay: 5 * time.Second,
	}, nil
}

// Run consumes deliveries one at a time until ctx is cancelled, rebuilding the
// subscription whenever the broker drops it.
func (c *PushConsumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("Push consumer starting.")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Push consumer stopping.")
			return ctx.Err()
		default:
		}

		ch, err := c.source.Channel(ctx)
		if err != nil {
			c.logs.Bind(nil)
			c.logs.Emit(LevelError, fmt.Sprintf("broker connection failed: %v", err))
			c.source.Backoff(ctx)
			continue
		}
		c.logs.Bind(ch)

		if err := ch.Qos(1, 0, false); err != nil {
			c.logs.Emit(LevelError, fmt.Sprintf("failed to set prefetch: %v", err))
			c.recover(ctx)
			continue
		}
		deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
		if err != nil {
			c.logs.Emit(LevelError, fmt.Sprintf("failed to start consuming %q: %v", c.queue, err))
			c.recover(ctx)
			continue
		}
		c.logger.Info().Msg("Waiting for messages.")

		c.receive(ctx, ch, deliveries)
	}
}

// receive dispatches deliveries until the stream closes or ctx is cancelled.
func (c *PushConsumer) receive(ctx context.Context, ch BrokerChannel, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logs.Bind(nil)
				c.logs.Emit(LevelError, "consume stream closed by broker; reconnecting")
				c.recover(ctx)
				return
			}
			c.handler(ctx, ch, delivery)
		}
	}
}

// recover tears the connection down and pauses before the next attempt.
func (c *PushConsumer) recover(ctx context.Context) {
	c.source.Discard()
	timer := time.NewTimer(c.errorDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
