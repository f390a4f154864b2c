package stageflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// MalformedSuffix is appended to a stage's input queue name to derive its
// dead-letter queue.
const MalformedSuffix = "_malformedjson"

// QuarantineRouter isolates payloads a stage cannot interpret so the pipeline
// keeps moving. It declares the per-stage dead-letter queue lazily and copies
// the original payload to it verbatim.
type QuarantineRouter struct {
	inputQueue     string
	queue          string
	logger         zerolog.Logger
	publishTimeout time.Duration
}

// NewQuarantineRouter derives the dead-letter queue name from the stage's
// input queue by the fixed suffix.
func NewQuarantineRouter(inputQueue string, logger zerolog.Logger) *QuarantineRouter {
	queue := inputQueue + MalformedSuffix
	return &QuarantineRouter{
		inputQueue:     inputQueue,
		queue:          queue,
		logger:         logger.With().Str("component", "QuarantineRouter").Str("quarantine_queue", queue).Logger(),
		publishTimeout: 10 * time.Second,
	}
}

// QueueName returns the derived dead-letter queue name.
func (r *QuarantineRouter) QueueName() string {
	return r.queue
}

// Route declares the dead-letter queue and publishes the payload to it,
// byte-for-byte and persistent. On success the caller acks the original
// message; on error the caller nacks it with requeue so the payload is not
// lost.
func (r *QuarantineRouter) Route(ctx context.Context, ch BrokerChannel, payload []byte) error {
	if _, err := ch.QueueDeclare(r.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare quarantine queue %q: %w", r.queue, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	err := ch.PublishWithContext(pubCtx, "", r.queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to quarantine queue %q: %w", r.queue, err)
	}

	r.logger.Debug().Int("payload_size", len(payload)).Msg("Payload copied to quarantine queue.")
	return nil
}
