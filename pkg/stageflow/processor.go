package stageflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// StageConfig holds the immutable wiring of one pipeline stage. It is
// constructed once at process start and never mutated.
type StageConfig struct {
	// Name identifies the stage in logs, e.g. "translation".
	Name string
	// InputQueue is polled one message at a time without auto-ack.
	InputQueue string
	// OutputQueue receives successful transform results, persistent.
	OutputQueue string
	// PollIdle bounds the sleep when the input queue is empty.
	PollIdle time.Duration
	// ErrorDelay is the fixed pause after an unexpected loop error.
	ErrorDelay time.Duration
	// MaxAttempts enables bounded retry when positive: a message that fails
	// this many attempts is promoted to the dead-letter queue instead of
	// being requeued forever. Zero keeps the requeue-indefinitely behavior.
	MaxAttempts int
}

// Processor is the generic consume-transform-publish loop at the heart of
// every stage. It owns message decoding, dispatch to the Transform, quarantine
// routing, and the ack/nack decision. Messages are processed strictly one at
// a time on a single goroutine; mutual exclusion per queue comes from the
// broker's delivery-tag protocol, not from application locking.
type Processor[T any] struct {
	cfg        StageConfig
	source     ChannelSource
	decode     Decoder[T]
	transform  Transform[T]
	quarantine *QuarantineRouter
	logs       *LogSink
	retries    RetryStore
	logger     zerolog.Logger

	emptyLogged bool
}

// NewProcessor validates the wiring and creates a stage processor. The retry
// store may be nil when bounded retry is disabled.
func NewProcessor[T any](
	cfg StageConfig,
	source ChannelSource,
	decode Decoder[T],
	transform Transform[T],
	logs *LogSink,
	retries RetryStore,
	logger zerolog.Logger,
) (*Processor[T], error) {
	if cfg.InputQueue == "" || cfg.OutputQueue == "" {
		return nil, fmt.Errorf("input and output queue names are required")
	}
	if source == nil {
		return nil, fmt.Errorf("channel source cannot be nil")
	}
	if decode == nil {
		return nil, fmt.Errorf("decoder cannot be nil")
	}
	if transform == nil {
		return nil, fmt.Errorf("transform cannot be nil")
	}
	if logs == nil {
		return nil, fmt.Errorf("log sink cannot be nil")
	}
	if cfg.MaxAttempts > 0 && retries == nil {
		return nil, fmt.Errorf("bounded retry requires a retry store")
	}
	if cfg.PollIdle <= 0 {
		cfg.PollIdle = time.Second
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = 5 * time.Second
	}

	stageLogger := logger.With().
		Str("component", "Processor").
		Str("stage", cfg.Name).
		Str("input_queue", cfg.InputQueue).
		Str("output_queue", cfg.OutputQueue).
		Logger()

	return &Processor[T]{
		cfg:        cfg,
		source:     source,
		decode:     decode,
		transform:  transform,
		quarantine: NewQuarantineRouter(cfg.InputQueue, stageLogger),
		logs:       logs,
		retries:    retries,
		logger:     stageLogger,
	}, nil
}

// QuarantineQueue returns the stage's derived dead-letter queue name.
func (p *Processor[T]) QuarantineQueue() string {
	return p.quarantine.QueueName()
}

// Run drives the stage loop until ctx is cancelled. It never returns on a
// processing or connectivity error; those are logged and retried.
func (p *Processor[T]) Run(ctx context.Context) error {
	p.logger.Info().Msg("Stage processor starting.")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Stage processor stopping.")
			return ctx.Err()
		default:
		}
		p.runOnce(ctx)
	}
}

// runOnce performs a single iteration: ensure a connection, poll one message,
// and dispose of it. Every delivery leaves with exactly one of ack/nack.
func (p *Processor[T]) runOnce(ctx context.Context) {
	ch, err := p.source.Channel(ctx)
	if err != nil {
		p.logs.Bind(nil)
		p.logs.Emit(LevelError, fmt.Sprintf("broker connection failed: %v", err))
		p.source.Backoff(ctx)
		return
	}
	p.logs.Bind(ch)

	delivery, ok, err := ch.Get(p.cfg.InputQueue, false)
	if err != nil {
		// Channel-level failures are unclassified: tear the connection down,
		// pause briefly, and rebuild on the next iteration.
		p.logs.Bind(nil)
		p.logs.Emit(LevelError, fmt.Sprintf("unexpected error polling %q: %v", p.cfg.InputQueue, err))
		p.source.Discard()
		p.sleep(ctx, p.cfg.ErrorDelay)
		return
	}
	if !ok {
		if !p.emptyLogged {
			p.logs.Emit(LevelInfo, fmt.Sprintf("input queue %q is currently empty", p.cfg.InputQueue))
			p.emptyLogged = true
		}
		p.sleep(ctx, p.cfg.PollIdle)
		return
	}
	p.emptyLogged = false

	p.handleDelivery(ctx, ch, delivery)
}

// handleDelivery decodes, transforms, and disposes of one message.
func (p *Processor[T]) handleDelivery(ctx context.Context, ch BrokerChannel, delivery amqp.Delivery) {
	in, err := p.decode(delivery.Body)
	if err != nil {
		p.logs.Emit(LevelWarning, fmt.Sprintf("malformed payload on %q: %v", p.cfg.InputQueue, err))
		p.quarantineAndDispose(ctx, ch, delivery, delivery.Body)
		return
	}

	outcome := p.transform(ctx, in, p.logs)
	switch outcome.Kind {
	case OutcomeSuccess:
		if pubErr := p.publish(ctx, ch, outcome.Payload); pubErr != nil {
			p.logs.Emit(LevelError, fmt.Sprintf("failed to publish to %q: %v", p.cfg.OutputQueue, pubErr))
			p.disposeFailed(ctx, ch, delivery)
			return
		}
		p.logs.Emit(LevelInfo, fmt.Sprintf("successfully published result to %q", p.cfg.OutputQueue))
		p.clearRetries(ctx, delivery.Body)
		p.ack(delivery)
	case OutcomeMalformed:
		p.logs.Emit(LevelWarning, fmt.Sprintf("transform produced an unforwardable payload: %s", outcome.Reason))
		p.quarantineAndDispose(ctx, ch, delivery, outcome.Payload)
	case OutcomeAPIFailure, OutcomeDomainFailure:
		// The transform has already emitted its outcome entry.
		p.disposeFailed(ctx, ch, delivery)
	default:
		p.logs.Emit(LevelError, fmt.Sprintf("transform returned unknown outcome kind %v; requeueing", outcome.Kind))
		p.nack(delivery, true)
	}
}

// quarantineAndDispose copies a payload to the dead-letter queue. The original
// message is acked when the copy succeeds and requeued when it does not, so a
// payload is never lost between queues.
func (p *Processor[T]) quarantineAndDispose(ctx context.Context, ch BrokerChannel, delivery amqp.Delivery, payload []byte) {
	if err := p.quarantine.Route(ctx, ch, payload); err != nil {
		p.logs.Emit(LevelError, fmt.Sprintf("failed to quarantine payload: %v", err))
		p.nack(delivery, true)
		return
	}
	p.logs.Emit(LevelInfo, fmt.Sprintf("payload moved to %q", p.quarantine.QueueName()))
	p.clearRetries(ctx, delivery.Body)
	p.ack(delivery)
}

// disposeFailed requeues a failed message, or promotes it to quarantine once
// it exhausts the bounded retry budget.
func (p *Processor[T]) disposeFailed(ctx context.Context, ch BrokerChannel, delivery amqp.Delivery) {
	if p.cfg.MaxAttempts > 0 {
		key := fingerprint(delivery.Body)
		attempts, err := p.retries.Bump(ctx, key)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Retry store unavailable, requeueing without promotion check.")
		} else if attempts >= p.cfg.MaxAttempts {
			p.logs.Emit(LevelWarning, fmt.Sprintf("message failed %d attempts; moving to %q", attempts, p.quarantine.QueueName()))
			if qErr := p.quarantine.Route(ctx, ch, delivery.Body); qErr == nil {
				_ = p.retries.Clear(ctx, key)
				p.ack(delivery)
				return
			}
			p.logs.Emit(LevelError, "failed to promote message to quarantine; requeueing")
		}
	}
	p.nack(delivery, true)
}

// publish sends a successful result to the output queue as persistent.
func (p *Processor[T]) publish(ctx context.Context, ch BrokerChannel, payload []byte) error {
	return ch.PublishWithContext(ctx, "", p.cfg.OutputQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Body:         payload,
	})
}

func (p *Processor[T]) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		p.logger.Warn().Err(err).Uint64("delivery_tag", delivery.DeliveryTag).Msg("Failed to ack message.")
	}
}

func (p *Processor[T]) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		p.logger.Warn().Err(err).Uint64("delivery_tag", delivery.DeliveryTag).Msg("Failed to nack message.")
	}
}

func (p *Processor[T]) clearRetries(ctx context.Context, payload []byte) {
	if p.cfg.MaxAttempts <= 0 {
		return
	}
	if err := p.retries.Clear(ctx, fingerprint(payload)); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to clear retry counter.")
	}
}

// sleep pauses for d, returning early on cancellation.
func (p *Processor[T]) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// fingerprint keys retry counters by payload content; the broker assigns a
// fresh delivery tag on every redelivery, so the tag cannot identify a
// message across attempts.
func fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
