package stageflow

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ====================================================================================
// This file defines the core interfaces and function types for building a resilient
// stage pipeline. It outlines the contracts for broker access, payload decoding, and
// the per-stage transform.
// ====================================================================================

// BrokerChannel is the slice of the AMQP channel API the stage engine touches.
// *amqp091.Channel satisfies it; tests substitute scripted implementations.
type BrokerChannel interface {
	// Get polls a single message from a queue without auto-acknowledgment.
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	// PublishWithContext publishes a message to the default exchange.
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	// QueueDeclare declares a queue idempotently.
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	// Consume registers a push-based consumer on a queue.
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	// Qos sets the prefetch window for push-based consumption.
	Qos(prefetchCount, prefetchSize int, global bool) error
}

// ChannelSource supplies a live broker channel to a stage loop and owns the
// reconnect policy. The loop never dials the broker itself: it asks the source
// for a channel, reports failures back via Discard, and defers the retry delay
// to Backoff.
type ChannelSource interface {
	// Channel returns a usable channel, (re)connecting if necessary.
	Channel(ctx context.Context) (BrokerChannel, error)
	// Discard tears down the current connection after a channel-level failure
	// so the next Channel call dials fresh.
	Discard()
	// Backoff sleeps for the current reconnect delay and grows it toward the
	// ceiling. It returns early if ctx is cancelled.
	Backoff(ctx context.Context)
}

// Decoder parses a raw queue payload into the stage's typed input. A decode
// error marks the message as malformed and routes it to quarantine.
type Decoder[T any] func(payload []byte) (T, error)

// Transform is the stage-specific operation. It receives the decoded input and
// a logging handle, performs at most one bounded external call, and classifies
// the result as an Outcome. Implementations must emit exactly one log entry
// per outcome branch before returning.
type Transform[T any] func(ctx context.Context, in T, logs LogEmitter) Outcome

// LogEmitter is the logging handle handed to transforms and routers.
type LogEmitter interface {
	Emit(level, message string)
}

// RetryStore counts failed processing attempts per payload fingerprint. It
// backs the optional bounded-retry promotion of poison messages.
type RetryStore interface {
	// Bump increments and returns the attempt count for a key.
	Bump(ctx context.Context, key string) (int, error)
	// Clear forgets the attempt count for a key.
	Clear(ctx context.Context, key string) error
}
