// Package amqpconn owns the broker connection lifecycle for a stage process:
// one connection and channel, idempotent durable queue declaration on every
// (re)connect, and exponential-backoff reconnection.
package amqpconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-speechflow/pkg/stageflow"
)

// ErrConnectivity wraps every failure to reach the broker so callers can
// distinguish connectivity from processing errors.
var ErrConnectivity = errors.New("broker connectivity failure")

// Config holds the connection settings for one stage process.
type Config struct {
	// BrokerURL is the amqp(s):// URL of the broker.
	BrokerURL string
	// Queues are declared durable on every successful (re)connect. A stage
	// lists its input, output, and log queues here.
	Queues []string
	// DialTimeout bounds the TCP dial of a connection attempt.
	DialTimeout time.Duration
	// InitialDelay is the reconnect delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay is the reconnect delay ceiling.
	MaxDelay time.Duration
}

// NewConfigDefaults provides a config with the standard retry policy: 1s
// initial delay doubling to a 60s ceiling, 5s dial timeout.
func NewConfigDefaults(brokerURL string, queues ...string) Config {
	return Config{
		BrokerURL:    brokerURL,
		Queues:       queues,
		DialTimeout:  5 * time.Second,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
	}
}

// Manager maintains exactly one live connection+channel per stage process and
// implements stageflow.ChannelSource. It is owned by a single stage loop and
// is not safe for concurrent use.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	conn  *amqp.Connection
	ch    *amqp.Channel
	delay time.Duration
}

// NewManager validates the config and creates a manager. No connection is
// attempted until the first Channel call.
func NewManager(cfg Config, logger zerolog.Logger) (*Manager, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("broker URL is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "Manager").Logger(),
		delay:  cfg.InitialDelay,
	}, nil
}

// Channel returns the live channel, dialing the broker and declaring the
// stage's queues first when necessary. Failures are wrapped in
// ErrConnectivity and never raised past the caller, which is the stage loop.
func (m *Manager) Channel(ctx context.Context) (stageflow.BrokerChannel, error) {
	if m.ch != nil && m.conn != nil && !m.conn.IsClosed() {
		return m.ch, nil
	}
	m.Discard()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}

	m.logger.Info().Msg("Connecting to broker...")
	conn, err := amqp.DialConfig(m.cfg.BrokerURL, amqp.Config{
		Dial: amqp.DefaultDial(m.cfg.DialTimeout),
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("Broker dial failed.")
		return nil, fmt.Errorf("%w: dial: %v", ErrConnectivity, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		m.logger.Error().Err(err).Msg("Failed to open channel.")
		return nil, fmt.Errorf("%w: open channel: %v", ErrConnectivity, err)
	}

	ch, err = m.declareQueues(conn, ch)
	if err != nil {
		_ = conn.Close()
		m.logger.Error().Err(err).Msg("Failed to declare queues.")
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}

	m.conn = conn
	m.ch = ch
	m.delay = m.cfg.InitialDelay
	m.logger.Info().Msg("Broker connection established.")
	return ch, nil
}

// declareQueues declares every configured queue as durable. A declare that
// fails because the queue already exists with conflicting properties closes
// the channel at the protocol level; the conflict is tolerated by reopening a
// fresh channel and moving on.
func (m *Manager) declareQueues(conn *amqp.Connection, ch *amqp.Channel) (*amqp.Channel, error) {
	for _, queue := range m.cfg.Queues {
		_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
		if err == nil {
			continue
		}
		if !isPreconditionFailed(err) {
			return nil, fmt.Errorf("declare queue %q: %v", queue, err)
		}
		m.logger.Warn().Str("queue", queue).Msg("Queue exists with conflicting properties, skipping declaration.")
		ch, err = conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("reopen channel after declare conflict on %q: %v", queue, err)
		}
	}
	return ch, nil
}

// Discard closes any half-open connection so the next Channel call dials
// fresh. Close errors are ignored; the connection is already suspect.
func (m *Manager) Discard() {
	if m.ch != nil {
		_ = m.ch.Close()
		m.ch = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// Close releases the connection permanently.
func (m *Manager) Close() {
	m.Discard()
}

// Backoff sleeps for the current reconnect delay, then doubles it toward the
// ceiling. The delay resets to its initial value on the next successful
// connect. Cancellation cuts the sleep short.
func (m *Manager) Backoff(ctx context.Context) {
	m.logger.Info().Dur("retry_delay", m.delay).Msg("Waiting before reconnect attempt.")
	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	m.delay = NextDelay(m.delay, m.cfg.MaxDelay)
}

// RetryDelay exposes the current reconnect delay, mainly for tests and
// observability.
func (m *Manager) RetryDelay() time.Duration {
	return m.delay
}

// NextDelay doubles a reconnect delay up to the ceiling.
func NextDelay(current, ceiling time.Duration) time.Duration {
	next := current * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

func isPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed
}
