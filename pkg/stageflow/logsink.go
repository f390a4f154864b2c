package stageflow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Well-known log levels. Stages may also emit their own categories
// (e.g. "RECOGNITION_ERROR"); those fall back to info with a category field.
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// LogEntry is the wire schema published to the shared log queue.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// LogSink publishes structured entries to the shared log queue, best effort.
// When no channel is bound, or the publish itself fails, entries fall back to
// direct console emission through zerolog and the secondary error is
// swallowed. The sink must never crash the processing loop.
//
// A sink is bound to the loop's current channel via Bind and is not safe for
// use from more than one goroutine; each stage loop owns its own sink.
type LogSink struct {
	queue          string
	ch             BrokerChannel
	logger         zerolog.Logger
	publishTimeout time.Duration
}

// NewLogSink creates a sink publishing to the named queue with the given
// console fallback logger.
func NewLogSink(queue string, logger zerolog.Logger) *LogSink {
	return &LogSink{
		queue:          queue,
		logger:         logger.With().Str("component", "LogSink").Str("log_queue", queue).Logger(),
		publishTimeout: 5 * time.Second,
	}
}

// Bind attaches the sink to a live channel. Bind(nil) detaches it, forcing
// console fallback until the loop reconnects.
func (s *LogSink) Bind(ch BrokerChannel) {
	s.ch = ch
}

// Emit publishes one entry to the log queue, falling back to the console.
func (s *LogSink) Emit(level, message string) {
	if s.ch == nil {
		s.console(level, message)
		return
	}

	body, err := json.Marshal(LogEntry{Level: level, Message: message})
	if err != nil {
		s.console(level, message)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
	defer cancel()
	err = s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		s.console(level, message)
	}
}

// console emits an entry through zerolog when the log queue is unreachable.
func (s *LogSink) console(level, message string) {
	switch strings.ToUpper(level) {
	case LevelInfo:
		s.logger.Info().Msg(message)
	case LevelWarning, "WARN":
		s.logger.Warn().Msg(message)
	case LevelError:
		s.logger.Error().Msg(message)
	default:
		s.logger.Info().Str("category", level).Msg(message)
	}
}
