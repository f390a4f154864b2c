// Package delivery implements the terminal pipeline stage: it consumes
// synthesis results, dereferences the audio the synthesis service stored
// behind data.s3_url, and forwards the raw bytes to the user's waiting
// endpoint.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-speechflow/pkg/stageflow"
)

// Config holds the forwarder's wiring.
type Config struct {
	// InputQueue is the synthesis stage's output queue.
	InputQueue string
	// UserEndpointURL receives the final audio as a raw audio/wav POST.
	UserEndpointURL string
	// DownloadTimeout bounds fetching the referenced audio. Defaults to 30s.
	DownloadTimeout time.Duration
	// ForwardTimeout bounds the POST to the user endpoint. Defaults to 30s.
	ForwardTimeout time.Duration
}

// Forwarder handles one pushed delivery at a time (the consumer runs with a
// prefetch of one). Messages it cannot interpret are quarantined and acked;
// network failures are requeued for a later attempt.
type Forwarder struct {
	cfg        Config
	httpClient *http.Client
	quarantine *stageflow.QuarantineRouter
	logs       *stageflow.LogSink
	logger     zerolog.Logger
}

// NewForwarder validates the config and creates a forwarder.
func NewForwarder(cfg Config, logs *stageflow.LogSink, logger zerolog.Logger) (*Forwarder, error) {
	if cfg.InputQueue == "" {
		return nil, fmt.Errorf("input queue name is required")
	}
	if cfg.UserEndpointURL == "" {
		return nil, fmt.Errorf("user endpoint URL is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("log sink cannot be nil")
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 30 * time.Second
	}

	forwarderLogger := logger.With().Str("component", "Forwarder").Str("input_queue", cfg.InputQueue).Logger()
	return &Forwarder{
		cfg:        cfg,
		httpClient: &http.Client{},
		quarantine: stageflow.NewQuarantineRouter(cfg.InputQueue, forwarderLogger),
		logs:       logs,
		logger:     forwarderLogger,
	}, nil
}

// Handle is the stageflow.PushHandler for the delivery stage.
func (f *Forwarder) Handle(ctx context.Context, ch stageflow.BrokerChannel, delivery amqp.Delivery) {
	var envelope struct {
		Data struct {
			S3URL string `json:"s3_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(delivery.Body, &envelope); err != nil {
		f.logs.Emit(stageflow.LevelWarning, fmt.Sprintf("malformed delivery payload: %v", err))
		f.quarantineAndDispose(ctx, ch, delivery)
		return
	}
	if envelope.Data.S3URL == "" {
		f.logs.Emit(stageflow.LevelWarning, "delivery payload is missing data.s3_url")
		f.quarantineAndDispose(ctx, ch, delivery)
		return
	}

	audio, err := f.download(ctx, envelope.Data.S3URL)
	if err != nil {
		f.logs.Emit(stageflow.LevelError, fmt.Sprintf("failed to download audio: %v", err))
		f.nack(delivery, true)
		return
	}

	if err := f.forward(ctx, audio); err != nil {
		f.logs.Emit(stageflow.LevelError, fmt.Sprintf("failed to forward audio: %v", err))
		f.nack(delivery, true)
		return
	}

	f.logs.Emit(stageflow.LevelInfo, fmt.Sprintf("forwarded %d bytes of audio to %s", len(audio), f.cfg.UserEndpointURL))
	f.ack(delivery)
}

// download fetches the synthesized audio from the URL the synthesis service
// returned.
func (f *Forwarder) download(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid audio URL %q: %w", url, err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download from %q: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download from %q returned HTTP %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// forward POSTs the audio bytes to the configured user endpoint.
func (f *Forwarder) forward(ctx context.Context, audio []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.ForwardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, f.cfg.UserEndpointURL, bytes.NewReader(audio))
	if err != nil {
		return fmt.Errorf("invalid user endpoint %q: %w", f.cfg.UserEndpointURL, err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forward to %q: %w", f.cfg.UserEndpointURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("forward to %q returned HTTP %d", f.cfg.UserEndpointURL, resp.StatusCode)
	}
	return nil
}

// quarantineAndDispose copies an uninterpretable payload to the dead-letter
// queue, acking on success and requeueing when the copy itself fails.
func (f *Forwarder) quarantineAndDispose(ctx context.Context, ch stageflow.BrokerChannel, delivery amqp.Delivery) {
	if err := f.quarantine.Route(ctx, ch, delivery.Body); err != nil {
		f.logs.Emit(stageflow.LevelError, fmt.Sprintf("failed to quarantine payload: %v", err))
		f.nack(delivery, true)
		return
	}
	f.logs.Emit(stageflow.LevelInfo, fmt.Sprintf("payload moved to %q", f.quarantine.QueueName()))
	f.ack(delivery)
}

func (f *Forwarder) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		f.logger.Warn().Err(err).Uint64("delivery_tag", delivery.DeliveryTag).Msg("Failed to ack message.")
	}
}

func (f *Forwarder) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		f.logger.Warn().Err(err).Uint64("delivery_tag", delivery.DeliveryTag).Msg("Failed to nack message.")
	}
}
