// The translation worker polls recognized text from the translation input
// queue, calls the machine translation service, and publishes the full
// translation response downstream.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-speechflow/pkg/amqpconn"
	"github.com/illmade-knight/go-speechflow/pkg/config"
	"github.com/illmade-knight/go-speechflow/pkg/inference"
	"github.com/illmade-knight/go-speechflow/pkg/microservice"
	"github.com/illmade-knight/go-speechflow/pkg/retrystore"
	"github.com/illmade-knight/go-speechflow/pkg/stageflow"
	"github.com/illmade-knight/go-speechflow/pkg/stages"
)

func main() {
	_ = godotenv.Load()
	cfgPath := flag.String("config", "speechflow.yaml", "path to the pipeline config file")
	httpPort := flag.String("http", ":8082", "health endpoint listen address")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "translation-worker").Logger()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration.")
	}
	endpoint, err := cfg.TranslationEndpoint()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid translation configuration.")
	}
	client, err := inference.NewClient(inference.ClientConfig{
		Endpoint:     endpoint,
		Timeout:      cfg.Timeouts.Translation,
		SuccessLevel: "TRANSLATION_SUCCESS",
		ErrorLevel:   "TRANSLATION_ERROR",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create inference client.")
	}

	queues := cfg.Queues.Translation
	manager, err := amqpconn.NewManager(
		amqpconn.NewConfigDefaults(cfg.BrokerURL, queues.Input, queues.Output, cfg.LogQueue),
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create connection manager.")
	}
	defer manager.Close()

	sink := stageflow.NewLogSink(cfg.LogQueue, logger)
	retries, err := newRetryStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create retry store.")
	}

	processor, err := stageflow.NewProcessor(
		stageflow.StageConfig{
			Name:        "translation",
			InputQueue:  queues.Input,
			OutputQueue: queues.Output,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		manager,
		stages.DecodeTranslationInput,
		stages.NewTranslationTransform(client),
		sink,
		retries,
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create stage processor.")
	}

	server := microservice.NewWorkerServer(logger, *httpPort)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start HTTP server.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server.SetReady(true)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Stage processor exited with error.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func newRetryStore(cfg *config.Config, logger zerolog.Logger) (stageflow.RetryStore, error) {
	if cfg.Retry.MaxAttempts <= 0 {
		return nil, nil
	}
	if cfg.Retry.RedisAddr == "" {
		return retrystore.NewInMemoryStore(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return retrystore.NewRedisStore(ctx, &retrystore.RedisConfig{Addr: cfg.Retry.RedisAddr}, logger)
}
