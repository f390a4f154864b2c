// The delivery worker is the terminal pipeline stage. It consumes synthesis
// results with a prefetch of one, downloads the audio referenced by
// data.s3_url, and forwards the raw bytes to the configured user endpoint.
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
	"github.com/illmade-knight/go-speechflow/pkg/delivery"
	"github.com/illmade-knight/go-speechflow/pkg/microservice"
	"github.com/illmade-knight/go-speechflow/pkg/stageflow"
)

func main() {
	_ = godotenv.Load()
	cfgPath := flag.String("config", "speechflow.yaml", "path to the pipeline config file")
	httpPort := flag.String("http", ":8085", "health endpoint listen address")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "delivery-worker").Logger()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration.")
	}
	if cfg.UserEndpointURL == "" {
		logger.Fatal().Msgf("A user endpoint is required (file or %s).", config.EnvUserEndpoint)
	}

	inputQueue := cfg.Queues.Delivery.Input
	manager, err := amqpconn.NewManager(
		amqpconn.NewConfigDefaults(cfg.BrokerURL, inputQueue, cfg.LogQueue),
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create connection manager.")
	}
	defer manager.Close()

	sink := stageflow.NewLogSink(cfg.LogQueue, logger)

	forwarder, err := delivery.NewForwarder(delivery.Config{
		InputQueue:      inputQueue,
		UserEndpointURL: cfg.UserEndpointURL,
	}, sink, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create forwarder.")
	}

	consumer, err := stageflow.NewPushConsumer(inputQueue, manager, forwarder.Handle, sink, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create push consumer.")
	}

	server := microservice.NewWorkerServer(logger, *httpPort)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start HTTP server.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server.SetReady(true)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Push consumer exited with error.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
