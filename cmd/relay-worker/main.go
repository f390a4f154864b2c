// The relay worker bridges two adjacent pipeline phases: it polls well-formed
// JSON from its input queue and republishes it unchanged to its output queue,
// quarantining anything it cannot parse. Which pair of queues it bridges is
// wired per process, e.g. ASR_output to MT_input.
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
	"github.com/illmade-knight/go-speechflow/pkg/microservice"
	"github.com/illmade-knight/go-speechflow/pkg/stageflow"
	"github.com/illmade-knight/go-speechflow/pkg/stages"
)

func main() {
	_ = godotenv.Load()
	cfgPath := flag.String("config", "speechflow.yaml", "path to the pipeline config file")
	httpPort := flag.String("http", ":8084", "health endpoint listen address")
	inputQueue := flag.String("input", "", "queue to relay from")
	outputQueue := flag.String("output", "", "queue to relay to")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "relay-worker").Logger()

	if *inputQueue == "" || *outputQueue == "" {
		logger.Fatal().Msg("Both -input and -output queue names are required.")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration.")
	}

	manager, err := amqpconn.NewManager(
		amqpconn.NewConfigDefaults(cfg.BrokerURL, *inputQueue, *outputQueue, cfg.LogQueue),
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create connection manager.")
	}
	defer manager.Close()

	sink := stageflow.NewLogSink(cfg.LogQueue, logger)

	processor, err := stageflow.NewProcessor(
		stageflow.StageConfig{
			Name:        "relay",
			InputQueue:  *inputQueue,
			OutputQueue: *outputQueue,
		},
		manager,
		stages.DecodeRelay,
		stages.NewRelayTransform(),
		sink,
		nil,
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
