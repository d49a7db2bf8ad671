package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/movements-ledger/internal/app"
	"github.com/dvloznov/movements-ledger/internal/config"
	jobsamqp "github.com/dvloznov/movements-ledger/internal/jobs/amqp"
	"github.com/dvloznov/movements-ledger/internal/logger"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.New()
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	log := logger.NewWithOptions(logger.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.AMQPURL == "" {
		log.Fatal().Msg("AMQP_URL is required for the worker")
	}

	// Create context that cancels on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build application")
	}
	defer a.Close()

	client, err := jobsamqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to AMQP")
	}
	defer client.Close()

	log.Info().Str("queue", cfg.AMQPQueue).Msg("Starting worker service")

	if err := client.Start(ctx, a.Engine.HandleSyncJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	log.Info().Msg("Worker service started, waiting for jobs...")
	<-ctx.Done()

	log.Info().Msg("Shutting down worker service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping consumer")
	}

	log.Info().Msg("Worker service stopped")
}
