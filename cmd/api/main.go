package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/movements-ledger/internal/api"
	"github.com/dvloznov/movements-ledger/internal/app"
	"github.com/dvloznov/movements-ledger/internal/config"
	"github.com/dvloznov/movements-ledger/internal/jobs"
	jobsamqp "github.com/dvloznov/movements-ledger/internal/jobs/amqp"
	"github.com/dvloznov/movements-ledger/internal/jobs/inmemory"
	"github.com/dvloznov/movements-ledger/internal/logger"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	// Parse command-line flags
	configPath := flag.String("config", "", "Path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.New()
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.NewWithOptions(logger.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build application")
	}
	defer a.Close()

	// Job infrastructure: RabbitMQ when configured, otherwise the in-process queue.
	jobStore := inmemory.NewStore()
	var (
		publisher jobs.Publisher
		consumer  jobs.Consumer
	)
	if cfg.AMQPURL != "" {
		client, err := jobsamqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to AMQP")
		}
		publisher = &trackingPublisher{next: client, store: jobStore}
		log.Info().Str("queue", cfg.AMQPQueue).Msg("Publishing sync jobs to AMQP")
	} else {
		queue := inmemory.NewQueue(100, jobStore, inmemory.WithWorkers(cfg.QueueWorkers))
		publisher, consumer = queue, queue
	}
	defer publisher.Close()

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(api.Deps{
			Ledger:            a.Engine,
			Publisher:         publisher,
			Jobs:              jobStore,
			ClassifyAfterSync: cfg.ClassifyAfterSync,
			Log:               log,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if consumer != nil {
		log.Info().Int("workers", cfg.QueueWorkers).Msg("Starting job worker")
		if err := consumer.Start(gctx, a.Engine.HandleSyncJob); err != nil {
			log.Fatal().Err(err).Msg("Failed to start job worker")
		}
	}

	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}

		// Stop job queue and wait for in-flight jobs
		if consumer != nil {
			if err := consumer.Stop(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Error stopping job queue")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		os.Exit(1)
	}

	log.Info().Msg("Server exited")
}

// trackingPublisher records published jobs in the local store so /api/jobs can
// report them when the worker runs in another process.
type trackingPublisher struct {
	next  jobs.Publisher
	store jobs.JobStore
}

func (p *trackingPublisher) PublishSync(ctx context.Context, job *jobs.SyncJob) error {
	if err := p.next.PublishSync(ctx, job); err != nil {
		return err
	}
	return p.store.SaveJob(ctx, job)
}

func (p *trackingPublisher) Close() error {
	return p.next.Close()
}
