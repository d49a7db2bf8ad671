// Package app wires configuration into the store, the classifier and the engine
// shared by every binary.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/movements-ledger/internal/advice"
	"github.com/dvloznov/movements-ledger/internal/archive"
	"github.com/dvloznov/movements-ledger/internal/classify"
	"github.com/dvloznov/movements-ledger/internal/config"
	"github.com/dvloznov/movements-ledger/internal/engine"
	"github.com/dvloznov/movements-ledger/internal/fintoc"
	infraBQ "github.com/dvloznov/movements-ledger/internal/infra/bigquery"
	"github.com/dvloznov/movements-ledger/internal/infra/memory"
	"github.com/dvloznov/movements-ledger/internal/infra/sqlite"
	"github.com/dvloznov/movements-ledger/internal/logger"
	"github.com/dvloznov/movements-ledger/internal/pipeline"
	"github.com/dvloznov/movements-ledger/internal/reasoning"
	"github.com/dvloznov/movements-ledger/internal/store"
)

// App holds the long-lived collaborators built from a Config.
type App struct {
	Config   *config.Config
	Store    store.Store
	Engine   *engine.Engine
	Archiver *archive.Archiver

	closers []func() error
}

// OpenStore opens the backend selected by cfg.StoreBackend. sqlite.Open creates
// the database directory and applies migrations.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory, "":
		return memory.NewStore(), nil
	case config.BackendSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return st, nil
	case config.BackendBigQuery:
		return infraBQ.NewStore(ctx, infraBQ.Dataset{
			ProjectID: cfg.BigQueryProject,
			DatasetID: cfg.BigQueryDataset,
		})
	default:
		return nil, fmt.Errorf("OpenStore: unknown store backend %q", cfg.StoreBackend)
	}
}

// Build opens the store and assembles the engine. Missing provider or model
// keys are logged and leave the corresponding features disabled.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.FromContext(ctx)

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Store: st}
	a.closers = append(a.closers, st.Close)

	classifierOpts := []classify.Option{
		classify.WithRules(cfg.RuleSet()),
		classify.WithDecisionLog(st),
	}
	var advisor *advice.Advisor
	if cfg.GeminiAPIKey != "" {
		gen, err := reasoning.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, reasoning.WithModel(cfg.GeminiModel))
		if err != nil {
			a.Close()
			return nil, err
		}
		classifierOpts = append(classifierOpts, classify.WithGenerator(gen))
		advisor = advice.NewAdvisor(gen)
	} else {
		log.Warn().Msg("GEMINI_API_KEY not set, unmatched transactions fall back to the catch-all category and recommendations are disabled")
	}
	classifier := classify.New(classifierOpts...)

	var (
		syncer  *pipeline.Syncer
		intents engine.LinkIntentCreator
	)
	if err := cfg.RequireFintoc(); err != nil {
		log.Warn().Msg("FINTOC_API_KEY not set, sync and link endpoints are disabled")
	} else {
		var fintocOpts []fintoc.Option
		if cfg.FintocBaseURL != "" {
			fintocOpts = append(fintocOpts, fintoc.WithBaseURL(cfg.FintocBaseURL))
		}
		client, err := fintoc.NewClient(cfg.FintocAPIKey, fintocOpts...)
		if err != nil {
			a.Close()
			return nil, err
		}
		intents = client

		var syncOpts []pipeline.SyncerOption
		archiver, err := a.openArchiver(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		if archiver != nil {
			syncOpts = append(syncOpts, pipeline.WithArchiver(archiver))
		}
		syncer = pipeline.NewSyncer(client, st, st, syncOpts...)
	}

	a.Engine = engine.New(st, syncer, classifier, intents, engine.Config{
		Limits:      cfg.BudgetLimits(),
		SavingsGoal: cfg.SavingsGoal(),
		WebhookURL:  cfg.WebhookURL(),
		Advisor:     advisor,
	})

	return a, nil
}

// OpenArchiver returns the raw movement archive, or nil when none is configured.
func (a *App) OpenArchiver(ctx context.Context) (*archive.Archiver, error) {
	if a.Archiver != nil {
		return a.Archiver, nil
	}
	return a.openArchiver(ctx)
}

func (a *App) openArchiver(ctx context.Context) (*archive.Archiver, error) {
	bucket, prefix, err := a.Config.ArchiveTarget()
	if errors.Is(err, config.ErrNoArchive) {
		return nil, nil
	}
	objects, err := archive.NewGCSObjects(ctx)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, objects.Close)
	a.Archiver = archive.NewArchiver(objects, bucket, prefix)
	return a.Archiver, nil
}

// Close releases everything Build opened, last opened first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
