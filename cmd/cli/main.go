package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dvloznov/movements-ledger/internal/app"
	"github.com/dvloznov/movements-ledger/internal/config"
	"github.com/dvloznov/movements-ledger/internal/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd(buildApp).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// builder opens the application for one command invocation.
type builder func(ctx context.Context, configPath string) (*app.App, error)

func buildApp(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg)
}

type rootOptions struct {
	configPath string
	principal  string
	logLevel   string
}

func newRootCmd(build builder) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "ledger",
		Short: "Sync, classify and budget bank movements",
		Long: `Ledger pulls bank movements from Fintoc, classifies them with a rule table
and an optional Gemini fallback, and reports spending against monthly budgets.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (optional)")
	root.PersistentFlags().StringVarP(&opts.principal, "principal", "p", os.Getenv("LEDGER_PRINCIPAL"), "Principal id (or set LEDGER_PRINCIPAL)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level")

	// run opens the app, hands it to fn and closes it afterwards.
	var run wrapper = func(fn runFunc) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if opts.principal == "" {
				return fmt.Errorf("--principal is required")
			}

			log := logger.NewWithOptions(logger.Options{Level: opts.logLevel})
			ctx := logger.WithContext(cmd.Context(), log)

			a, err := build(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			return fn(ctx, cmd, a, args)
		}
	}

	root.AddCommand(
		newSyncCmd(opts, run),
		newLinkCmd(opts, run),
		newLinkIntentCmd(opts, run),
		newTransactionsCmd(opts, run),
		newClassifyAllCmd(opts, run),
		newClassifyCmd(opts, run),
		newSetCategoryCmd(opts, run),
		newSummaryCmd(opts, run),
		newRecommendCmd(opts, run),
		newArchiveShowCmd(run),
	)

	return root
}
