package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dvloznov/movements-ledger/internal/app"
	"github.com/dvloznov/movements-ledger/internal/budget"
	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/pipeline"
	"github.com/spf13/cobra"
)

type runFunc func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error

type wrapper func(runFunc) func(*cobra.Command, []string) error

func newSyncCmd(opts *rootOptions, run wrapper) *cobra.Command {
	var linkToken string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull movements of the principal's bank link",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			report, err := a.Engine.Sync(ctx, opts.principal, linkToken)
			if report != nil {
				printSyncReport(cmd.OutOrStdout(), report)
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&linkToken, "link-token", "", "Link to sync (defaults to the latest registered link)")
	return cmd
}

func newLinkCmd(opts *rootOptions, run wrapper) *cobra.Command {
	var linkToken, institution string
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Register a bank link and sync it",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			report, err := a.Engine.RegisterLink(ctx, opts.principal, linkToken, institution)
			if report != nil {
				printSyncReport(cmd.OutOrStdout(), report)
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&linkToken, "token", "", "Fintoc link token (required)")
	cmd.Flags().StringVar(&institution, "institution", "", "Holder or institution id")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newLinkIntentCmd(opts *rootOptions, run wrapper) *cobra.Command {
	return &cobra.Command{
		Use:   "link-intent",
		Short: "Create a Fintoc widget token for connecting a bank",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			token, err := a.Engine.CreateLinkIntent(ctx, opts.principal)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}),
	}
}

func newTransactionsCmd(opts *rootOptions, run wrapper) *cobra.Command {
	return &cobra.Command{
		Use:     "transactions",
		Aliases: []string{"ls"},
		Short:   "List the principal's transactions",
		Args:    cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			txs, err := a.Engine.Transactions(ctx, opts.principal)
			if err != nil {
				return err
			}
			printTransactions(cmd.OutOrStdout(), txs)
			return nil
		}),
	}
}

func newClassifyAllCmd(opts *rootOptions, run wrapper) *cobra.Command {
	return &cobra.Command{
		Use:   "classify-all",
		Short: "Classify every uncategorized transaction",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			report, err := a.Engine.ClassifyAll(ctx, opts.principal)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Classified: %d\nSkipped: %d\nFailed: %d\n", report.Classified, report.Skipped, len(report.Failures))
			for _, f := range report.Failures {
				fmt.Fprintf(out, "  %s: %v\n", f.TransactionID, f.Err)
			}
			return nil
		}),
	}
}

func newClassifyCmd(opts *rootOptions, run wrapper) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <transaction-id>",
		Short: "Classify one transaction",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			tx, err := a.Engine.Classify(ctx, opts.principal, args[0])
			if err != nil {
				return err
			}
			printTransactions(cmd.OutOrStdout(), []*domain.Transaction{tx})
			return nil
		}),
	}
}

func newSetCategoryCmd(opts *rootOptions, run wrapper) *cobra.Command {
	return &cobra.Command{
		Use:   "set-category <transaction-id> <category>",
		Short: "Manually set and confirm the category of a transaction",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			tx, err := a.Engine.ManualClassify(ctx, opts.principal, args[0], args[1])
			if err != nil {
				return err
			}
			printTransactions(cmd.OutOrStdout(), []*domain.Transaction{tx})
			return nil
		}),
	}
}

func newSummaryCmd(opts *rootOptions, run wrapper) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show totals, category breakdown, budget status and savings progress",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			summary, err := a.Engine.Summary(ctx, opts.principal)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)
			return nil
		}),
	}
}

func newRecommendCmd(opts *rootOptions, run wrapper) *cobra.Command {
	return &cobra.Command{
		Use:   "recommend",
		Short: "Ask the reasoning service for spending-reduction tips",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			recs, err := a.Engine.Recommendations(ctx, opts.principal)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No recommendations")
				return nil
			}
			for i, r := range recs {
				fmt.Fprintf(out, "%d. %s (%s)\n   %s\n", i+1, r.Title, r.EstimatedSaving, r.Description)
			}
			return nil
		}),
	}
}

func newArchiveShowCmd(run wrapper) *cobra.Command {
	return &cobra.Command{
		Use:   "archive-show <gs-uri>",
		Short: "Print an archived raw movement snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) error {
			archiver, err := a.OpenArchiver(ctx)
			if err != nil {
				return err
			}
			if archiver == nil {
				return fmt.Errorf("GCS_ARCHIVE_BUCKET is not configured")
			}
			snapshot, err := archiver.Fetch(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Principal: %s\nAccount: %s\nFetched: %s\n\n",
				snapshot.PrincipalID, snapshot.AccountID, snapshot.FetchedAt.Format("2006-01-02 15:04:05"))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPOSTED\tAMOUNT\tDESCRIPTION")
			for _, m := range snapshot.Movements {
				posted := "-"
				if m.PostedAt != nil {
					posted = m.PostedAt.Format("2006-01-02")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ExternalID, posted, m.Amount.String(), m.Description)
			}
			return w.Flush()
		}),
	}
}

func printSyncReport(out io.Writer, report *pipeline.SyncReport) {
	fmt.Fprintf(out, "Synced: %d\nAccounts: %d\nSkipped accounts: %d\n", report.Synced, report.Accounts, report.SkippedAccounts)
	for _, f := range report.FailedAccounts {
		fmt.Fprintf(out, "  failed %s: %s\n", f.AccountID, f.Error)
	}
}

func printTransactions(out io.Writer, txs []*domain.Transaction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDATE\tDIRECTION\tAMOUNT\tCATEGORY\tREVIEW\tDESCRIPTION")
	for _, tx := range txs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			tx.ID, tx.ValueDate, tx.Direction, tx.Amount.StringFixed(0), tx.CategoryOr("-"), tx.ReviewState, tx.Description)
	}
	_ = w.Flush()
}

func printSummary(out io.Writer, s *budget.Summary) {
	fmt.Fprintf(out, "Income:   %s\nExpenses: %s\nNet:      %s\n\n", s.Income.StringFixed(0), s.Expenses.StringFixed(0), s.NetSavings.StringFixed(0))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tSPENT")
	for _, c := range s.Breakdown {
		fmt.Fprintf(w, "%s\t%s\n", c.Category, c.Amount.StringFixed(0))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "BUDGET\tLIMIT\tSPENT\tREMAINING\tUSED\t")
	for _, l := range s.Budget {
		flag := ""
		if l.OverBudget {
			flag = "OVER"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s%%\t%s\n",
			l.Category, l.Limit.StringFixed(0), l.Spent.StringFixed(0), l.Remaining.StringFixed(0),
			l.Utilization.Shift(2).StringFixed(0), flag)
	}
	_ = w.Flush()

	fmt.Fprintf(out, "\nSavings goal: %s (%d%%)\n", s.Progress.Goal.StringFixed(0), s.Progress.Capped)
}
