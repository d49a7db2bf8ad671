package classify

import (
	"context"
	"fmt"

	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/logger"
)

// TransactionStore is the part of the store a classification pass needs.
type TransactionStore interface {
	ListTransactions(ctx context.Context, principalID string) ([]*domain.Transaction, error)
	UpdateClassification(ctx context.Context, id string, result domain.ClassificationResult) error
}

// Failure is one transaction a batch pass could not classify. The row is left as it was.
type Failure struct {
	TransactionID string
	Err           error
}

// BatchReport summarizes a ClassifyAll pass.
type BatchReport struct {
	Classified int
	Skipped    int
	Failures   []Failure
}

// FailedIDs returns the ids of the transactions that failed.
func (r *BatchReport) FailedIDs() []string {
	ids := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		ids = append(ids, f.TransactionID)
	}
	return ids
}

// ClassifyAll classifies every uncategorized transaction of a principal in store
// order. Categorized rows, confirmed ones included, are skipped. Per-row failures
// are collected and never abort the pass.
func (c *Classifier) ClassifyAll(ctx context.Context, txs TransactionStore, principalID string) (*BatchReport, error) {
	rows, err := txs.ListTransactions(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("ClassifyAll: list transactions: %w", err)
	}

	log := logger.FromContext(ctx)
	report := &BatchReport{}

	for _, tx := range rows {
		if ctx.Err() != nil {
			return report, fmt.Errorf("ClassifyAll: %w", ctx.Err())
		}

		if tx.IsCategorized() {
			report.Skipped++
			continue
		}

		result, err := c.Classify(ctx, tx)
		if err != nil {
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Classification failed")
			report.Failures = append(report.Failures, Failure{TransactionID: tx.ID, Err: err})
			continue
		}

		if err := txs.UpdateClassification(ctx, tx.ID, result); err != nil {
			err = fmt.Errorf("ClassifyAll: update %s: %w: %w", tx.ID, domain.ErrStoreConflict, err)
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to store classification")
			report.Failures = append(report.Failures, Failure{TransactionID: tx.ID, Err: err})
			continue
		}
		report.Classified++
	}

	log.Info().
		Str("principal_id", principalID).
		Int("classified", report.Classified).
		Int("skipped", report.Skipped).
		Int("failed", len(report.Failures)).
		Msg("Classification pass completed")

	return report, nil
}
