// Package bigquery is the BigQuery store backend.
package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/store"
	"google.golang.org/api/option"
)

const (
	transactionsTable = "transactions"
	bankLinksTable    = "bank_links"
	decisionsTable    = "classification_decisions"
)

// Dataset locates the ledger tables.
type Dataset struct {
	ProjectID string
	DatasetID string
}

// Table returns the fully qualified, backtick-quoted name of table.
func (d Dataset) Table(table string) string {
	return fmt.Sprintf("`%s.%s.%s`", d.ProjectID, d.DatasetID, table)
}

// Store implements store.Store on BigQuery. It holds a shared client to avoid
// creating a new connection for each operation.
type Store struct {
	client  *bigquery.Client
	dataset Dataset
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

// NewStore creates a Store with its own BigQuery client.
func NewStore(ctx context.Context, dataset Dataset, opts ...option.ClientOption) (*Store, error) {
	if dataset.ProjectID == "" || dataset.DatasetID == "" {
		return nil, fmt.Errorf("NewStore: %w: bigquery project and dataset", domain.ErrConfigMissing)
	}
	client, err := bigquery.NewClient(ctx, dataset.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewStore: creating client: %w", err)
	}
	return &Store{client: client, dataset: dataset, now: time.Now}, nil
}

// Close closes the BigQuery client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// UpsertTransactions delegates to UpsertTransactionsWithClient with the shared client.
func (s *Store) UpsertTransactions(ctx context.Context, rows []*domain.Transaction) (int, error) {
	return UpsertTransactionsWithClient(ctx, s.client, s.dataset, rows, s.now())
}

// ListTransactions delegates to ListTransactionsWithClient with the shared client.
func (s *Store) ListTransactions(ctx context.Context, principalID string) ([]*domain.Transaction, error) {
	return ListTransactionsWithClient(ctx, s.client, s.dataset, principalID)
}

// GetTransaction delegates to GetTransactionWithClient with the shared client.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return GetTransactionWithClient(ctx, s.client, s.dataset, id)
}

// UpdateClassification delegates to UpdateClassificationWithClient with the shared client.
func (s *Store) UpdateClassification(ctx context.Context, id string, result domain.ClassificationResult) error {
	return UpdateClassificationWithClient(ctx, s.client, s.dataset, id, result, s.now())
}

// UpsertBankLink delegates to UpsertBankLinkWithClient with the shared client.
func (s *Store) UpsertBankLink(ctx context.Context, link *domain.BankLink) error {
	return UpsertBankLinkWithClient(ctx, s.client, s.dataset, link, s.now())
}

// LatestLink delegates to LatestLinkWithClient with the shared client.
func (s *Store) LatestLink(ctx context.Context, principalID string) (*domain.BankLink, error) {
	return LatestLinkWithClient(ctx, s.client, s.dataset, principalID)
}

// RecordDecision delegates to InsertDecisionWithClient with the shared client.
func (s *Store) RecordDecision(ctx context.Context, d *domain.Decision) error {
	row := toDecisionRow(d)
	if row.CreatedTS.IsZero() {
		row.CreatedTS = s.now()
	}
	return InsertDecisionWithClient(ctx, s.client, s.dataset, row)
}

// runDML runs a DML statement and returns the number of affected rows.
func runDML(ctx context.Context, q *bigquery.Query) (int64, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("job error: %w", err)
	}

	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			return qs.NumDMLAffectedRows, nil
		}
	}
	return 0, nil
}
