package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

const transactionColumns = `
	transaction_id, principal_id, external_id,
	description, amount, direction, value_date,
	category, review_state, rationale,
	ingest_pos, created_ts, updated_ts`

// UpsertTransactionsWithClient merges rows into the transactions table keyed by
// external_id. Matched rows get only their normalized columns overwritten.
func UpsertTransactionsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, rows []*domain.Transaction, now time.Time) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	params := make([]mergeRow, 0, len(rows))
	for i, r := range rows {
		if r.ExternalID == "" {
			return 0, fmt.Errorf("UpsertTransactions: external_id is required")
		}
		mr, err := toMergeRow(r, uuid.NewString(), i, now)
		if err != nil {
			return 0, fmt.Errorf("UpsertTransactions: external_id %s: %w", r.ExternalID, err)
		}
		params = append(params, mr)
	}

	q := client.Query(fmt.Sprintf(`
		MERGE %s T
		USING UNNEST(@rows) S
		ON T.external_id = S.external_id
		WHEN MATCHED THEN UPDATE SET
			description = S.description,
			amount      = S.amount,
			direction   = S.direction,
			value_date  = S.value_date,
			updated_ts  = S.ts
		WHEN NOT MATCHED THEN INSERT (
			transaction_id, principal_id, external_id,
			description, amount, direction, value_date,
			review_state, ingest_pos, created_ts, updated_ts
		) VALUES (
			S.transaction_id, S.principal_id, S.external_id,
			S.description, S.amount, S.direction, S.value_date,
			S.review_state, S.ingest_pos, S.ts, S.ts
		)
	`, ds.Table(transactionsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "rows", Value: params},
	}

	if _, err := runDML(ctx, q); err != nil {
		return 0, fmt.Errorf("UpsertTransactions: %w", err)
	}
	return len(rows), nil
}

// ListTransactionsWithClient returns a principal's transactions in insertion order.
func ListTransactionsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, principalID string) ([]*domain.Transaction, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE principal_id = @principal_id
		ORDER BY created_ts, ingest_pos
	`, transactionColumns, ds.Table(transactionsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "principal_id", Value: principalID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: query read: %w", err)
	}

	var out []*domain.Transaction
	for {
		var r TransactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListTransactions: iter next: %w", err)
		}
		t, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListTransactions: %w", err)
		}
		out = append(out, t)
	}

	return out, nil
}

// GetTransactionWithClient returns one transaction by id, or domain.ErrNotFound.
func GetTransactionWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, id string) (*domain.Transaction, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE transaction_id = @transaction_id
		LIMIT 1
	`, transactionColumns, ds.Table(transactionsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "transaction_id", Value: id},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: query read: %w", err)
	}

	var r TransactionRow
	err = it.Next(&r)
	if err == iterator.Done {
		return nil, fmt.Errorf("GetTransaction: %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: iter next: %w", err)
	}

	t, err := r.toDomain()
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return t, nil
}

// UpdateClassificationWithClient sets the classification columns of one transaction.
func UpdateClassificationWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, id string, result domain.ClassificationResult, now time.Time) error {
	q := client.Query(fmt.Sprintf(`
		UPDATE %s
		SET category = @category,
		    review_state = @review_state,
		    rationale = @rationale,
		    updated_ts = @updated_ts
		WHERE transaction_id = @transaction_id
	`, ds.Table(transactionsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "category", Value: result.Category},
		{Name: "review_state", Value: string(result.ReviewState)},
		{Name: "rationale", Value: result.Rationale},
		{Name: "updated_ts", Value: now},
		{Name: "transaction_id", Value: id},
	}

	affected, err := runDML(ctx, q)
	if err != nil {
		return fmt.Errorf("UpdateClassification: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("UpdateClassification: %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
