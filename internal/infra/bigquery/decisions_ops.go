package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
)

// InsertDecisionWithClient inserts one DecisionRow. Uses DML INSERT to avoid
// streaming buffer issues.
func InsertDecisionWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, row *DecisionRow) error {
	q := client.Query(fmt.Sprintf(`
		INSERT INTO %s (
			decision_id, transaction_id, principal_id, source,
			model_name, raw_output, category, review_state,
			status, error_message, created_ts
		)
		VALUES (
			@decision_id, @transaction_id, @principal_id, @source,
			@model_name, @raw_output, @category, @review_state,
			@status, @error_message, @created_ts
		)
	`, ds.Table(decisionsTable)))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "decision_id", Value: row.DecisionID},
		{Name: "transaction_id", Value: row.TransactionID},
		{Name: "principal_id", Value: row.PrincipalID},
		{Name: "source", Value: row.Source},
		{Name: "model_name", Value: row.ModelName},
		{Name: "raw_output", Value: row.RawOutput},
		{Name: "category", Value: row.Category},
		{Name: "review_state", Value: row.ReviewState},
		{Name: "status", Value: row.Status},
		{Name: "error_message", Value: row.ErrorMessage},
		{Name: "created_ts", Value: row.CreatedTS},
	}

	if _, err := runDML(ctx, q); err != nil {
		return fmt.Errorf("InsertDecision: %w", err)
	}
	return nil
}
