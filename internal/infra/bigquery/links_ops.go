package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/movements-ledger/internal/domain"
	"google.golang.org/api/iterator"
)

// UpsertBankLinkWithClient inserts or refreshes a link keyed by link_token.
func UpsertBankLinkWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, link *domain.BankLink, now time.Time) error {
	if link.LinkToken == "" {
		return fmt.Errorf("UpsertBankLink: link_token is required")
	}
	createdAt := link.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	q := client.Query(fmt.Sprintf(`
		MERGE %s T
		USING (SELECT @link_token AS link_token) S
		ON T.link_token = S.link_token
		WHEN MATCHED THEN UPDATE SET
			principal_id = @principal_id,
			institution  = @institution,
			created_ts   = @created_ts
		WHEN NOT MATCHED THEN INSERT (link_token, principal_id, institution, created_ts)
			VALUES (@link_token, @principal_id, @institution, @created_ts)
	`, ds.Table(bankLinksTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "link_token", Value: link.LinkToken},
		{Name: "principal_id", Value: link.PrincipalID},
		{Name: "institution", Value: link.Institution},
		{Name: "created_ts", Value: createdAt},
	}

	if _, err := runDML(ctx, q); err != nil {
		return fmt.Errorf("UpsertBankLink: %w", err)
	}
	return nil
}

// LatestLinkWithClient returns the most recent link of a principal, or domain.ErrNotFound.
func LatestLinkWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, principalID string) (*domain.BankLink, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT link_token, principal_id, institution, created_ts
		FROM %s
		WHERE principal_id = @principal_id
		ORDER BY created_ts DESC
		LIMIT 1
	`, ds.Table(bankLinksTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "principal_id", Value: principalID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("LatestLink: query read: %w", err)
	}

	var r BankLinkRow
	err = it.Next(&r)
	if err == iterator.Done {
		return nil, fmt.Errorf("LatestLink: principal %s: %w", principalID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("LatestLink: iter next: %w", err)
	}

	return &domain.BankLink{
		PrincipalID: r.PrincipalID,
		LinkToken:   r.LinkToken,
		Institution: r.Institution,
		CreatedAt:   r.CreatedTS,
	}, nil
}
