package store

import (
	"context"

	"github.com/dvloznov/movements-ledger/internal/domain"
)

// TransactionRepository provides persistence for normalized transactions.
type TransactionRepository interface {
	// UpsertTransactions inserts rows whose external_id is unseen and, for rows that
	// already exist, overwrites only the normalized fields (description, amount,
	// direction, value_date). Category, review state and rationale of existing rows
	// are never modified. Returns the number of rows written.
	UpsertTransactions(ctx context.Context, rows []*domain.Transaction) (int, error)

	// ListTransactions returns all transactions of a principal in insertion order.
	ListTransactions(ctx context.Context, principalID string) ([]*domain.Transaction, error)

	// GetTransaction returns a transaction by store id, or domain.ErrNotFound.
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)

	// UpdateClassification sets category, review state and rationale of one transaction.
	UpdateClassification(ctx context.Context, id string, result domain.ClassificationResult) error
}

// LinkRepository provides persistence for bank links.
type LinkRepository interface {
	// UpsertBankLink inserts or refreshes a link, keyed by link token.
	UpsertBankLink(ctx context.Context, link *domain.BankLink) error

	// LatestLink returns the most recently created link of a principal,
	// or domain.ErrNotFound when the principal has none.
	LatestLink(ctx context.Context, principalID string) (*domain.BankLink, error)
}

// DecisionLog records classification attempts for later inspection.
type DecisionLog interface {
	RecordDecision(ctx context.Context, d *domain.Decision) error
}

// Store bundles the repositories a backend provides.
type Store interface {
	TransactionRepository
	LinkRepository
	DecisionLog
	Close() error
}
