package pipeline

import (
	"context"

	"github.com/dvloznov/movements-ledger/internal/domain"
)

// MovementSource lists accounts and movements reachable under a bank link.
// fintoc.Client is the production implementation.
type MovementSource interface {
	ListAccounts(ctx context.Context, linkToken string) ([]domain.Account, error)
	ListMovements(ctx context.Context, linkToken, accountID string) ([]domain.RawMovement, error)
}

// TransactionWriter is the part of the store the sync engine writes to.
type TransactionWriter interface {
	UpsertTransactions(ctx context.Context, rows []*domain.Transaction) (int, error)
}

// LinkWriter is the part of the store that keeps bank links.
type LinkWriter interface {
	UpsertBankLink(ctx context.Context, link *domain.BankLink) error
}

// MovementArchiver keeps a copy of the raw movements fetched for an account.
// Archiving is best effort: failures are logged and never abort a sync.
type MovementArchiver interface {
	ArchiveMovements(ctx context.Context, principalID, accountID string, movements []domain.RawMovement) (string, error)
}
