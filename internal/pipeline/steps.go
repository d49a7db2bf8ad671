package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/logger"
)

// SyncStep represents a single step of a link sync.
type SyncStep interface {
	Execute(ctx context.Context, state *SyncState) error
}

// SyncState holds the shared state across all sync steps.
type SyncState struct {
	PrincipalID string
	LinkToken   string
	Institution string

	Accounts []domain.Account
	Report   SyncReport

	// written holds the external ids already upserted by this sync, so a movement
	// reported under two accounts is counted once.
	written map[string]struct{}
}

// SyncReport summarizes one sync invocation.
type SyncReport struct {
	// Synced is the number of distinct normalized rows written to the store.
	Synced int `json:"synced"`

	// Accounts is the number of accounts listed under the link.
	Accounts int `json:"accounts"`

	// SkippedAccounts counts accounts that had no movements.
	SkippedAccounts int `json:"skipped_accounts"`

	// FailedAccounts lists accounts whose movements could not be fetched.
	FailedAccounts []AccountFailure `json:"failed_accounts,omitempty"`
}

// AccountFailure describes a per-account fetch failure. These never abort a sync.
type AccountFailure struct {
	AccountID string `json:"account_id"`
	Error     string `json:"error"`
}

// UpsertLinkStep records the link before any movement is pulled, so a partially
// failed sync still leaves a usable link for retry.
type UpsertLinkStep struct {
	Links LinkWriter
	Now   func() time.Time
}

func (s *UpsertLinkStep) Execute(ctx context.Context, state *SyncState) error {
	institution := state.Institution
	if institution == "" {
		institution = DefaultInstitution
	}

	link := &domain.BankLink{
		PrincipalID: state.PrincipalID,
		LinkToken:   state.LinkToken,
		Institution: institution,
		CreatedAt:   s.Now(),
	}
	if err := s.Links.UpsertBankLink(ctx, link); err != nil {
		return fmt.Errorf("UpsertLinkStep: %w: %w", domain.ErrStoreConflict, err)
	}
	return nil
}

// ListAccountsStep fetches the accounts reachable under the link. A failure here
// is fatal for the invocation.
type ListAccountsStep struct {
	Source MovementSource
}

func (s *ListAccountsStep) Execute(ctx context.Context, state *SyncState) error {
	accounts, err := s.Source.ListAccounts(ctx, state.LinkToken)
	if err != nil {
		return fmt.Errorf("ListAccountsStep: %w: %w", domain.ErrSourceUnavailable, err)
	}

	state.Accounts = accounts
	state.Report.Accounts = len(accounts)
	if len(accounts) == 0 {
		log := logger.FromContext(ctx)
		log.Info().
			Str("principal_id", state.PrincipalID).
			Msg("No accounts found for link")
	}
	return nil
}

// SyncAccountsStep pulls, normalizes and upserts the movements of every account.
// Per-account fetch failures are logged and recorded; store failures abort.
type SyncAccountsStep struct {
	Source       MovementSource
	Transactions TransactionWriter
	Archiver     MovementArchiver
	Now          func() time.Time
}

func (s *SyncAccountsStep) Execute(ctx context.Context, state *SyncState) error {
	log := logger.FromContext(ctx)
	if state.written == nil {
		state.written = make(map[string]struct{})
	}

	for _, account := range state.Accounts {
		movements, err := s.Source.ListMovements(ctx, state.LinkToken, account.ID)
		if err != nil {
			log.Warn().
				Err(err).
				Str("principal_id", state.PrincipalID).
				Str("account_id", account.ID).
				Msg("Failed to fetch movements, skipping account")
			state.Report.FailedAccounts = append(state.Report.FailedAccounts, AccountFailure{
				AccountID: account.ID,
				Error:     err.Error(),
			})
			continue
		}

		if len(movements) == 0 {
			state.Report.SkippedAccounts++
			continue
		}

		if s.Archiver != nil {
			uri, err := s.Archiver.ArchiveMovements(ctx, state.PrincipalID, account.ID, movements)
			if err != nil {
				log.Warn().Err(err).Str("account_id", account.ID).Msg("Failed to archive raw movements")
			} else {
				log.Debug().Str("account_id", account.ID).Str("uri", uri).Msg("Archived raw movements")
			}
		}

		rows, missingID := normalizeBatch(state.PrincipalID, movements, s.Now())
		if missingID > 0 {
			log.Warn().
				Str("account_id", account.ID).
				Int("dropped", missingID).
				Msg("Dropped movements without external id")
		}
		if len(rows) == 0 {
			state.Report.SkippedAccounts++
			continue
		}

		written, err := s.Transactions.UpsertTransactions(ctx, rows)
		if err != nil {
			return fmt.Errorf("SyncAccountsStep: account %s: %w: %w", account.ID, domain.ErrStoreConflict, err)
		}
		distinct := 0
		for _, row := range rows {
			if _, dup := state.written[row.ExternalID]; dup {
				continue
			}
			state.written[row.ExternalID] = struct{}{}
			distinct++
		}
		state.Report.Synced += distinct

		log.Debug().
			Str("account_id", account.ID).
			Int("rows", written).
			Int("new_rows", distinct).
			Msg("Upserted account movements")
	}

	return nil
}
