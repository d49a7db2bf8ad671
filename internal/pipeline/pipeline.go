package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/movements-ledger/internal/logger"
)

// DefaultInstitution is recorded when the provider callback carries no holder id.
const DefaultInstitution = "unknown"

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []SyncStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...SyncStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *SyncState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("sync step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// Syncer pulls movements of a bank link into the store.
type Syncer struct {
	source       MovementSource
	transactions TransactionWriter
	links        LinkWriter
	archiver     MovementArchiver
	now          func() time.Time
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithArchiver keeps a copy of every fetched movement batch.
func WithArchiver(a MovementArchiver) SyncerOption {
	return func(s *Syncer) {
		s.archiver = a
	}
}

// WithClock overrides the clock used for link timestamps and missing value dates.
func WithClock(now func() time.Time) SyncerOption {
	return func(s *Syncer) {
		s.now = now
	}
}

// NewSyncer creates a Syncer.
func NewSyncer(source MovementSource, transactions TransactionWriter, links LinkWriter, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		source:       source,
		transactions: transactions,
		links:        links,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewLinkSyncPipeline creates the standard 3-step pipeline for syncing a link.
func (s *Syncer) NewLinkSyncPipeline() *Pipeline {
	return NewPipeline(
		&UpsertLinkStep{Links: s.links, Now: s.now},
		&ListAccountsStep{Source: s.source},
		&SyncAccountsStep{
			Source:       s.source,
			Transactions: s.transactions,
			Archiver:     s.archiver,
			Now:          s.now,
		},
	)
}

// Sync pulls every account and movement reachable under linkToken and merges them
// into the store for principalID. Re-running it with the same source data is safe.
//
// Per-account fetch failures are reported in the returned SyncReport and never
// returned as an error. Link upsert, account listing and store write failures are.
func (s *Syncer) Sync(ctx context.Context, principalID, linkToken, institution string) (*SyncReport, error) {
	if principalID == "" {
		return nil, fmt.Errorf("Sync: principal id is required")
	}
	if linkToken == "" {
		return nil, fmt.Errorf("Sync: link token is required")
	}

	log := logger.FromContext(ctx).With().
		Str("principal_id", principalID).
		Str("link_token", redactToken(linkToken)).
		Logger()
	ctx = logger.WithContext(ctx, log)

	state := &SyncState{
		PrincipalID: principalID,
		LinkToken:   linkToken,
		Institution: institution,
	}

	if err := s.NewLinkSyncPipeline().Execute(ctx, state); err != nil {
		log.Error().Err(err).Int("synced", state.Report.Synced).Msg("Sync failed")
		return &state.Report, err
	}

	log.Info().
		Int("synced", state.Report.Synced).
		Int("accounts", state.Report.Accounts).
		Int("failed_accounts", len(state.Report.FailedAccounts)).
		Msg("Sync completed")

	return &state.Report, nil
}

// redactToken keeps enough of a link token to correlate log lines.
func redactToken(token string) string {
	const keep = 8
	if len(token) <= keep {
		return token
	}
	return token[:keep] + "..."
}
