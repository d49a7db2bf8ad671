package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/store"
)

// Store is an in-memory implementation of store.Store.
// It is safe for concurrent use. Data is lost on restart.
type Store struct {
	mu sync.RWMutex

	nextID     int64
	order      []string                       // transaction ids in insertion order
	byID       map[string]*domain.Transaction // id -> row
	byExternal map[string]string              // external_id -> id

	links     map[string]*domain.BankLink // link_token -> link
	decisions []*domain.Decision

	now func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		byID:       make(map[string]*domain.Transaction),
		byExternal: make(map[string]string),
		links:      make(map[string]*domain.BankLink),
		now:        time.Now,
	}
}

// UpsertTransactions implements store.TransactionRepository.
func (s *Store) UpsertTransactions(ctx context.Context, rows []*domain.Transaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for i, row := range rows {
		if row.ExternalID == "" {
			return 0, fmt.Errorf("UpsertTransactions: row %d: external_id is required", i)
		}

		if id, ok := s.byExternal[row.ExternalID]; ok {
			existing := s.byID[id]
			existing.Description = row.Description
			existing.Amount = row.Amount
			existing.Direction = row.Direction
			existing.ValueDate = row.ValueDate
			existing.UpdatedAt = now
			continue
		}

		s.nextID++
		id := strconv.FormatInt(s.nextID, 10)

		stored := copyTransaction(row)
		stored.ID = id
		if stored.ReviewState == "" {
			stored.ReviewState = domain.ReviewPending
		}
		stored.CreatedAt = now
		stored.UpdatedAt = now

		s.byID[id] = stored
		s.byExternal[row.ExternalID] = id
		s.order = append(s.order, id)
	}

	return len(rows), nil
}

// ListTransactions implements store.TransactionRepository.
func (s *Store) ListTransactions(ctx context.Context, principalID string) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Transaction
	for _, id := range s.order {
		tx := s.byID[id]
		if tx.PrincipalID != principalID {
			continue
		}
		result = append(result, copyTransaction(tx))
	}
	return result, nil
}

// GetTransaction implements store.TransactionRepository.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("GetTransaction: %s: %w", id, domain.ErrNotFound)
	}
	return copyTransaction(tx), nil
}

// UpdateClassification implements store.TransactionRepository.
func (s *Store) UpdateClassification(ctx context.Context, id string, result domain.ClassificationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("UpdateClassification: %s: %w", id, domain.ErrNotFound)
	}

	category := result.Category
	rationale := result.Rationale
	tx.Category = &category
	tx.ReviewState = result.ReviewState
	tx.Rationale = &rationale
	tx.UpdatedAt = s.now()
	return nil
}

// UpsertBankLink implements store.LinkRepository.
func (s *Store) UpsertBankLink(ctx context.Context, link *domain.BankLink) error {
	if link.LinkToken == "" {
		return fmt.Errorf("UpsertBankLink: link_token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *link
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.links[link.LinkToken] = &stored
	return nil
}

// LatestLink implements store.LinkRepository.
func (s *Store) LatestLink(ctx context.Context, principalID string) (*domain.BankLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.BankLink
	for _, link := range s.links {
		if link.PrincipalID != principalID {
			continue
		}
		if latest == nil || link.CreatedAt.After(latest.CreatedAt) {
			latest = link
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("LatestLink: principal %s: %w", principalID, domain.ErrNotFound)
	}

	linkCopy := *latest
	return &linkCopy, nil
}

// RecordDecision implements store.DecisionLog.
func (s *Store) RecordDecision(ctx context.Context, d *domain.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	decisionCopy := *d
	s.decisions = append(s.decisions, &decisionCopy)
	return nil
}

// Decisions returns a copy of the recorded decision log.
func (s *Store) Decisions() []domain.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Decision, 0, len(s.decisions))
	for _, d := range s.decisions {
		out = append(out, *d)
	}
	return out
}

// Close implements store.Store. Nothing to release.
func (s *Store) Close() error {
	return nil
}

func copyTransaction(t *domain.Transaction) *domain.Transaction {
	c := *t
	if t.Category != nil {
		category := *t.Category
		c.Category = &category
	}
	if t.Rationale != nil {
		rationale := *t.Rationale
		c.Rationale = &rationale
	}
	return &c
}

// Ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)
