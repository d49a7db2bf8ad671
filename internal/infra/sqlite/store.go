// Package sqlite is a single-file store backend for local and small deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/store"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

// Store implements store.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens (creating if needed) the database at dbPath and applies migrations.
func Open(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("Open: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("Open: open sqlite database: %w", err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const upsertTransactionSQL = `
INSERT INTO transactions (
    principal_id, external_id, description, amount, direction, value_date,
    review_state, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (external_id) DO UPDATE SET
    description = excluded.description,
    amount      = excluded.amount,
    direction   = excluded.direction,
    value_date  = excluded.value_date,
    updated_at  = excluded.updated_at`

// UpsertTransactions implements store.TransactionRepository. Classification
// columns are never part of the conflict update.
func (s *Store) UpsertTransactions(ctx context.Context, rows []*domain.Transaction) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("UpsertTransactions: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertTransactionSQL)
	if err != nil {
		return 0, fmt.Errorf("UpsertTransactions: prepare: %w", err)
	}
	defer stmt.Close()

	now := s.now().UnixNano()
	for _, r := range rows {
		if r.ExternalID == "" {
			return 0, fmt.Errorf("UpsertTransactions: external_id is required")
		}
		reviewState := r.ReviewState
		if reviewState == "" {
			reviewState = domain.ReviewPending
		}
		_, err := stmt.ExecContext(ctx,
			r.PrincipalID, r.ExternalID, r.Description, r.Amount.String(), string(r.Direction),
			r.ValueDate.String(), string(reviewState), now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("UpsertTransactions: external_id %s: %w", r.ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("UpsertTransactions: commit: %w", err)
	}
	return len(rows), nil
}

const selectTransactionColumns = `
SELECT id, principal_id, external_id, description, amount, direction, value_date,
       category, review_state, rationale, created_at, updated_at
FROM transactions`

// ListTransactions implements store.TransactionRepository.
func (s *Store) ListTransactions(ctx context.Context, principalID string) ([]*domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectTransactionColumns+` WHERE principal_id = ? ORDER BY id`, principalID)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: query: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ListTransactions: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListTransactions: iterate: %w", err)
	}
	return out, nil
}

// GetTransaction implements store.TransactionRepository.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %s: %w", id, domain.ErrNotFound)
	}

	t, err := scanTransaction(s.db.QueryRowContext(ctx, selectTransactionColumns+` WHERE id = ?`, rowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("GetTransaction: %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return t, nil
}

// UpdateClassification implements store.TransactionRepository.
func (s *Store) UpdateClassification(ctx context.Context, id string, result domain.ClassificationResult) error {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("UpdateClassification: %s: %w", id, domain.ErrNotFound)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET category = ?, review_state = ?, rationale = ?, updated_at = ? WHERE id = ?`,
		result.Category, string(result.ReviewState), result.Rationale, s.now().UnixNano(), rowID,
	)
	if err != nil {
		return fmt.Errorf("UpdateClassification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateClassification: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("UpdateClassification: %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UpsertBankLink implements store.LinkRepository.
func (s *Store) UpsertBankLink(ctx context.Context, link *domain.BankLink) error {
	if link.LinkToken == "" {
		return fmt.Errorf("UpsertBankLink: link_token is required")
	}
	createdAt := link.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO bank_links (link_token, principal_id, institution, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (link_token) DO UPDATE SET
    principal_id = excluded.principal_id,
    institution  = excluded.institution,
    created_at   = excluded.created_at`,
		link.LinkToken, link.PrincipalID, link.Institution, createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("UpsertBankLink: %w", err)
	}
	return nil
}

// LatestLink implements store.LinkRepository.
func (s *Store) LatestLink(ctx context.Context, principalID string) (*domain.BankLink, error) {
	var (
		link      domain.BankLink
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT link_token, principal_id, institution, created_at
FROM bank_links
WHERE principal_id = ?
ORDER BY created_at DESC
LIMIT 1`, principalID).Scan(&link.LinkToken, &link.PrincipalID, &link.Institution, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("LatestLink: principal %s: %w", principalID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("LatestLink: %w", err)
	}
	link.CreatedAt = time.Unix(0, createdAt).UTC()
	return &link, nil
}

// RecordDecision implements store.DecisionLog.
func (s *Store) RecordDecision(ctx context.Context, d *domain.Decision) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO classification_decisions (
    id, transaction_id, principal_id, source, model_name, raw_output,
    category, review_state, status, error, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TransactionID, d.PrincipalID, string(d.Source), d.ModelName, d.RawOutput,
		d.Category, string(d.ReviewState), d.Status, d.Error, createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("RecordDecision: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(r rowScanner) (*domain.Transaction, error) {
	var (
		t                    domain.Transaction
		id                   int64
		amount, direction    string
		valueDate, review    string
		category, rationale  sql.NullString
		createdAt, updatedAt int64
	)
	if err := r.Scan(&id, &t.PrincipalID, &t.ExternalID, &t.Description, &amount, &direction,
		&valueDate, &category, &review, &rationale, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("scan transaction %d: amount %q: %w", id, amount, err)
	}
	if t.ValueDate, err = civil.ParseDate(valueDate); err != nil {
		return nil, fmt.Errorf("scan transaction %d: value_date %q: %w", id, valueDate, err)
	}

	t.ID = strconv.FormatInt(id, 10)
	t.Direction = domain.Direction(direction)
	t.ReviewState = domain.ReviewState(review)
	if category.Valid {
		t.Category = &category.String
	}
	if rationale.Valid {
		t.Rationale = &rationale.String
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &t, nil
}
