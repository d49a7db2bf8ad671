package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/infra/memory"
	"github.com/dvloznov/movements-ledger/internal/pipeline"
	"github.com/shopspring/decimal"
)

// MockMovementSource is a mock implementation of pipeline.MovementSource.
type MockMovementSource struct {
	ListAccountsFunc  func(ctx context.Context, linkToken string) ([]domain.Account, error)
	ListMovementsFunc func(ctx context.Context, linkToken, accountID string) ([]domain.RawMovement, error)
}

func (m *MockMovementSource) ListAccounts(ctx context.Context, linkToken string) ([]domain.Account, error) {
	if m.ListAccountsFunc != nil {
		return m.ListAccountsFunc(ctx, linkToken)
	}
	return nil, nil
}

func (m *MockMovementSource) ListMovements(ctx context.Context, linkToken, accountID string) ([]domain.RawMovement, error) {
	if m.ListMovementsFunc != nil {
		return m.ListMovementsFunc(ctx, linkToken, accountID)
	}
	return nil, nil
}

// MockTransactionWriter fails every upsert with Err.
type MockTransactionWriter struct {
	Err error
}

func (m *MockTransactionWriter) UpsertTransactions(ctx context.Context, rows []*domain.Transaction) (int, error) {
	return 0, m.Err
}

// MockArchiver records archived batches.
type MockArchiver struct {
	Archived map[string]int
	Err      error
}

func (m *MockArchiver) ArchiveMovements(ctx context.Context, principalID, accountID string, movements []domain.RawMovement) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	if m.Archived == nil {
		m.Archived = map[string]int{}
	}
	m.Archived[accountID] += len(movements)
	return "gs://archive/" + accountID + ".json", nil
}

var fixedNow = time.Date(2024, time.October, 15, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func postedAt(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func movement(id, desc string, amount int64) domain.RawMovement {
	return domain.RawMovement{
		ExternalID:  id,
		Description: desc,
		Amount:      decimal.NewFromInt(amount),
		PostedAt:    postedAt(2024, time.October, 1),
	}
}

func singleAccountSource(movements ...domain.RawMovement) *MockMovementSource {
	return &MockMovementSource{
		ListAccountsFunc: func(ctx context.Context, linkToken string) ([]domain.Account, error) {
			return []domain.Account{{ID: "acc_1"}}, nil
		},
		ListMovementsFunc: func(ctx context.Context, linkToken, accountID string) ([]domain.RawMovement, error) {
			return movements, nil
		},
	}
}

func TestSync_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	source := singleAccountSource(
		movement("mv_1", "Sueldo Octubre", 1500000),
		movement("mv_2", "Lider Express", -25990),
	)
	syncer := pipeline.NewSyncer(source, store, store, pipeline.WithClock(clock))

	for i := 0; i < 2; i++ {
		report, err := syncer.Sync(ctx, "p1", "lt_1", "")
		if err != nil {
			t.Fatalf("run %d: Sync() error = %v", i+1, err)
		}
		if report.Synced != 2 {
			t.Errorf("run %d: Synced = %d, want 2", i+1, report.Synced)
		}
	}

	rows, err := store.ListTransactions(ctx, "p1")
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 stored rows after two syncs, got %d", len(rows))
	}
}

func TestSync_DedupKeyStability(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	first := pipeline.NewSyncer(singleAccountSource(movement("mv_1", "Compra", -1000)), store, store, pipeline.WithClock(clock))
	if _, err := first.Sync(ctx, "p1", "lt_1", ""); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	updated := domain.RawMovement{
		ExternalID:  "mv_1",
		Description: "Compra Jumbo",
		Amount:      decimal.NewFromInt(-1200),
		PostedAt:    postedAt(2024, time.October, 2),
	}
	second := pipeline.NewSyncer(singleAccountSource(updated), store, store, pipeline.WithClock(clock))
	if _, err := second.Sync(ctx, "p1", "lt_1", ""); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	rows, _ := store.ListTransactions(ctx, "p1")
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	got := rows[0]
	if got.Description != "Compra Jumbo" {
		t.Errorf("Description = %q, want %q", got.Description, "Compra Jumbo")
	}
	if !got.Amount.Equal(decimal.NewFromInt(1200)) {
		t.Errorf("Amount = %s, want 1200", got.Amount)
	}
	if want := (civil.Date{Year: 2024, Month: time.October, Day: 2}); got.ValueDate != want {
		t.Errorf("ValueDate = %s, want %s", got.ValueDate, want)
	}
}

func TestSync_DuplicateInsideBatchLastWins(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	source := singleAccountSource(
		movement("mv_1", "first", -100),
		movement("mv_2", "other", -5),
		movement("mv_1", "second", -200),
	)

	report, err := pipeline.NewSyncer(source, store, store, pipeline.WithClock(clock)).Sync(ctx, "p1", "lt_1", "")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Synced != 2 {
		t.Errorf("Synced = %d, want 2", report.Synced)
	}

	rows, _ := store.ListTransactions(ctx, "p1")
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].ExternalID != "mv_1" || rows[0].Description != "second" {
		t.Errorf("rows[0] = %s/%q, want mv_1/\"second\"", rows[0].ExternalID, rows[0].Description)
	}
}

func TestSync_SignDirectionLaw(t *testing.T) {
	tests := []struct {
		name          string
		amount        decimal.Decimal
		wantAmount    decimal.Decimal
		wantDirection domain.Direction
	}{
		{"credit", decimal.NewFromInt(1500), decimal.NewFromInt(1500), domain.DirectionCredit},
		{"debit", decimal.NewFromInt(-1500), decimal.NewFromInt(1500), domain.DirectionDebit},
		{"zero is debit", decimal.Zero, decimal.Zero, domain.DirectionDebit},
		{"fractional debit", decimal.RequireFromString("-50.01"), decimal.RequireFromString("50.01"), domain.DirectionDebit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewStore()
			source := singleAccountSource(domain.RawMovement{ExternalID: "mv_1", Description: "x", Amount: tt.amount})

			if _, err := pipeline.NewSyncer(source, store, store, pipeline.WithClock(clock)).Sync(ctx, "p1", "lt_1", ""); err != nil {
				t.Fatalf("Sync() error = %v", err)
			}

			rows, _ := store.ListTransactions(ctx, "p1")
			if len(rows) != 1 {
				t.Fatalf("expected 1 row, got %d", len(rows))
			}
			if !rows[0].Amount.Equal(tt.wantAmount) {
				t.Errorf("Amount = %s, want %s", rows[0].Amount, tt.wantAmount)
			}
			if rows[0].Direction != tt.wantDirection {
				t.Errorf("Direction = %s, want %s", rows[0].Direction, tt.wantDirection)
			}
		})
	}
}

func TestSync_DefaultsForMissingFields(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	source := singleAccountSource(domain.RawMovement{ExternalID: "mv_1", Description: "   ", Amount: decimal.NewFromInt(-10)})

	if _, err := pipeline.NewSyncer(source, store, store, pipeline.WithClock(clock)).Sync(ctx, "p1", "lt_1", ""); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	rows, _ := store.ListTransactions(ctx, "p1")
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	got := rows[0]
	if got.Description != domain.DefaultDescription {
		t.Errorf("Description = %q, want placeholder", got.Description)
	}
	if got.ValueDate != civil.DateOf(fixedNow) {
		t.Errorf("ValueDate = %s, want %s", got.ValueDate, civil.DateOf(fixedNow))
	}
	if got.ReviewState != domain.ReviewPending {
		t.Errorf("ReviewState = %q, want pending", got.ReviewState)
	}
	if got.Category != nil {
		t.Errorf("Category = %q, want unset", *got.Category)
	}
}

func TestSync_MovementsWithoutIDAreDropped(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	source := singleAccountSource(movement("", "no id", -10), movement("mv_1", "ok", -10))

	report, err := pipeline.NewSyncer(source, store, store, pipeline.WithClock(clock)).Sync(ctx, "p1", "lt_1", "")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Synced != 1 {
		t.Errorf("Synced = %d, want 1", report.Synced)
	}
}

func TestSync_PartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	source := &MockMovementSource{
		ListAccountsFunc: func(ctx context.Context, linkToken string) ([]domain.Account, error) {
			return []domain.Account{{ID: "acc_1"}, {ID: "acc_2"}, {ID: "acc_3"}}, nil
		},
		ListMovementsFunc: func(ctx context.Context, linkToken, accountID string) ([]domain.RawMovement, error) {
			switch accountID {
			case "acc_1":
				return []domain.RawMovement{movement("mv_1", "a", -1), movement("mv_2", "b", -2)}, nil
			case "acc_2":
				return nil, errors.New("upstream timeout")
			default:
				return []domain.RawMovement{movement("mv_3", "c", 3)}, nil
			}
		},
	}

	report, err := pipeline.NewSyncer(source, store, store, pipeline.WithClock(clock)).Sync(ctx, "p1", "lt_1", "")
	if err != nil {
		t.Fatalf("Sync() error = %v, want nil", err)
	}
	if report.Synced != 3 {
		t.Errorf("Synced = %d, want 3", report.Synced)
	}
	if report.Accounts != 3 {
		t.Errorf("Accounts = %d, want 3", report.Accounts)
	}
	if len(report.FailedAccounts) != 1 || report.FailedAccounts[0].AccountID != "acc_2" {
		t.Errorf("FailedAccounts = %+v, want only acc_2", report.FailedAccounts)
	}
}

func TestSync_NoAccounts(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	report, err := pipeline.NewSyncer(&MockMovementSource{}, store, store, pipeline.WithClock(clock)).Sync(ctx, "p1", "lt_1", "")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Synced != 0 {
		t.Errorf("Synced = %d, want 0", report.Synced)
	}
}

func TestSync_EmptyAccountIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	report, err := pipeline.NewSyncer(singleAccountSource(), store, store, pipeline.WithClock(clock)).Sync(ctx, "p1", "lt_1", "")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.SkippedAccounts != 1 {
		t.Errorf("SkippedAccounts = %d, want 1", report.SkippedAccounts)
	}
}

func TestSync_AccountListFailureIsFatalButLinkIsKept(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	source := &MockMovementSource{
		ListAccountsFunc: func(ctx context.Context, linkToken string) ([]domain.Account, error) {
			return nil, errors.New("401 unauthorized")
		},
	}

	_, err := pipeline.NewSyncer(source, store, store, pipeline.WithClock(clock)).Sync(ctx, "p1", "lt_1", "inst_1")
	if err == nil {
		t.Fatal("expected error when account listing fails")
	}
	if !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}

	link, err := store.LatestLink(ctx, "p1")
	if err != nil {
		t.Fatalf("LatestLink() error = %v", err)
	}
	if link.LinkToken != "lt_1" || link.Institution != "inst_1" {
		t.Errorf("link = %+v, want lt_1/inst_1", link)
	}
}

func TestSync_StoreFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	links := memory.NewStore()
	writer := &MockTransactionWriter{Err: errors.New("disk full")}

	_, err := pipeline.NewSyncer(singleAccountSource(movement("mv_1", "a", -1)), writer, links, pipeline.WithClock(clock)).Sync(ctx, "p1", "lt_1", "")
	if !errors.Is(err, domain.ErrStoreConflict) {
		t.Errorf("expected ErrStoreConflict, got %v", err)
	}
}

func TestSync_ResyncKeepsClassification(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	syncer := pipeline.NewSyncer(singleAccountSource(movement("mv_1", "Lider", -5000)), store, store, pipeline.WithClock(clock))

	if _, err := syncer.Sync(ctx, "p1", "lt_1", ""); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	rows, _ := store.ListTransactions(ctx, "p1")
	err := store.UpdateClassification(ctx, rows[0].ID, domain.ClassificationResult{
		Category:    "Supermercado (Comida)",
		ReviewState: domain.ReviewConfirmed,
		Rationale:   "manually overridden by user",
		Source:      domain.SourceManual,
	})
	if err != nil {
		t.Fatalf("UpdateClassification() error = %v", err)
	}

	if _, err := syncer.Sync(ctx, "p1", "lt_1", ""); err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}

	got, _ := store.GetTransaction(ctx, rows[0].ID)
	if got.CategoryOr("") != "Supermercado (Comida)" {
		t.Errorf("Category = %q, want it preserved", got.CategoryOr(""))
	}
	if got.ReviewState != domain.ReviewConfirmed {
		t.Errorf("ReviewState = %q, want confirmed", got.ReviewState)
	}
}

func TestSync_ArchiverFailureDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	archiver := &MockArchiver{Err: errors.New("bucket missing")}

	report, err := pipeline.NewSyncer(
		singleAccountSource(movement("mv_1", "a", -1)), store, store,
		pipeline.WithClock(clock), pipeline.WithArchiver(archiver),
	).Sync(ctx, "p1", "lt_1", "")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Synced != 1 {
		t.Errorf("Synced = %d, want 1", report.Synced)
	}
}

func TestSync_RequiresPrincipalAndToken(t *testing.T) {
	store := memory.NewStore()
	syncer := pipeline.NewSyncer(&MockMovementSource{}, store, store)

	if _, err := syncer.Sync(context.Background(), "", "lt_1", ""); err == nil {
		t.Error("expected error for empty principal")
	}
	if _, err := syncer.Sync(context.Background(), "p1", "", ""); err == nil {
		t.Error("expected error for empty link token")
	}
}

func TestSync_SameMovementUnderTwoAccountsCountsOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	source := &MockMovementSource{
		ListAccountsFunc: func(ctx context.Context, linkToken string) ([]domain.Account, error) {
			return []domain.Account{{ID: "acc_1"}, {ID: "acc_2"}}, nil
		},
		ListMovementsFunc: func(ctx context.Context, linkToken, accountID string) ([]domain.RawMovement, error) {
			if accountID == "acc_1" {
				return []domain.RawMovement{movement("mv_1", "Traspaso", -5000), movement("mv_2", "Lider", -900)}, nil
			}
			return []domain.RawMovement{movement("mv_1", "Traspaso entre cuentas", -5000)}, nil
		},
	}

	report, err := pipeline.NewSyncer(source, store, store, pipeline.WithClock(clock)).Sync(ctx, "p1", "lt_1", "")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	rows, err := store.ListTransactions(ctx, "p1")
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("stored rows = %d, want 2", len(rows))
	}
	if report.Synced != len(rows) {
		t.Errorf("Synced = %d, want %d", report.Synced, len(rows))
	}
	for _, row := range rows {
		if row.ExternalID == "mv_1" && row.Description != "Traspaso entre cuentas" {
			t.Errorf("mv_1 description = %q, want the later account's version", row.Description)
		}
	}
}
