package budget

import (
	"testing"

	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func credit(amount string) *domain.Transaction {
	return &domain.Transaction{Amount: decimal.RequireFromString(amount), Direction: domain.DirectionCredit}
}

func debit(amount string, category string) *domain.Transaction {
	tx := &domain.Transaction{Amount: decimal.RequireFromString(amount), Direction: domain.DirectionDebit}
	if category != "" {
		tx.Category = &category
	}
	return tx
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAggregateCorrectness(t *testing.T) {
	txs := []*domain.Transaction{credit("100"), debit("40", "A"), debit("10", "A")}

	assert.True(t, NetSavings(txs).Equal(d("50")))

	breakdown := CategoryBreakdown(txs, "Por Definir")
	require.Len(t, breakdown, 1)
	assert.Equal(t, "A", breakdown[0].Category)
	assert.True(t, breakdown[0].Amount.Equal(d("50")))
}

func TestCategoryBreakdown_FirstAppearanceOrderAndCatchAll(t *testing.T) {
	txs := []*domain.Transaction{
		debit("5", "Z"),
		debit("7", ""),
		credit("1000"),
		debit("3", "A"),
		debit("1", "Z"),
	}

	got := CategoryBreakdown(txs, "Por Definir")
	require.Len(t, got, 3)
	assert.Equal(t, []string{"Z", "Por Definir", "A"}, []string{got[0].Category, got[1].Category, got[2].Category})
	assert.True(t, got[0].Amount.Equal(d("6")))
	assert.True(t, got[1].Amount.Equal(d("7")))
}

func TestStatus_Boundary(t *testing.T) {
	limits := []domain.BudgetLimit{{Category: "A", Limit: d("50")}}

	tests := []struct {
		name string
		txs  []*domain.Transaction
		over bool
	}{
		{"exactly at limit", []*domain.Transaction{debit("50", "A")}, false},
		{"one cent over", []*domain.Transaction{debit("50.01", "A")}, true},
		{"under", []*domain.Transaction{debit("10", "A")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := Status(tt.txs, limits)
			require.Len(t, lines, 1)
			assert.Equal(t, tt.over, lines[0].OverBudget)
		})
	}
}

func TestStatus_OnlyConfiguredCategories(t *testing.T) {
	txs := []*domain.Transaction{debit("30", "A"), debit("20", "B"), debit("10", ""), credit("999")}
	limits := []domain.BudgetLimit{{Category: "C", Limit: d("10")}, {Category: "A", Limit: d("60")}}

	lines := Status(txs, limits)
	require.Len(t, lines, 2)

	assert.Equal(t, "C", lines[0].Category)
	assert.True(t, lines[0].Spent.IsZero())
	assert.True(t, lines[0].Utilization.IsZero())

	assert.Equal(t, "A", lines[1].Category)
	assert.True(t, lines[1].Spent.Equal(d("30")))
	assert.True(t, lines[1].Remaining.Equal(d("30")))
	assert.True(t, lines[1].Utilization.Equal(d("0.5")))
}

func TestStatus_ZeroLimit(t *testing.T) {
	lines := Status([]*domain.Transaction{debit("1", "A")}, []domain.BudgetLimit{{Category: "A", Limit: decimal.Zero}})
	require.Len(t, lines, 1)
	assert.True(t, lines[0].OverBudget)
	assert.True(t, lines[0].Utilization.Equal(d("1")))
}

func TestProgress(t *testing.T) {
	tests := []struct {
		name        string
		txs         []*domain.Transaction
		goal        string
		wantPercent int64
		wantCapped  int64
	}{
		{"halfway", []*domain.Transaction{credit("500000")}, "1000000", 50, 50},
		{"rounded", []*domain.Transaction{credit("1235")}, "10000", 12, 12},
		{"beyond goal", []*domain.Transaction{credit("3000000")}, "1000000", 300, 100},
		{"negative", []*domain.Transaction{debit("100", "A")}, "1000", -10, 0},
		{"zero goal", []*domain.Transaction{credit("100")}, "0", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Progress(tt.txs, d(tt.goal))
			assert.Equal(t, tt.wantPercent, p.Percent)
			assert.Equal(t, tt.wantCapped, p.Capped)
		})
	}
}

func TestSummarize(t *testing.T) {
	txs := []*domain.Transaction{credit("1000"), debit("250", "Cuentas Casa"), debit("50", "")}

	s := Summarize(txs, DefaultLimits(), DefaultSavingsGoal, "Por Definir")

	assert.True(t, s.Income.Equal(d("1000")))
	assert.True(t, s.Expenses.Equal(d("300")))
	assert.True(t, s.NetSavings.Equal(d("700")))
	assert.Len(t, s.Breakdown, 2)
	assert.Len(t, s.Budget, 4)
	assert.True(t, s.Budget[0].Spent.Equal(d("250")))
	assert.Equal(t, int64(0), s.Progress.Percent)
}

func TestEmptySet(t *testing.T) {
	assert.True(t, NetSavings(nil).IsZero())
	assert.Empty(t, CategoryBreakdown(nil, "x"))
	assert.Empty(t, Status(nil, nil))
}
