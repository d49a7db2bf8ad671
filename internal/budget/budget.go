// Package budget derives savings and spending figures from classified transactions.
// Every function recomputes from the full transaction set on each call.
package budget

import (
	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// CategoryAmount is the debit total of one category.
type CategoryAmount struct {
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
}

// Line is the budget status of one configured category.
type Line struct {
	Category    string          `json:"category"`
	Limit       decimal.Decimal `json:"limit"`
	Spent       decimal.Decimal `json:"spent"`
	Remaining   decimal.Decimal `json:"remaining"`
	Utilization decimal.Decimal `json:"utilization"` // spent / limit
	OverBudget  bool            `json:"over_budget"`
}

// SavingsProgress tracks net savings against a goal.
type SavingsProgress struct {
	Net     decimal.Decimal `json:"net"`
	Goal    decimal.Decimal `json:"goal"`
	Percent int64           `json:"percent"`
	Capped  int64           `json:"capped"` // Percent clamped to [0, 100]
}

// Summary bundles every derived view.
type Summary struct {
	Income     decimal.Decimal  `json:"income"`
	Expenses   decimal.Decimal  `json:"expenses"`
	NetSavings decimal.Decimal  `json:"net_savings"`
	Breakdown  []CategoryAmount `json:"breakdown"`
	Budget     []Line           `json:"budget"`
	Progress   SavingsProgress  `json:"progress"`
}

// Totals returns the credit and debit sums.
func Totals(txs []*domain.Transaction) (income, expenses decimal.Decimal) {
	for _, tx := range txs {
		switch tx.Direction {
		case domain.DirectionCredit:
			income = income.Add(tx.Amount)
		case domain.DirectionDebit:
			expenses = expenses.Add(tx.Amount)
		}
	}
	return income, expenses
}

// NetSavings is the sum of credits minus the sum of debits.
func NetSavings(txs []*domain.Transaction) decimal.Decimal {
	income, expenses := Totals(txs)
	return income.Sub(expenses)
}

// CategoryBreakdown sums debits per category in order of first appearance.
// Uncategorized debits are grouped under uncategorized.
func CategoryBreakdown(txs []*domain.Transaction, uncategorized string) []CategoryAmount {
	index := make(map[string]int)
	var out []CategoryAmount

	for _, tx := range txs {
		if tx.Direction != domain.DirectionDebit {
			continue
		}
		cat := tx.CategoryOr(uncategorized)
		i, ok := index[cat]
		if !ok {
			i = len(out)
			index[cat] = i
			out = append(out, CategoryAmount{Category: cat})
		}
		out[i].Amount = out[i].Amount.Add(tx.Amount)
	}

	return out
}

// Status reports spending against each limit, in limit order. Categories without
// a limit are not reported.
func Status(txs []*domain.Transaction, limits []domain.BudgetLimit) []Line {
	spent := make(map[string]decimal.Decimal, len(limits))
	for _, tx := range txs {
		if tx.Direction != domain.DirectionDebit || !tx.IsCategorized() {
			continue
		}
		spent[*tx.Category] = spent[*tx.Category].Add(tx.Amount)
	}

	lines := make([]Line, 0, len(limits))
	for _, l := range limits {
		s := spent[l.Category]
		lines = append(lines, Line{
			Category:    l.Category,
			Limit:       l.Limit,
			Spent:       s,
			Remaining:   l.Limit.Sub(s),
			Utilization: utilization(s, l.Limit),
			OverBudget:  s.GreaterThan(l.Limit),
		})
	}
	return lines
}

func utilization(spent, limit decimal.Decimal) decimal.Decimal {
	if limit.IsZero() {
		if spent.IsPositive() {
			return decimal.NewFromInt(1)
		}
		return decimal.Zero
	}
	return spent.DivRound(limit, 4)
}

// Progress compares net savings with goal. Percent is rounded to the nearest integer.
func Progress(txs []*domain.Transaction, goal decimal.Decimal) SavingsProgress {
	net := NetSavings(txs)
	p := SavingsProgress{Net: net, Goal: goal}
	if !goal.IsPositive() {
		return p
	}

	p.Percent = net.Mul(decimal.NewFromInt(100)).Div(goal).Round(0).IntPart()
	p.Capped = p.Percent
	if p.Capped > 100 {
		p.Capped = 100
	}
	if p.Capped < 0 {
		p.Capped = 0
	}
	return p
}

// Summarize computes every view in one pass over the configuration.
func Summarize(txs []*domain.Transaction, limits []domain.BudgetLimit, goal decimal.Decimal, uncategorized string) Summary {
	income, expenses := Totals(txs)
	return Summary{
		Income:     income,
		Expenses:   expenses,
		NetSavings: income.Sub(expenses),
		Breakdown:  CategoryBreakdown(txs, uncategorized),
		Budget:     Status(txs, limits),
		Progress:   Progress(txs, goal),
	}
}

// DefaultLimits returns the household monthly limits.
func DefaultLimits() []domain.BudgetLimit {
	return []domain.BudgetLimit{
		{Category: "Cuentas Casa", Limit: decimal.NewFromInt(100000)},
		{Category: "Supermercado (Comida)", Limit: decimal.NewFromInt(200000)},
		{Category: "Gastos Chicos/Almacén", Limit: decimal.NewFromInt(50000)},
		{Category: "Entretenimiento", Limit: decimal.NewFromInt(80000)},
	}
}

// DefaultSavingsGoal is the household savings target.
var DefaultSavingsGoal = decimal.NewFromInt(1000000)
