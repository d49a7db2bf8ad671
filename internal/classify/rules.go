package classify

import (
	"strings"
	"unicode"

	"github.com/dvloznov/movements-ledger/internal/domain"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Category names of the default household budget.
const (
	CategorySalary        = "Sueldo"
	CategoryRent          = "Arriendo"
	CategoryRobertoMella  = "Ingreso Roberto Mella"
	CategoryHouseBills    = "Cuentas Casa"
	CategorySupermarket   = "Supermercado (Comida)"
	CategorySmallExpenses = "Gastos Chicos/Almacén"
	CategoryEntertainment = "Entretenimiento"

	// CatchAll is assigned when no rule matches with full confidence.
	CatchAll = "Por Definir"
)

// FullConfidence marks a rule whose match is final without human review.
const FullConfidence = 1.0

// Rule maps description patterns to a category.
type Rule struct {
	Name     string
	Category string

	// Patterns are matched as substrings, ignoring case and accents.
	Patterns []string

	// Direction restricts the rule to credits or debits. Empty matches both.
	Direction domain.Direction

	Confidence float64
}

// Matches reports whether the rule applies to tx.
func (r Rule) Matches(tx *domain.Transaction) bool {
	if r.Direction != "" && r.Direction != tx.Direction {
		return false
	}
	desc := fold(tx.Description)
	for _, p := range r.Patterns {
		if p = fold(p); p != "" && strings.Contains(desc, p) {
			return true
		}
	}
	return false
}

// RuleSet is a priority-ordered rule table. The first matching rule wins.
type RuleSet []Rule

// Match returns the first rule that applies to tx.
func (rs RuleSet) Match(tx *domain.Transaction) (Rule, int, bool) {
	for i, r := range rs {
		if r.Matches(tx) {
			return r, i, true
		}
	}
	return Rule{}, -1, false
}

// Categories returns the distinct rule categories in rule order.
func (rs RuleSet) Categories() []string {
	seen := make(map[string]bool, len(rs))
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		if !seen[r.Category] {
			seen[r.Category] = true
			out = append(out, r.Category)
		}
	}
	return out
}

// DefaultRules returns the household rule table. Rules 1-3 only match credits
// and rules 4-6 only match debits.
func DefaultRules() RuleSet {
	return RuleSet{
		{
			Name:       "salary",
			Category:   CategorySalary,
			Patterns:   []string{"sueldo", "remuneración", "pago de nómina"},
			Direction:  domain.DirectionCredit,
			Confidence: FullConfidence,
		},
		{
			Name:       "rent",
			Category:   CategoryRent,
			Patterns:   []string{"arriendo", "alquiler"},
			Direction:  domain.DirectionCredit,
			Confidence: FullConfidence,
		},
		{
			Name:       "roberto-mella",
			Category:   CategoryRobertoMella,
			Patterns:   []string{"roberto mella"},
			Direction:  domain.DirectionCredit,
			Confidence: FullConfidence,
		},
		{
			Name:       "house-bills",
			Category:   CategoryHouseBills,
			Patterns:   []string{"servipag", "dividendo", "luz", "agua", "enel", "aguas andinas", "isapre"},
			Direction:  domain.DirectionDebit,
			Confidence: FullConfidence,
		},
		{
			Name:       "supermarket",
			Category:   CategorySupermarket,
			Patterns:   []string{"lider", "walmart", "jumbo", "unimarc", "tottus", "hipermercado"},
			Direction:  domain.DirectionDebit,
			Confidence: FullConfidence,
		},
		{
			Name:       "small-expenses",
			Category:   CategorySmallExpenses,
			Patterns:   []string{"almacén", "minimarket", "kiosco", "botillería"},
			Direction:  domain.DirectionDebit,
			Confidence: FullConfidence,
		},
	}
}

// fold lowercases s and strips diacritics so "Remuneración" matches "remuneracion".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}
