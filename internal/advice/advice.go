// Package advice asks the reasoning service for spending-reduction tips based on
// a principal's classified transactions. It never suggests investments.
package advice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dvloznov/movements-ledger/internal/budget"
	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/logger"
	"github.com/dvloznov/movements-ledger/internal/reasoning"
	"google.golang.org/genai"
)

// DefaultCount is the number of recommendations requested.
const DefaultCount = 3

// maxPromptTransactions bounds the prompt size for principals with long histories.
const maxPromptTransactions = 200

// Recommendation is one savings strategy.
type Recommendation struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	EstimatedSaving string `json:"estimated_saving"`
}

// Advisor produces savings recommendations.
type Advisor struct {
	generator reasoning.Generator
	count     int
}

// NewAdvisor creates an Advisor backed by g.
func NewAdvisor(g reasoning.Generator) *Advisor {
	return &Advisor{generator: g, count: DefaultCount}
}

// Recommend returns spending-reduction strategies for the given transactions and
// budget summary. Output that does not match the expected shape is rejected.
func (a *Advisor) Recommend(ctx context.Context, txs []*domain.Transaction, summary budget.Summary) ([]Recommendation, error) {
	if a == nil || a.generator == nil {
		return nil, fmt.Errorf("Recommend: %w: reasoning service", domain.ErrConfigMissing)
	}
	if len(txs) == 0 {
		return []Recommendation{}, nil
	}

	raw, err := a.generator.GenerateStructured(ctx, buildPrompt(txs, summary, a.count), recommendationsSchema())
	if err != nil {
		return nil, fmt.Errorf("Recommend: %w: %w", domain.ErrAdviceUnavailable, err)
	}

	recs, err := decodeRecommendations(raw)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("model", a.generator.ModelName()).Msg("Rejected savings recommendations")
		return nil, fmt.Errorf("Recommend: %w: %w", domain.ErrAdviceUnavailable, err)
	}
	return recs, nil
}

func buildPrompt(txs []*domain.Transaction, summary budget.Summary, count int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Analyze the household transactions below and suggest %d specific strategies to PROTECT and GROW savings ", count)
	b.WriteString("exclusively by reducing expenses and optimizing the budget. Do NOT suggest investments.\n\n")
	b.WriteString("Focus on:\n")
	b.WriteString("1. Finding small recurring leaks (gastos hormiga).\n")
	b.WriteString("2. Cuts in non-essential categories.\n")
	b.WriteString("3. Savings targets based on current behavior.\n\n")

	fmt.Fprintf(&b, "Totals: income %s, expenses %s, net savings %s, savings goal %s.\n",
		summary.Income, summary.Expenses, summary.NetSavings, summary.Progress.Goal)
	if len(summary.Budget) > 0 {
		b.WriteString("Budget:\n")
		for _, line := range summary.Budget {
			fmt.Fprintf(&b, "- %s: spent %s of %s\n", line.Category, line.Spent, line.Limit)
		}
	}

	b.WriteString("\nTransactions:\n")
	start := 0
	if len(txs) > maxPromptTransactions {
		start = len(txs) - maxPromptTransactions
	}
	for _, tx := range txs[start:] {
		fmt.Fprintf(&b, "- %q %s %s [%s]\n", tx.Description, tx.Direction, tx.Amount, tx.CategoryOr("uncategorized"))
	}

	b.WriteString("\nReturn ONLY a JSON array of objects with the fields title, description and estimated_saving. ")
	b.WriteString("Write them in Spanish.\n")
	return b.String()
}

func recommendationsSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"title":            {Type: genai.TypeString},
				"description":      {Type: genai.TypeString},
				"estimated_saving": {Type: genai.TypeString},
			},
			Required:         []string{"title", "description", "estimated_saving"},
			PropertyOrdering: []string{"title", "description", "estimated_saving"},
		},
	}
}

func decodeRecommendations(raw json.RawMessage) ([]Recommendation, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var recs []Recommendation
	if err := dec.Decode(&recs); err != nil {
		return nil, fmt.Errorf("decode recommendations: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode recommendations: trailing data")
	}

	for i, r := range recs {
		if strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.Description) == "" || strings.TrimSpace(r.EstimatedSaving) == "" {
			return nil, fmt.Errorf("recommendation %d is missing a field", i+1)
		}
	}
	if recs == nil {
		recs = []Recommendation{}
	}
	return recs, nil
}
