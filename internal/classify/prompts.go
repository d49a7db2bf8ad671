package classify

import (
	"fmt"
	"strings"

	"github.com/dvloznov/movements-ledger/internal/domain"
	"google.golang.org/genai"
)

// buildClassificationPrompt renders the rule table and the transaction for the model.
func buildClassificationPrompt(rules RuleSet, catchAll string, tx *domain.Transaction) string {
	var b strings.Builder

	b.WriteString("You are a financial assistant classifying Chilean bank movements for a household budget.\n\n")

	b.WriteString("Transaction:\n")
	fmt.Fprintf(&b, "- description: %q\n", tx.Description)
	fmt.Fprintf(&b, "- amount: %s\n", tx.Amount.String())
	fmt.Fprintf(&b, "- direction: %s\n", tx.Direction)
	fmt.Fprintf(&b, "- date: %s\n\n", tx.ValueDate.String())

	b.WriteString("CLASSIFICATION RULES (evaluate in order, the first matching rule wins):\n")
	for i, r := range rules {
		fmt.Fprintf(&b, "%d. %q", i+1, r.Category)
		if len(r.Patterns) > 0 {
			fmt.Fprintf(&b, " if the description mentions any of: %s", strings.Join(r.Patterns, ", "))
		}
		if r.Direction != "" {
			fmt.Fprintf(&b, " (only %s movements)", r.Direction)
		}
		b.WriteString(". review_state \"confirmed\".\n")
	}
	fmt.Fprintf(&b, "%d. Anything else, or when you are not fully sure: %q with review_state \"pending\".\n\n", len(rules)+1, catchAll)

	b.WriteString("OUTPUT RULES:\n")
	b.WriteString("1. category must be EXACTLY one of the categories above (case-sensitive).\n")
	fmt.Fprintf(&b, "2. review_state is \"confirmed\" for rules 1-%d and \"pending\" for %q.\n", len(rules), catchAll)
	b.WriteString("3. rationale is one short sentence naming the rule that matched.\n")
	b.WriteString("Return ONLY a JSON object with the fields category, review_state and rationale.\n")

	return b.String()
}

// resultSchema constrains the model output to the closed category set.
func resultSchema(categories []string) *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"category": {
				Type: genai.TypeString,
				Enum: categories,
			},
			"review_state": {
				Type: genai.TypeString,
				Enum: []string{string(domain.ReviewConfirmed), string(domain.ReviewPending)},
			},
			"rationale": {
				Type: genai.TypeString,
			},
		},
		Required:         []string{"category", "review_state", "rationale"},
		PropertyOrdering: []string{"category", "review_state", "rationale"},
	}
}
