// Package classify assigns categories and review states to transactions.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/logger"
	"github.com/dvloznov/movements-ledger/internal/reasoning"
	"github.com/dvloznov/movements-ledger/internal/store"
	"github.com/google/uuid"
)

// ManualRationale is attached to every manual override.
const ManualRationale = "manually overridden by user"

// Classifier evaluates the rule table in process and falls back to a reasoning
// service when no rule matches with full confidence.
type Classifier struct {
	rules     RuleSet
	catchAll  string
	modelSet  *CategoryValidator // categories the model may answer with
	closedSet *CategoryValidator // every category a transaction may carry
	confirmed map[string]bool    // categories that pair with a confirmed review

	generator reasoning.Generator
	decisions store.DecisionLog
	now       func() time.Time
}

// Option configures a Classifier.
type Option func(*classifierSettings)

type classifierSettings struct {
	rules     RuleSet
	extra     []string
	generator reasoning.Generator
	decisions store.DecisionLog
	now       func() time.Time
}

// WithRules replaces the default rule table.
func WithRules(rules RuleSet) Option {
	return func(s *classifierSettings) {
		if len(rules) > 0 {
			s.rules = rules
		}
	}
}

// WithExtraCategories adds categories that can only be assigned manually.
func WithExtraCategories(names ...string) Option {
	return func(s *classifierSettings) {
		s.extra = append(s.extra, names...)
	}
}

// WithGenerator enables the reasoning fallback.
func WithGenerator(g reasoning.Generator) Option {
	return func(s *classifierSettings) {
		s.generator = g
	}
}

// WithDecisionLog records every classification attempt.
func WithDecisionLog(d store.DecisionLog) Option {
	return func(s *classifierSettings) {
		s.decisions = d
	}
}

// WithClock overrides the clock used for decision timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *classifierSettings) {
		s.now = now
	}
}

// New creates a Classifier. Without options it uses DefaultRules, the
// Entretenimiento manual category and no reasoning fallback.
func New(opts ...Option) *Classifier {
	settings := classifierSettings{
		rules: DefaultRules(),
		extra: []string{CategoryEntertainment},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	ruleCategories := settings.rules.Categories()

	confirmed := make(map[string]bool, len(settings.rules))
	for _, r := range settings.rules {
		if r.Confidence >= FullConfidence {
			confirmed[r.Category] = true
		}
	}

	modelNames := append(append([]string{}, ruleCategories...), CatchAll)
	closedNames := append(append(append([]string{}, ruleCategories...), settings.extra...), CatchAll)

	return &Classifier{
		rules:     settings.rules,
		catchAll:  CatchAll,
		modelSet:  NewCategoryValidator(modelNames...),
		closedSet: NewCategoryValidator(closedNames...),
		confirmed: confirmed,
		generator: settings.generator,
		decisions: settings.decisions,
		now:       settings.now,
	}
}

// Categories returns the closed category set.
func (c *Classifier) Categories() []string {
	return c.closedSet.Names()
}

// CatchAll returns the bucket label for unclassified movements.
func (c *Classifier) CatchAll() string {
	return c.catchAll
}

// Classify computes a classification for tx without persisting it.
//
// A rule matching with full confidence settles the transaction. Otherwise the
// reasoning service is asked when configured; its answer is accepted only when it
// names a known category and pairs it with the matching review state. Without a
// reasoning service the transaction goes to the catch-all bucket, pending review.
func (c *Classifier) Classify(ctx context.Context, tx *domain.Transaction) (domain.ClassificationResult, error) {
	rule, idx, matched := c.rules.Match(tx)
	if matched && rule.Confidence >= FullConfidence {
		result := domain.ClassificationResult{
			Category:    rule.Category,
			ReviewState: domain.ReviewConfirmed,
			Rationale:   fmt.Sprintf("rule %d (%s) matched the description", idx+1, rule.Name),
			Source:      domain.SourceRules,
		}
		c.record(ctx, tx, result, "", "", nil)
		return result, nil
	}

	if c.generator == nil {
		rationale := "no rule matched"
		if matched {
			rationale = fmt.Sprintf("rule %d (%s) matched without full confidence", idx+1, rule.Name)
		}
		result := domain.ClassificationResult{
			Category:    c.catchAll,
			ReviewState: domain.ReviewPending,
			Rationale:   rationale,
			Source:      domain.SourceFallback,
		}
		c.record(ctx, tx, result, "", "", nil)
		return result, nil
	}

	return c.classifyWithModel(ctx, tx)
}

func (c *Classifier) classifyWithModel(ctx context.Context, tx *domain.Transaction) (domain.ClassificationResult, error) {
	prompt := buildClassificationPrompt(c.rules, c.catchAll, tx)
	model := c.generator.ModelName()

	raw, err := c.generator.GenerateStructured(ctx, prompt, resultSchema(c.modelSet.Names()))
	if err != nil {
		err = fmt.Errorf("Classify: transaction %s: %w: %w", tx.ID, domain.ErrClassificationUnavailable, err)
		c.record(ctx, tx, domain.ClassificationResult{Source: domain.SourceModel}, model, "", err)
		return domain.ClassificationResult{}, err
	}

	result, err := c.decodeModelResult(raw)
	if err != nil {
		err = fmt.Errorf("Classify: transaction %s: %w: %w", tx.ID, domain.ErrClassificationUnavailable, err)
		c.record(ctx, tx, domain.ClassificationResult{Source: domain.SourceModel}, model, string(raw), err)
		return domain.ClassificationResult{}, err
	}

	c.record(ctx, tx, result, model, string(raw), nil)
	return result, nil
}

// modelResult mirrors the structured output contract. Pointers detect missing fields.
type modelResult struct {
	Category    *string `json:"category"`
	ReviewState *string `json:"review_state"`
	Rationale   *string `json:"rationale"`
}

func (c *Classifier) decodeModelResult(raw json.RawMessage) (domain.ClassificationResult, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var out modelResult
	if err := dec.Decode(&out); err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("decode model output: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return domain.ClassificationResult{}, fmt.Errorf("decode model output: trailing data")
	}

	switch {
	case out.Category == nil:
		return domain.ClassificationResult{}, fmt.Errorf("model output missing category")
	case out.ReviewState == nil:
		return domain.ClassificationResult{}, fmt.Errorf("model output missing review_state")
	case out.Rationale == nil:
		return domain.ClassificationResult{}, fmt.Errorf("model output missing rationale")
	}

	if !c.modelSet.Contains(*out.Category) {
		return domain.ClassificationResult{}, fmt.Errorf("model returned unknown category %q", *out.Category)
	}

	state := domain.ReviewState(*out.ReviewState)
	want := domain.ReviewPending
	if c.confirmed[*out.Category] {
		want = domain.ReviewConfirmed
	}
	if state != want {
		return domain.ClassificationResult{}, fmt.Errorf("model paired category %q with review_state %q, want %q", *out.Category, state, want)
	}

	return domain.ClassificationResult{
		Category:    *out.Category,
		ReviewState: state,
		Rationale:   *out.Rationale,
		Source:      domain.SourceModel,
	}, nil
}

// ManualResult builds the result of a manual override. The category is matched
// case- and accent-insensitively against the closed set and stored canonically.
func (c *Classifier) ManualResult(category string) (domain.ClassificationResult, error) {
	canonical, err := c.closedSet.Canonical(category)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("ManualResult: %w", err)
	}
	return domain.ClassificationResult{
		Category:    canonical,
		ReviewState: domain.ReviewConfirmed,
		Rationale:   ManualRationale,
		Source:      domain.SourceManual,
	}, nil
}

// RecordManual appends a manual override to the decision log.
func (c *Classifier) RecordManual(ctx context.Context, tx *domain.Transaction, result domain.ClassificationResult) {
	c.record(ctx, tx, result, "", "", nil)
}

func (c *Classifier) record(ctx context.Context, tx *domain.Transaction, result domain.ClassificationResult, model, raw string, classifyErr error) {
	if c.decisions == nil {
		return
	}

	d := &domain.Decision{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		PrincipalID:   tx.PrincipalID,
		Source:        result.Source,
		ModelName:     model,
		RawOutput:     raw,
		Category:      result.Category,
		ReviewState:   result.ReviewState,
		Status:        domain.DecisionOK,
		CreatedAt:     c.now(),
	}
	if classifyErr != nil {
		d.Status = domain.DecisionFailed
		d.Error = classifyErr.Error()
	}

	if err := c.decisions.RecordDecision(ctx, d); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Str("transaction_id", tx.ID).
			Msg("Failed to record classification decision")
	}
}
