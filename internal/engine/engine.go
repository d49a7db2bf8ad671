// Package engine is the application surface over sync, classification and
// aggregation. Every call takes an explicit principal id.
package engine

import (
	"context"
	"fmt"
	"net/url"

	"github.com/dvloznov/movements-ledger/internal/advice"
	"github.com/dvloznov/movements-ledger/internal/budget"
	"github.com/dvloznov/movements-ledger/internal/classify"
	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/logger"
	"github.com/dvloznov/movements-ledger/internal/pipeline"
	"github.com/dvloznov/movements-ledger/internal/store"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// LinkIntentCreator asks the provider for a bank-link widget token.
type LinkIntentCreator interface {
	CreateLinkIntent(ctx context.Context, webhookURL string) (string, error)
}

// Engine wires the sync pipeline, the classifier and the aggregator to a store.
type Engine struct {
	store      store.Store
	syncer     *pipeline.Syncer
	classifier *classify.Classifier
	intents    LinkIntentCreator
	advisor    *advice.Advisor

	limits      []domain.BudgetLimit
	savingsGoal decimal.Decimal
	webhookURL  string

	syncs singleflight.Group
}

// Config holds the engine's budget configuration and public webhook address.
type Config struct {
	Limits      []domain.BudgetLimit
	SavingsGoal decimal.Decimal

	// WebhookURL is the public address of the link webhook. The principal id is
	// appended as a query parameter.
	WebhookURL string

	// Advisor produces savings recommendations. Nil disables them.
	Advisor *advice.Advisor
}

// New creates an Engine. syncer and intents may be nil when the provider is not
// configured; the operations that need them then fail with domain.ErrConfigMissing.
func New(st store.Store, syncer *pipeline.Syncer, classifier *classify.Classifier, intents LinkIntentCreator, cfg Config) *Engine {
	if classifier == nil {
		classifier = classify.New()
	}
	return &Engine{
		store:       st,
		syncer:      syncer,
		classifier:  classifier,
		intents:     intents,
		advisor:     cfg.Advisor,
		limits:      cfg.Limits,
		savingsGoal: cfg.SavingsGoal,
		webhookURL:  cfg.WebhookURL,
	}
}

// Classifier exposes the configured classifier.
func (e *Engine) Classifier() *classify.Classifier {
	return e.classifier
}

// Sync pulls movements for principalID. An empty linkToken syncs the principal's
// latest link. Concurrent calls for the same principal and link share one execution.
func (e *Engine) Sync(ctx context.Context, principalID, linkToken string) (*pipeline.SyncReport, error) {
	return e.syncLink(ctx, principalID, linkToken, "")
}

// RegisterLink records a newly connected link and syncs it.
func (e *Engine) RegisterLink(ctx context.Context, principalID, linkToken, institution string) (*pipeline.SyncReport, error) {
	if linkToken == "" {
		return nil, fmt.Errorf("RegisterLink: link token is required")
	}
	return e.syncLink(ctx, principalID, linkToken, institution)
}

func (e *Engine) syncLink(ctx context.Context, principalID, linkToken, institution string) (*pipeline.SyncReport, error) {
	if e.syncer == nil {
		return nil, fmt.Errorf("Sync: %w: movement source", domain.ErrConfigMissing)
	}

	if linkToken == "" {
		link, err := e.store.LatestLink(ctx, principalID)
		if err != nil {
			return nil, fmt.Errorf("Sync: %w: no bank link for principal %s: %w", domain.ErrConfigMissing, principalID, err)
		}
		linkToken = link.LinkToken
		if institution == "" {
			institution = link.Institution
		}
	}

	// Only calls for the same link share a flight, so a new link is always upserted.
	key := principalID + "\x00" + linkToken
	v, err, shared := e.syncs.Do(key, func() (interface{}, error) {
		return e.syncer.Sync(ctx, principalID, linkToken, institution)
	})
	if shared {
		log := logger.FromContext(ctx)
		log.Debug().Str("principal_id", principalID).Msg("Joined in-flight sync")
	}

	report, _ := v.(*pipeline.SyncReport)
	return report, err
}

// Transactions returns the principal's transactions in store order.
func (e *Engine) Transactions(ctx context.Context, principalID string) ([]*domain.Transaction, error) {
	txs, err := e.store.ListTransactions(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("Transactions: %w", err)
	}
	return txs, nil
}

// Classify runs automated classification on one transaction and persists the result.
// Confirmed transactions are rejected with domain.ErrAlreadyConfirmed.
func (e *Engine) Classify(ctx context.Context, principalID, transactionID string) (*domain.Transaction, error) {
	tx, err := e.ownedTransaction(ctx, principalID, transactionID)
	if err != nil {
		return nil, fmt.Errorf("Classify: %w", err)
	}
	if tx.IsConfirmed() {
		return nil, fmt.Errorf("Classify: transaction %s: %w", transactionID, domain.ErrAlreadyConfirmed)
	}

	result, err := e.classifier.Classify(ctx, tx)
	if err != nil {
		return nil, err
	}

	return e.apply(ctx, transactionID, result)
}

// ManualClassify sets category as confirmed, whatever the prior state was.
func (e *Engine) ManualClassify(ctx context.Context, principalID, transactionID, category string) (*domain.Transaction, error) {
	result, err := e.classifier.ManualResult(category)
	if err != nil {
		return nil, err
	}

	tx, err := e.ownedTransaction(ctx, principalID, transactionID)
	if err != nil {
		return nil, fmt.Errorf("ManualClassify: %w", err)
	}

	updated, err := e.apply(ctx, transactionID, result)
	if err != nil {
		return nil, err
	}
	e.classifier.RecordManual(ctx, tx, result)
	return updated, nil
}

// ClassifyAll classifies every uncategorized transaction of the principal.
func (e *Engine) ClassifyAll(ctx context.Context, principalID string) (*classify.BatchReport, error) {
	return e.classifier.ClassifyAll(ctx, e.store, principalID)
}

// Summary recomputes the budget views for the principal.
func (e *Engine) Summary(ctx context.Context, principalID string) (*budget.Summary, error) {
	txs, err := e.store.ListTransactions(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("Summary: %w", err)
	}
	s := budget.Summarize(txs, e.limits, e.savingsGoal, e.classifier.CatchAll())
	return &s, nil
}

// Recommendations asks the advisor for spending-reduction strategies based on
// the principal's transactions and budget summary.
func (e *Engine) Recommendations(ctx context.Context, principalID string) ([]advice.Recommendation, error) {
	if e.advisor == nil {
		return nil, fmt.Errorf("Recommendations: %w: reasoning service", domain.ErrConfigMissing)
	}
	txs, err := e.store.ListTransactions(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("Recommendations: %w", err)
	}
	summary := budget.Summarize(txs, e.limits, e.savingsGoal, e.classifier.CatchAll())
	return e.advisor.Recommend(ctx, txs, summary)
}

// CreateLinkIntent asks the provider for a widget token whose webhook carries principalID.
func (e *Engine) CreateLinkIntent(ctx context.Context, principalID string) (string, error) {
	if e.intents == nil {
		return "", fmt.Errorf("CreateLinkIntent: %w: movement source", domain.ErrConfigMissing)
	}
	if e.webhookURL == "" {
		return "", fmt.Errorf("CreateLinkIntent: %w: webhook url", domain.ErrConfigMissing)
	}

	hook, err := url.Parse(e.webhookURL)
	if err != nil {
		return "", fmt.Errorf("CreateLinkIntent: parse webhook url: %w", err)
	}
	q := hook.Query()
	q.Set("principal_id", principalID)
	hook.RawQuery = q.Encode()

	token, err := e.intents.CreateLinkIntent(ctx, hook.String())
	if err != nil {
		return "", fmt.Errorf("CreateLinkIntent: %w", err)
	}
	return token, nil
}

func (e *Engine) ownedTransaction(ctx context.Context, principalID, transactionID string) (*domain.Transaction, error) {
	tx, err := e.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.PrincipalID != principalID {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, domain.ErrNotFound)
	}
	return tx, nil
}

func (e *Engine) apply(ctx context.Context, transactionID string, result domain.ClassificationResult) (*domain.Transaction, error) {
	if err := e.store.UpdateClassification(ctx, transactionID, result); err != nil {
		return nil, fmt.Errorf("update classification %s: %w: %w", transactionID, domain.ErrStoreConflict, err)
	}
	updated, err := e.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("reload transaction %s: %w", transactionID, err)
	}
	return updated, nil
}
