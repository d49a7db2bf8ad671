package domain

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Direction tells whether money came in (credit) or went out (debit).
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// ReviewState tracks whether a category assignment still needs a human look.
// The zero value means the transaction has never been classified.
type ReviewState string

const (
	ReviewPending   ReviewState = "pending"
	ReviewConfirmed ReviewState = "confirmed"
)

// DefaultDescription is stored when the provider sends a movement without description.
const DefaultDescription = "Sin descripción"

// Account is a bank account reachable under a link, as reported by the provider.
type Account struct {
	ID       string
	Name     string
	Number   string
	Currency string
	Type     string
}

// RawMovement is a single movement as reported by the provider, before normalization.
// Amount is signed: positive for credits, negative for debits.
type RawMovement struct {
	ExternalID  string          `json:"external_id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	PostedAt    *time.Time      `json:"posted_at,omitempty"`
}

// Transaction is a normalized, persisted movement plus its classification state.
type Transaction struct {
	ID          string
	PrincipalID string
	ExternalID  string

	Description string
	Amount      decimal.Decimal // always a non-negative magnitude
	Direction   Direction
	ValueDate   civil.Date

	Category    *string
	ReviewState ReviewState
	Rationale   *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsCategorized reports whether a category has been assigned.
func (t *Transaction) IsCategorized() bool {
	return t.Category != nil && *t.Category != ""
}

// IsConfirmed reports whether the category is final.
func (t *Transaction) IsConfirmed() bool {
	return t.ReviewState == ReviewConfirmed
}

// CategoryOr returns the assigned category or fallback when there is none.
func (t *Transaction) CategoryOr(fallback string) string {
	if t.IsCategorized() {
		return *t.Category
	}
	return fallback
}

// BankLink associates a provider link token to a principal.
type BankLink struct {
	PrincipalID string
	LinkToken   string
	Institution string
	CreatedAt   time.Time
}

// ClassificationSource records which path produced a classification.
type ClassificationSource string

const (
	SourceRules    ClassificationSource = "rules"
	SourceModel    ClassificationSource = "model"
	SourceManual   ClassificationSource = "manual"
	SourceFallback ClassificationSource = "fallback"
)

// ClassificationResult is the outcome of classifying one transaction.
type ClassificationResult struct {
	Category    string               `json:"category"`
	ReviewState ReviewState          `json:"review_state"`
	Rationale   string               `json:"rationale"`
	Source      ClassificationSource `json:"source"`
}

// BudgetLimit caps the debits allowed for a category.
type BudgetLimit struct {
	Category string
	Limit    decimal.Decimal
}

// Decision is one entry of the classification decision log.
type Decision struct {
	ID            string
	TransactionID string
	PrincipalID   string
	Source        ClassificationSource
	ModelName     string
	RawOutput     string
	Category      string
	ReviewState   ReviewState
	Status        string // "ok" or "failed"
	Error         string
	CreatedAt     time.Time
}

const (
	DecisionOK     = "ok"
	DecisionFailed = "failed"
)
