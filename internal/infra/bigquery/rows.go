package bigquery

import (
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// numericScale is the number of decimal digits of a BigQuery NUMERIC.
const numericScale = 9

// TransactionRow is a row of the transactions table.
type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	PrincipalID   string `bigquery:"principal_id"`   // REQUIRED
	ExternalID    string `bigquery:"external_id"`    // REQUIRED, unique by MERGE

	Description string     `bigquery:"description"` // REQUIRED
	Amount      *big.Rat   `bigquery:"amount"`      // REQUIRED NUMERIC, non-negative
	Direction   string     `bigquery:"direction"`   // REQUIRED
	ValueDate   civil.Date `bigquery:"value_date"`  // REQUIRED

	Category    bigquery.NullString `bigquery:"category"`     // NULLABLE
	ReviewState string              `bigquery:"review_state"` // REQUIRED, '' when never classified
	Rationale   bigquery.NullString `bigquery:"rationale"`    // NULLABLE

	IngestPos int64     `bigquery:"ingest_pos"` // REQUIRED, position inside the sync batch
	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
	UpdatedTS time.Time `bigquery:"updated_ts"` // REQUIRED
}

// mergeRow carries the normalized fields of one movement into the MERGE statement.
// It deliberately has no classification columns.
type mergeRow struct {
	TransactionID string     `bigquery:"transaction_id"`
	PrincipalID   string     `bigquery:"principal_id"`
	ExternalID    string     `bigquery:"external_id"`
	Description   string     `bigquery:"description"`
	Amount        *big.Rat   `bigquery:"amount"`
	Direction     string     `bigquery:"direction"`
	ValueDate     civil.Date `bigquery:"value_date"`
	ReviewState   string     `bigquery:"review_state"`
	IngestPos     int64      `bigquery:"ingest_pos"`
	TS            time.Time  `bigquery:"ts"`
}

// BankLinkRow is a row of the bank_links table.
type BankLinkRow struct {
	LinkToken   string    `bigquery:"link_token"`   // REQUIRED
	PrincipalID string    `bigquery:"principal_id"` // REQUIRED
	Institution string    `bigquery:"institution"`  // REQUIRED
	CreatedTS   time.Time `bigquery:"created_ts"`   // REQUIRED
}

// DecisionRow is a row of the classification_decisions table.
type DecisionRow struct {
	DecisionID    string              `bigquery:"decision_id"`    // REQUIRED
	TransactionID string              `bigquery:"transaction_id"` // REQUIRED
	PrincipalID   string              `bigquery:"principal_id"`   // REQUIRED
	Source        string              `bigquery:"source"`         // REQUIRED
	ModelName     bigquery.NullString `bigquery:"model_name"`     // NULLABLE
	RawOutput     bigquery.NullString `bigquery:"raw_output"`     // NULLABLE
	Category      bigquery.NullString `bigquery:"category"`       // NULLABLE
	ReviewState   bigquery.NullString `bigquery:"review_state"`   // NULLABLE
	Status        string              `bigquery:"status"`         // REQUIRED
	ErrorMessage  bigquery.NullString `bigquery:"error_message"`  // NULLABLE
	CreatedTS     time.Time           `bigquery:"created_ts"`     // REQUIRED
}

func decimalToRat(d decimal.Decimal) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(d.String())
	if !ok {
		return nil, fmt.Errorf("convert %s to NUMERIC", d.String())
	}
	return r, nil
}

func ratToDecimal(r *big.Rat) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(r.FloatString(numericScale))
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func toMergeRow(t *domain.Transaction, id string, pos int, now time.Time) (mergeRow, error) {
	amount, err := decimalToRat(t.Amount)
	if err != nil {
		return mergeRow{}, err
	}
	reviewState := t.ReviewState
	if reviewState == "" {
		reviewState = domain.ReviewPending
	}
	return mergeRow{
		TransactionID: id,
		PrincipalID:   t.PrincipalID,
		ExternalID:    t.ExternalID,
		Description:   t.Description,
		Amount:        amount,
		Direction:     string(t.Direction),
		ValueDate:     t.ValueDate,
		ReviewState:   string(reviewState),
		IngestPos:     int64(pos),
		TS:            now,
	}, nil
}

func (r *TransactionRow) toDomain() (*domain.Transaction, error) {
	amount, err := ratToDecimal(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: amount: %w", r.TransactionID, err)
	}

	t := &domain.Transaction{
		ID:          r.TransactionID,
		PrincipalID: r.PrincipalID,
		ExternalID:  r.ExternalID,
		Description: r.Description,
		Amount:      amount,
		Direction:   domain.Direction(r.Direction),
		ValueDate:   r.ValueDate,
		ReviewState: domain.ReviewState(r.ReviewState),
		CreatedAt:   r.CreatedTS,
		UpdatedAt:   r.UpdatedTS,
	}
	if r.Category.Valid {
		c := r.Category.StringVal
		t.Category = &c
	}
	if r.Rationale.Valid {
		s := r.Rationale.StringVal
		t.Rationale = &s
	}
	return t, nil
}

func toDecisionRow(d *domain.Decision) *DecisionRow {
	return &DecisionRow{
		DecisionID:    d.ID,
		TransactionID: d.TransactionID,
		PrincipalID:   d.PrincipalID,
		Source:        string(d.Source),
		ModelName:     nullString(d.ModelName),
		RawOutput:     nullString(d.RawOutput),
		Category:      nullString(d.Category),
		ReviewState:   nullString(string(d.ReviewState)),
		Status:        d.Status,
		ErrorMessage:  nullString(d.Error),
		CreatedTS:     d.CreatedAt,
	}
}
