package handlers

import (
	"time"

	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// transactionView is the JSON shape of a transaction.
type transactionView struct {
	ID          string             `json:"id"`
	ExternalID  string             `json:"external_id"`
	Description string             `json:"description"`
	Amount      decimal.Decimal    `json:"amount"`
	Direction   domain.Direction   `json:"direction"`
	ValueDate   string             `json:"value_date"`
	Category    *string            `json:"category"`
	ReviewState domain.ReviewState `json:"review_state"`
	Rationale   *string            `json:"rationale"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func newTransactionView(tx *domain.Transaction) transactionView {
	return transactionView{
		ID:          tx.ID,
		ExternalID:  tx.ExternalID,
		Description: tx.Description,
		Amount:      tx.Amount,
		Direction:   tx.Direction,
		ValueDate:   tx.ValueDate.String(),
		Category:    tx.Category,
		ReviewState: tx.ReviewState,
		Rationale:   tx.Rationale,
		CreatedAt:   tx.CreatedAt,
		UpdatedAt:   tx.UpdatedAt,
	}
}

func newTransactionViews(txs []*domain.Transaction) []transactionView {
	views := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, newTransactionView(tx))
	}
	return views
}
