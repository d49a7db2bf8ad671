package pipeline

import (
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/movements-ledger/internal/domain"
)

// normalizeMovement converts a provider movement into the stored transaction shape.
// today is used as value date when the provider did not report a posting date.
func normalizeMovement(principalID string, m domain.RawMovement, today civil.Date) *domain.Transaction {
	description := strings.TrimSpace(m.Description)
	if description == "" {
		description = domain.DefaultDescription
	}

	direction := domain.DirectionDebit
	if m.Amount.IsPositive() {
		direction = domain.DirectionCredit
	}

	valueDate := today
	if m.PostedAt != nil {
		valueDate = civil.DateOf(m.PostedAt.UTC())
	}

	return &domain.Transaction{
		PrincipalID: principalID,
		ExternalID:  m.ExternalID,
		Description: description,
		Amount:      m.Amount.Abs(),
		Direction:   direction,
		ValueDate:   valueDate,
		ReviewState: domain.ReviewPending,
	}
}

// normalizeBatch normalizes movements of one account. Movements without external id
// are returned separately; duplicates inside the batch collapse to the last occurrence
// while keeping the position of the first one.
func normalizeBatch(principalID string, movements []domain.RawMovement, now time.Time) (rows []*domain.Transaction, missingID int) {
	today := civil.DateOf(now)
	index := make(map[string]int, len(movements))

	for _, m := range movements {
		if strings.TrimSpace(m.ExternalID) == "" {
			missingID++
			continue
		}

		row := normalizeMovement(principalID, m, today)
		if i, seen := index[m.ExternalID]; seen {
			rows[i] = row
			continue
		}
		index[m.ExternalID] = len(rows)
		rows = append(rows, row)
	}

	return rows, missingID
}
