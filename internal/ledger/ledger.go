// Package ledger defines the durable per-recipient delivery record
// store. The ledger is the source of truth for campaign delivery
// counts; callers never trust a cached counter on the campaign row.
package ledger

import (
	"context"

	"github.com/google/uuid"

	"SendHive/internal/models"
)

type Counts struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (c Counts) Total() int {
	return c.Sent + c.Failed + c.Skipped
}

// Ledger stores one DeliveryRecord per (campaign, normalized email)
// pair. Upsert is last-write-wins on that key, which is what makes
// recipient-level retries idempotent.
type Ledger interface {
	Upsert(ctx context.Context, rec models.DeliveryRecord) error

	// RecordsFor returns every record for the campaign, in a stable
	// order for a given history.
	RecordsFor(ctx context.Context, campaignID uuid.UUID) ([]models.DeliveryRecord, error)

	// CountsFor aggregates records; it must scan, never read a cached
	// counter, so counts cannot drift from the rows under retries.
	CountsFor(ctx context.Context, campaignID uuid.UUID) (Counts, error)

	// RecipientsWithoutOutcome returns the recipients of records whose
	// outcome differs from the given one. A resume send uses this with
	// OutcomeSent to target only recipients still owed a delivery.
	RecipientsWithoutOutcome(ctx context.Context, campaignID uuid.UUID, outcome models.DeliveryOutcome) ([]models.Recipient, error)
}
