package models

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryOutcome string

const (
	OutcomeSent    DeliveryOutcome = "sent"
	OutcomeFailed  DeliveryOutcome = "failed"
	OutcomeSkipped DeliveryOutcome = "skipped_duplicate"
)

// DeliveryRecord is the durable per-recipient outcome of a campaign
// send, keyed by (CampaignID, RecipientEmail). A retried recipient
// updates its existing record; there is never more than one row per key.
type DeliveryRecord struct {
	CampaignID        uuid.UUID       `json:"campaign_id"`
	RecipientEmail    string          `json:"recipient_email"`
	Outcome           DeliveryOutcome `json:"outcome"`
	SentAt            time.Time       `json:"sent_at"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	ErrorDetail       string          `json:"error_detail,omitempty"`
}

// DraftSnapshot is the autosaved editable state of an in-progress
// campaign. One live snapshot per user; overwritten on each save and
// cleared once the campaign leaves draft.
type DraftSnapshot struct {
	UserID      uuid.UUID `json:"user_id"`
	CampaignID  uuid.UUID `json:"campaign_id,omitempty"`
	Payload     []byte    `json:"payload"`
	LastSavedAt time.Time `json:"last_saved_at"`
}
