package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"SendHive/internal/models"
)

// ErrInvalidStateTransition is returned when a send starts against a
// campaign that is already sending or sent. It is the guard against a
// duplicate trigger double-sending the same audience.
var ErrInvalidStateTransition = errors.New("campaign is not in a sendable state")

// Transport is the opaque batch-send capability of an email provider.
// A batch either succeeds or fails as a unit; the provider is assumed
// to rate-limit internally or fail fast.
type Transport interface {
	SendBatch(ctx context.Context, addresses []string, subject, htmlContent, from, replyTo string) (BatchResult, error)
}

type BatchResult struct {
	ProviderMessageID string
}

// CampaignStore persists campaign status. CompareAndSwapStatus moves
// the campaign to `to` only if its persisted status is one of `from`,
// in a single atomic operation, and reports whether the swap happened.
// Implementations record `at` as started_at when to is sending, and as
// completed_at when to is sent or failed.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) (bool, error)
}

// DraftClearer removes a user's autosaved draft snapshot once their
// campaign leaves the draft state.
type DraftClearer interface {
	DeleteDraft(ctx context.Context, userID uuid.UUID) error
}

// Batch is one bounded chunk of a campaign's recipients, sent together
// in a single transport call. Batches exist only for the duration of a
// send attempt and are never persisted.
type Batch struct {
	CampaignID    uuid.UUID
	Recipients    []models.Recipient
	SequenceIndex int
}

type Result struct {
	Sent    int  `json:"sent"`
	Failed  int  `json:"failed"`
	Skipped int  `json:"skipped"`
	Paused  bool `json:"paused,omitempty"`
}

type Config struct {
	// BatchSize is the fixed batch partition size. 50 stays under
	// typical provider per-call limits.
	BatchSize int
	// Concurrency bounds parallel batch dispatch. 1 means sequential,
	// which keeps batch ordering deterministic.
	Concurrency int
	// SendTimeout bounds each transport call; an expired batch is
	// recorded as failed, never left unknown.
	SendTimeout time.Duration
	// LedgerRetryAttempts bounds in-process retries of a delivery
	// record write before the invocation fails.
	LedgerRetryAttempts int

	FromAddress string
	ReplyTo     string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}
