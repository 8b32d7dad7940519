package models

import (
	"time"

	"github.com/google/uuid"
)

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusScheduled CampaignStatus = "scheduled"
	StatusSending   CampaignStatus = "sending"
	StatusSent      CampaignStatus = "sent"
	StatusPaused    CampaignStatus = "paused"
	StatusFailed    CampaignStatus = "failed"
)

// statusTransitions is the only place legal campaign status moves are
// defined. Every mutation goes through CanTransitionTo before the
// compare-and-swap write; "sent" is terminal.
var statusTransitions = map[CampaignStatus][]CampaignStatus{
	StatusDraft:     {StatusScheduled, StatusSending},
	StatusScheduled: {StatusSending},
	StatusSending:   {StatusSent, StatusFailed, StatusPaused},
	StatusPaused:    {StatusSending},
	StatusFailed:    {StatusSending},
	StatusSent:      {},
}

func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SendableStatuses are the states a campaign may be in when a send (or
// resume) starts. A campaign already sending or sent is rejected to
// prevent a duplicate trigger from double-sending.
func SendableStatuses() []CampaignStatus {
	return []CampaignStatus{StatusDraft, StatusScheduled, StatusPaused, StatusFailed}
}

type Campaign struct {
	ID          uuid.UUID      `json:"id"`
	OwnerID     uuid.UUID      `json:"owner_id"`
	SubjectLine string         `json:"subject_line"`
	Content     string         `json:"content"`
	Status      CampaignStatus `json:"status"`
	Audience    AudienceRef    `json:"audience"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
