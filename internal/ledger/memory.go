package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"SendHive/internal/models"
)

// Memory is an in-process Ledger keyed by (campaign, normalized email).
// Writes are serialized by a single mutex, so concurrent upserts on the
// same key resolve deterministically last-write-wins.
type Memory struct {
	mu      sync.Mutex
	records map[uuid.UUID]map[string]models.DeliveryRecord
	order   map[uuid.UUID][]string
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[uuid.UUID]map[string]models.DeliveryRecord),
		order:   make(map[uuid.UUID][]string),
	}
}

func (m *Memory) Upsert(_ context.Context, rec models.DeliveryRecord) error {
	key := models.NormalizeEmail(rec.RecipientEmail)
	rec.RecipientEmail = key

	m.mu.Lock()
	defer m.mu.Unlock()

	byEmail, ok := m.records[rec.CampaignID]
	if !ok {
		byEmail = make(map[string]models.DeliveryRecord)
		m.records[rec.CampaignID] = byEmail
	}
	if _, exists := byEmail[key]; !exists {
		m.order[rec.CampaignID] = append(m.order[rec.CampaignID], key)
	}
	byEmail[key] = rec
	return nil
}

func (m *Memory) RecordsFor(_ context.Context, campaignID uuid.UUID) ([]models.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.order[campaignID]
	out := make([]models.DeliveryRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.records[campaignID][k])
	}
	return out, nil
}

func (m *Memory) CountsFor(ctx context.Context, campaignID uuid.UUID) (Counts, error) {
	recs, err := m.RecordsFor(ctx, campaignID)
	if err != nil {
		return Counts{}, err
	}

	var c Counts
	for _, rec := range recs {
		switch rec.Outcome {
		case models.OutcomeSent:
			c.Sent++
		case models.OutcomeFailed:
			c.Failed++
		case models.OutcomeSkipped:
			c.Skipped++
		}
	}
	return c, nil
}

func (m *Memory) RecipientsWithoutOutcome(ctx context.Context, campaignID uuid.UUID, outcome models.DeliveryOutcome) ([]models.Recipient, error) {
	recs, err := m.RecordsFor(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	var out []models.Recipient
	for _, rec := range recs {
		if rec.Outcome != outcome {
			out = append(out, models.Recipient{Email: rec.RecipientEmail})
		}
	}
	return out, nil
}
