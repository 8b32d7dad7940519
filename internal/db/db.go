// Package db is the postgres persistence layer: contact/list/segment
// reads for audience resolution, campaign rows with compare-and-swap
// status updates, the delivery record ledger, and draft snapshots.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"SendHive/internal/audience"
	"SendHive/internal/ledger"
	"SendHive/internal/models"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	id            UUID PRIMARY KEY,
	email         TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	attributes    JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS lists (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS list_members (
	list_id     UUID NOT NULL REFERENCES lists(id),
	contact_id  UUID NOT NULL REFERENCES contacts(id),
	PRIMARY KEY (list_id, contact_id)
);

CREATE TABLE IF NOT EXISTS segments (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	criteria    JSONB NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS campaigns (
	id            UUID PRIMARY KEY,
	owner_id      UUID NOT NULL,
	subject_line  TEXT NOT NULL,
	content       TEXT NOT NULL,
	status        TEXT NOT NULL,
	audience      JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS delivery_records (
	campaign_id          UUID NOT NULL,
	recipient_email      TEXT NOT NULL,
	outcome              TEXT NOT NULL,
	sent_at              TIMESTAMPTZ NOT NULL,
	provider_message_id  TEXT NOT NULL DEFAULT '',
	error_detail         TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (campaign_id, recipient_email)
);

CREATE TABLE IF NOT EXISTS draft_snapshots (
	user_id        UUID PRIMARY KEY,
	campaign_id    UUID,
	payload        BYTEA NOT NULL,
	last_saved_at  TIMESTAMPTZ NOT NULL
);
`

// ----------------------------
// Contacts / lists / segments
// ----------------------------

func (s *Store) GetListMembers(ctx context.Context, listID uuid.UUID) ([]models.Recipient, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM lists WHERE id=$1)`, listID,
	).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("list %s: %w", listID, audience.ErrNotFound)
	}

	rows, err := s.Pool.Query(ctx,
		`SELECT c.id, c.email, c.display_name
		 FROM list_members lm
		 JOIN contacts c ON c.id = lm.contact_id
		 WHERE lm.list_id = $1
		 ORDER BY c.created_at, c.id`,
		listID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecipients(rows)
}

func (s *Store) EvaluateSegment(ctx context.Context, segmentID uuid.UUID, criteria []models.SegmentCondition) ([]models.Recipient, error) {
	var stored []byte
	err := s.Pool.QueryRow(ctx,
		`SELECT criteria FROM segments WHERE id=$1`, segmentID,
	).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("segment %s: %w", segmentID, audience.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	// The stored criteria win over the copy on the audience ref, so a
	// segment edited after campaign creation is evaluated live.
	if len(stored) > 0 {
		var fromDB []models.SegmentCondition
		if err := json.Unmarshal(stored, &fromDB); err != nil {
			return nil, fmt.Errorf("segment %s criteria: %w", segmentID, err)
		}
		if len(fromDB) > 0 {
			criteria = fromDB
		}
	}

	where, args, err := buildSegmentWhere(criteria)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, email, display_name FROM contacts` + where + ` ORDER BY created_at, id`
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecipients(rows)
}

// InsertContacts stores uploaded contacts and returns their new IDs,
// for use in an ExplicitContacts audience ref.
func (s *Store) InsertContacts(ctx context.Context, contacts []models.Recipient) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(contacts))
	for _, c := range contacts {
		id := uuid.New()
		_, err := s.Pool.Exec(ctx,
			`INSERT INTO contacts (id, email, display_name) VALUES ($1,$2,$3)`,
			id, models.NormalizeEmail(c.Email), c.DisplayName,
		)
		if err != nil {
			return nil, fmt.Errorf("insert contact %s: %w", c.Email, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) GetContactsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Recipient, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, email, display_name FROM contacts WHERE id = ANY($1) ORDER BY created_at, id`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecipients(rows)
}

func scanRecipients(rows pgx.Rows) ([]models.Recipient, error) {
	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.ContactID, &r.Email, &r.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// segmentFields whitelists the contact columns a criterion may target;
// anything else is looked up in the attributes JSONB.
var segmentFields = map[string]string{
	"email":        "email",
	"display_name": "display_name",
}

func buildSegmentWhere(criteria []models.SegmentCondition) (string, []any, error) {
	if len(criteria) == 0 {
		return "", nil, nil
	}

	where := " WHERE "
	args := make([]any, 0, len(criteria))
	for i, cond := range criteria {
		if i > 0 {
			where += " AND "
		}

		col, ok := segmentFields[cond.Field]
		if !ok {
			args = append(args, cond.Field)
			col = fmt.Sprintf("attributes->>$%d", len(args))
		}

		args = append(args, cond.Value)
		ref := fmt.Sprintf("$%d", len(args))

		switch cond.Operator {
		case "equals":
			where += fmt.Sprintf("%s = %s", col, ref)
		case "not_equals":
			where += fmt.Sprintf("%s <> %s", col, ref)
		case "contains":
			where += fmt.Sprintf("%s ILIKE '%%' || %s || '%%'", col, ref)
		case "gt":
			where += fmt.Sprintf("(%s)::numeric > (%s)::numeric", col, ref)
		case "lt":
			where += fmt.Sprintf("(%s)::numeric < (%s)::numeric", col, ref)
		default:
			return "", nil, fmt.Errorf("unsupported segment operator %q", cond.Operator)
		}
	}
	return where, args, nil
}

// ----------------------------
// Campaigns
// ----------------------------

func (s *Store) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	if campaign.ID == uuid.Nil {
		campaign.ID = uuid.New()
	}
	if campaign.Status == "" {
		campaign.Status = models.StatusDraft
	}

	audienceJSON, err := json.Marshal(campaign.Audience)
	if err != nil {
		return err
	}

	return s.Pool.QueryRow(ctx,
		`INSERT INTO campaigns (id, owner_id, subject_line, content, status, audience, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())
		 RETURNING created_at`,
		campaign.ID, campaign.OwnerID, campaign.SubjectLine, campaign.Content,
		campaign.Status, audienceJSON,
	).Scan(&campaign.CreatedAt)
}

func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	var (
		c            models.Campaign
		audienceJSON []byte
	)
	err := s.Pool.QueryRow(ctx,
		`SELECT id, owner_id, subject_line, content, status, audience, created_at, started_at, completed_at
		 FROM campaigns WHERE id=$1`, id,
	).Scan(&c.ID, &c.OwnerID, &c.SubjectLine, &c.Content, &c.Status,
		&audienceJSON, &c.CreatedAt, &c.StartedAt, &c.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(audienceJSON, &c.Audience); err != nil {
		return nil, fmt.Errorf("campaign %s audience: %w", id, err)
	}
	return &c, nil
}

// CompareAndSwapStatus is the single atomic check-and-transition: the
// WHERE clause re-checks the persisted status, so of two concurrent
// send triggers exactly one sees a row update.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	set := `status=$1, updated_at=NOW()`
	switch to {
	case models.StatusSending:
		set += `, started_at=$4`
	case models.StatusSent, models.StatusFailed:
		set += `, completed_at=$4`
	}

	query := `UPDATE campaigns SET ` + set + ` WHERE id=$2 AND status = ANY($3)`
	args := []any{string(to), id, fromStrs}
	if to == models.StatusSending || to == models.StatusSent || to == models.StatusFailed {
		args = append(args, at)
	}

	tag, err := s.Pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ----------------------------
// Delivery ledger
// ----------------------------

func (s *Store) Upsert(ctx context.Context, rec models.DeliveryRecord) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO delivery_records
		 (campaign_id, recipient_email, outcome, sent_at, provider_message_id, error_detail)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (campaign_id, recipient_email) DO UPDATE SET
		   outcome=EXCLUDED.outcome,
		   sent_at=EXCLUDED.sent_at,
		   provider_message_id=EXCLUDED.provider_message_id,
		   error_detail=EXCLUDED.error_detail`,
		rec.CampaignID,
		models.NormalizeEmail(rec.RecipientEmail),
		string(rec.Outcome),
		rec.SentAt,
		rec.ProviderMessageID,
		rec.ErrorDetail,
	)
	return err
}

func (s *Store) RecordsFor(ctx context.Context, campaignID uuid.UUID) ([]models.DeliveryRecord, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT campaign_id, recipient_email, outcome, sent_at, provider_message_id, error_detail
		 FROM delivery_records WHERE campaign_id=$1 ORDER BY recipient_email`,
		campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DeliveryRecord
	for rows.Next() {
		var rec models.DeliveryRecord
		if err := rows.Scan(&rec.CampaignID, &rec.RecipientEmail, &rec.Outcome,
			&rec.SentAt, &rec.ProviderMessageID, &rec.ErrorDetail); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountsFor aggregates rows on every call. Counts are never cached on
// the campaign row, so they cannot drift from the records under
// retries.
func (s *Store) CountsFor(ctx context.Context, campaignID uuid.UUID) (ledger.Counts, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT outcome, COUNT(*) FROM delivery_records WHERE campaign_id=$1 GROUP BY outcome`,
		campaignID,
	)
	if err != nil {
		return ledger.Counts{}, err
	}
	defer rows.Close()

	var c ledger.Counts
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return ledger.Counts{}, err
		}
		switch models.DeliveryOutcome(outcome) {
		case models.OutcomeSent:
			c.Sent = n
		case models.OutcomeFailed:
			c.Failed = n
		case models.OutcomeSkipped:
			c.Skipped = n
		}
	}
	return c, rows.Err()
}

func (s *Store) RecipientsWithoutOutcome(ctx context.Context, campaignID uuid.UUID, outcome models.DeliveryOutcome) ([]models.Recipient, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT recipient_email FROM delivery_records
		 WHERE campaign_id=$1 AND outcome <> $2 ORDER BY recipient_email`,
		campaignID, string(outcome),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		out = append(out, models.Recipient{Email: email})
	}
	return out, rows.Err()
}

// ----------------------------
// Draft snapshots
// ----------------------------

func (s *Store) UpsertDraft(ctx context.Context, snap models.DraftSnapshot) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO draft_snapshots (user_id, campaign_id, payload, last_saved_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (user_id) DO UPDATE SET
		   campaign_id=EXCLUDED.campaign_id,
		   payload=EXCLUDED.payload,
		   last_saved_at=EXCLUDED.last_saved_at`,
		snap.UserID, snap.CampaignID, snap.Payload, snap.LastSavedAt,
	)
	return err
}

func (s *Store) GetDraft(ctx context.Context, userID uuid.UUID) (*models.DraftSnapshot, error) {
	var snap models.DraftSnapshot
	err := s.Pool.QueryRow(ctx,
		`SELECT user_id, campaign_id, payload, last_saved_at FROM draft_snapshots WHERE user_id=$1`,
		userID,
	).Scan(&snap.UserID, &snap.CampaignID, &snap.Payload, &snap.LastSavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) DeleteDraft(ctx context.Context, userID uuid.UUID) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM draft_snapshots WHERE user_id=$1`, userID)
	return err
}
