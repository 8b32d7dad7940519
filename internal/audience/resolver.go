// Package audience expands a campaign's audience reference into a flat,
// deduplicated recipient set.
package audience

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"SendHive/internal/metrics"
	"SendHive/internal/models"
)

var (
	// ErrNotFound means the referenced list, segment, or contact set no
	// longer exists. Callers abort the send with an error.
	ErrNotFound = errors.New("audience not found")

	// ErrEmpty means resolution succeeded but yielded zero recipients.
	// Callers abort with a warning rather than an error.
	ErrEmpty = errors.New("audience resolved to zero recipients")
)

// ContactStore is the read-only query surface the resolver needs.
// Implementations return ErrNotFound (wrapped is fine) when the
// referenced list or segment does not exist.
type ContactStore interface {
	GetListMembers(ctx context.Context, listID uuid.UUID) ([]models.Recipient, error)
	EvaluateSegment(ctx context.Context, segmentID uuid.UUID, criteria []models.SegmentCondition) ([]models.Recipient, error)
	GetContactsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Recipient, error)
}

type ResolveStats struct {
	// Total is the recipient count after dedup.
	Total int
	// Duplicates is how many entries shared a normalized email with an
	// earlier one and were dropped.
	Duplicates int
	// DroppedContacts is how many explicit contact IDs no longer
	// resolved. Not an error; kept for observability.
	DroppedContacts int
}

type Resolver struct {
	store ContactStore
	log   *zap.Logger
}

func NewResolver(store ContactStore, log *zap.Logger) *Resolver {
	return &Resolver{store: store, log: log}
}

// Resolve expands ref into recipients with no two entries sharing a
// normalized email. Segments are live views: criteria run against the
// current contact set, so two resolutions of the same ref can differ.
func (r *Resolver) Resolve(ctx context.Context, ref models.AudienceRef) ([]models.Recipient, ResolveStats, error) {
	if err := ref.Validate(); err != nil {
		return nil, ResolveStats{}, err
	}

	var (
		raw   []models.Recipient
		stats ResolveStats
		err   error
	)

	switch ref.Kind {
	case models.AudienceList:
		raw, err = r.store.GetListMembers(ctx, ref.List.ListID)

	case models.AudienceSegment:
		raw, err = r.store.EvaluateSegment(ctx, ref.Segment.SegmentID, ref.Segment.Criteria)

	case models.AudienceContacts:
		ids := ref.Contacts.ContactIDs
		raw, err = r.store.GetContactsByIDs(ctx, ids)
		if err == nil {
			stats.DroppedContacts = len(ids) - len(raw)
			if stats.DroppedContacts > 0 {
				metrics.ContactsDropped.Add(float64(stats.DroppedContacts))
				r.log.Warn("explicit contacts no longer resolve",
					zap.Int("dropped", stats.DroppedContacts),
					zap.Int("requested", len(ids)),
				)
			}
		}

	default:
		return nil, ResolveStats{}, fmt.Errorf("unknown audience kind %q", ref.Kind)
	}

	if err != nil {
		return nil, ResolveStats{}, err
	}

	recipients := Deduplicate(raw)
	stats.Duplicates = len(raw) - len(recipients)
	stats.Total = len(recipients)

	if len(recipients) == 0 {
		return nil, stats, ErrEmpty
	}

	r.log.Info("audience resolved",
		zap.String("kind", string(ref.Kind)),
		zap.Int("recipients", stats.Total),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("dropped_contacts", stats.DroppedContacts),
	)

	return recipients, stats, nil
}

// Deduplicate keeps the first occurrence of each normalized email,
// preserving input order. Entries with an empty email are dropped.
func Deduplicate(in []models.Recipient) []models.Recipient {
	seen := make(map[string]struct{}, len(in))
	out := make([]models.Recipient, 0, len(in))

	for _, rec := range in {
		email := models.NormalizeEmail(rec.Email)
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		rec.Email = email
		out = append(out, rec)
	}
	return out
}
