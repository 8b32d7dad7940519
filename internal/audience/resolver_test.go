package audience

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"SendHive/internal/models"
)

type fakeStore struct {
	lists    map[uuid.UUID][]models.Recipient
	segments map[uuid.UUID][]models.Recipient
	contacts map[uuid.UUID]models.Recipient
}

func (f *fakeStore) GetListMembers(_ context.Context, listID uuid.UUID) ([]models.Recipient, error) {
	members, ok := f.lists[listID]
	if !ok {
		return nil, fmt.Errorf("list %s: %w", listID, ErrNotFound)
	}
	return members, nil
}

func (f *fakeStore) EvaluateSegment(_ context.Context, segmentID uuid.UUID, _ []models.SegmentCondition) ([]models.Recipient, error) {
	members, ok := f.segments[segmentID]
	if !ok {
		return nil, fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	return members, nil
}

func (f *fakeStore) GetContactsByIDs(_ context.Context, ids []uuid.UUID) ([]models.Recipient, error) {
	var out []models.Recipient
	for _, id := range ids {
		if rec, ok := f.contacts[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func listRef(id uuid.UUID) models.AudienceRef {
	return models.AudienceRef{Kind: models.AudienceList, List: &models.ListRef{ListID: id}}
}

func TestResolveListDeduplicates(t *testing.T) {
	listID := uuid.New()
	store := &fakeStore{lists: map[uuid.UUID][]models.Recipient{
		listID: {
			{Email: "alice@example.com", DisplayName: "Alice"},
			{Email: " ALICE@example.com "},
			{Email: "bob@example.com"},
			{Email: "Bob@Example.COM"},
			{Email: "carol@example.com"},
		},
	}}

	r := NewResolver(store, zap.NewNop())
	recipients, stats, err := r.Resolve(context.Background(), listRef(listID))
	require.NoError(t, err)

	require.Len(t, recipients, 3)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Duplicates)

	seen := make(map[string]bool)
	for _, rec := range recipients {
		assert.False(t, seen[rec.Email], "duplicate normalized email %s", rec.Email)
		seen[rec.Email] = true
	}

	// first occurrence wins, input order preserved
	assert.Equal(t, "alice@example.com", recipients[0].Email)
	assert.Equal(t, "Alice", recipients[0].DisplayName)
	assert.Equal(t, "bob@example.com", recipients[1].Email)
	assert.Equal(t, "carol@example.com", recipients[2].Email)
}

func TestResolveListNotFound(t *testing.T) {
	r := NewResolver(&fakeStore{lists: map[uuid.UUID][]models.Recipient{}}, zap.NewNop())

	_, _, err := r.Resolve(context.Background(), listRef(uuid.New()))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveEmptyAudience(t *testing.T) {
	listID := uuid.New()
	store := &fakeStore{lists: map[uuid.UUID][]models.Recipient{listID: {}}}

	r := NewResolver(store, zap.NewNop())
	_, _, err := r.Resolve(context.Background(), listRef(listID))
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestResolveExplicitContactsDropsMissing(t *testing.T) {
	known := uuid.New()
	store := &fakeStore{contacts: map[uuid.UUID]models.Recipient{
		known: {ContactID: known, Email: "dave@example.com"},
	}}

	ref := models.AudienceRef{
		Kind:     models.AudienceContacts,
		Contacts: &models.ContactsRef{ContactIDs: []uuid.UUID{known, uuid.New(), uuid.New()}},
	}

	r := NewResolver(store, zap.NewNop())
	recipients, stats, err := r.Resolve(context.Background(), ref)
	require.NoError(t, err)

	assert.Len(t, recipients, 1)
	assert.Equal(t, 2, stats.DroppedContacts)
}

func TestResolveSegment(t *testing.T) {
	segID := uuid.New()
	store := &fakeStore{segments: map[uuid.UUID][]models.Recipient{
		segID: {{Email: "erin@example.com"}},
	}}

	ref := models.AudienceRef{
		Kind:    models.AudienceSegment,
		Segment: &models.SegmentRef{SegmentID: segID},
	}

	r := NewResolver(store, zap.NewNop())
	recipients, _, err := r.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Len(t, recipients, 1)
}

func TestResolveRejectsMalformedRef(t *testing.T) {
	r := NewResolver(&fakeStore{}, zap.NewNop())

	_, _, err := r.Resolve(context.Background(), models.AudienceRef{Kind: "mystery"})
	assert.Error(t, err)

	_, _, err = r.Resolve(context.Background(), models.AudienceRef{Kind: models.AudienceList})
	assert.Error(t, err)
}

func TestDeduplicateDropsEmptyEmails(t *testing.T) {
	out := Deduplicate([]models.Recipient{
		{Email: ""},
		{Email: "   "},
		{Email: "x@y.com"},
	})
	require.Len(t, out, 1)
	assert.Equal(t, "x@y.com", out[0].Email)
}
