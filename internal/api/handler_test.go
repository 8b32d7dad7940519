package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"SendHive/internal/audience"
	"SendHive/internal/dispatch"
	"SendHive/internal/draft"
	"SendHive/internal/ledger"
	"SendHive/internal/models"
)

// fakeBackend backs the handlers, the resolver, and the coordinator in
// one in-memory store.
type fakeBackend struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*models.Campaign
	contacts  map[uuid.UUID]models.Recipient
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		campaigns: make(map[uuid.UUID]*models.Campaign),
		contacts:  make(map[uuid.UUID]models.Recipient),
	}
}

func (f *fakeBackend) CreateCampaign(_ context.Context, c *models.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	f.campaigns[c.ID] = &cp
	return nil
}

func (f *fakeBackend) GetCampaign(_ context.Context, id uuid.UUID) (*models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeBackend) CompareAndSwapStatus(_ context.Context, id uuid.UUID, from []models.CampaignStatus, to models.CampaignStatus, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return false, fmt.Errorf("campaign %s not found", id)
	}
	for _, s := range from {
		if c.Status == s {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBackend) InsertContacts(_ context.Context, contacts []models.Recipient) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(contacts))
	for _, c := range contacts {
		id := uuid.New()
		c.ContactID = id
		c.Email = models.NormalizeEmail(c.Email)
		f.contacts[id] = c
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeBackend) GetListMembers(_ context.Context, _ uuid.UUID) ([]models.Recipient, error) {
	return nil, audience.ErrNotFound
}

func (f *fakeBackend) EvaluateSegment(_ context.Context, _ uuid.UUID, _ []models.SegmentCondition) ([]models.Recipient, error) {
	return nil, audience.ErrNotFound
}

func (f *fakeBackend) GetContactsByIDs(_ context.Context, ids []uuid.UUID) ([]models.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Recipient, 0, len(ids))
	for _, id := range ids {
		if c, ok := f.contacts[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

type okTransport struct{}

func (okTransport) SendBatch(_ context.Context, _ []string, _, _, _, _ string) (dispatch.BatchResult, error) {
	return dispatch.BatchResult{ProviderMessageID: uuid.NewString()}, nil
}

func campaignHandler(backend *fakeBackend, lg ledger.Ledger) *Handler {
	log := zap.NewNop()
	return &Handler{
		Store:      backend,
		Resolver:   audience.NewResolver(backend, log),
		Dispatcher: dispatch.NewCoordinator(backend, lg, okTransport{}, nil, nil, log, dispatch.Config{BatchSize: 50}),
		Ledger:     lg,
		Log:        log,
		BaseCtx:    context.Background(),
	}
}

func TestImportContactsFromCSV(t *testing.T) {
	backend := newFakeBackend()
	h := campaignHandler(backend, ledger.NewMemory())
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	csvBody := "Email,Name\nAlice@Example.com,Alice\nbob@example.com,Bob\n"
	resp, err := http.Post(srv.URL+"/contacts/import", "text/csv", strings.NewReader(csvBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		Imported   int         `json:"imported"`
		ContactIDs []uuid.UUID `json:"contact_ids"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, out.Imported)
	require.Len(t, out.ContactIDs, 2)

	// stored and usable as an explicit audience right away
	got, err := backend.GetContactsByIDs(context.Background(), out.ContactIDs)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alice@example.com", got[0].Email)
}

func TestImportContactsRejectsMissingEmailColumn(t *testing.T) {
	h := campaignHandler(newFakeBackend(), ledger.NewMemory())
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/contacts/import", "text/csv",
		strings.NewReader("Name,Phone\nAlice,555-0100\n"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	h.Store.(*fakeBackend).mu.Lock()
	assert.Empty(t, h.Store.(*fakeBackend).contacts)
	h.Store.(*fakeBackend).mu.Unlock()
}

func TestSendCampaignReportsResolutionStats(t *testing.T) {
	backend := newFakeBackend()
	lg := ledger.NewMemory()
	h := campaignHandler(backend, lg)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	ids, err := backend.InsertContacts(context.Background(), []models.Recipient{
		{Email: "alice@example.com"},
		{Email: "bob@example.com"},
	})
	require.NoError(t, err)

	// one contact ID points at nothing: dropped, not fatal
	campaign := &models.Campaign{
		SubjectLine: "hello",
		Content:     "<p>hi</p>",
		Status:      models.StatusDraft,
		Audience: models.AudienceRef{
			Kind:     models.AudienceContacts,
			Contacts: &models.ContactsRef{ContactIDs: append(ids, uuid.New())},
		},
	}
	require.NoError(t, backend.CreateCampaign(context.Background(), campaign))

	resp, err := http.Post(srv.URL+"/campaigns/"+campaign.ID.String()+"/send", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		Status          models.CampaignStatus `json:"status"`
		Resume          bool                  `json:"resume"`
		Recipients      int                   `json:"recipients"`
		DroppedContacts int                   `json:"dropped_contacts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, models.StatusSending, out.Status)
	assert.False(t, out.Resume)
	assert.Equal(t, 2, out.Recipients)
	assert.Equal(t, 1, out.DroppedContacts)

	// the async dispatch delivers to both resolved recipients
	require.Eventually(t, func() bool {
		counts, err := lg.CountsFor(context.Background(), campaign.ID)
		return err == nil && counts.Sent == 2
	}, 3*time.Second, 10*time.Millisecond)
}

type memDraftStore struct {
	mu    sync.Mutex
	saves []models.DraftSnapshot
}

func (m *memDraftStore) UpsertDraft(_ context.Context, snap models.DraftSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, snap)
	return nil
}

func (m *memDraftStore) DeleteDraft(_ context.Context, _ uuid.UUID) error {
	return nil
}

func draftHandler(store draft.Store) *Handler {
	log := zap.NewNop()
	return &Handler{
		Drafts:  draft.NewController(store, time.Hour, log),
		Log:     log,
		BaseCtx: context.Background(),
	}
}

func TestEditDraftAccepted(t *testing.T) {
	store := &memDraftStore{}
	h := draftHandler(store)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	body := fmt.Sprintf(`{"user_id":%q,"campaign_id":%q,"payload":{"subject":"hi"}}`,
		uuid.New(), uuid.New())

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/drafts", bytes.NewBufferString(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	// debounced: nothing persisted yet
	store.mu.Lock()
	assert.Empty(t, store.saves)
	store.mu.Unlock()
}

func TestFlushDraftPersistsImmediately(t *testing.T) {
	store := &memDraftStore{}
	h := draftHandler(store)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	userID := uuid.New()
	body := fmt.Sprintf(`{"user_id":%q,"payload":{"subject":"hi"}}`, userID)

	resp, err := http.Post(srv.URL+"/drafts/flush", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	store.mu.Lock()
	require.Len(t, store.saves, 1)
	assert.Equal(t, userID, store.saves[0].UserID)
	store.mu.Unlock()
}

func TestTeardownDraftFlushesPendingEdit(t *testing.T) {
	store := &memDraftStore{}
	h := draftHandler(store)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	userID := uuid.New()
	body := fmt.Sprintf(`{"user_id":%q,"payload":{"subject":"wip"}}`, userID)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/drafts", bytes.NewBufferString(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/drafts/"+userID.String(), nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	store.mu.Lock()
	require.Len(t, store.saves, 1)
	store.mu.Unlock()
}

func TestEditDraftRejectsBadJSON(t *testing.T) {
	h := draftHandler(&memDraftStore{})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/drafts", bytes.NewBufferString("{"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
