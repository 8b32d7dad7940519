package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"SendHive/internal/audience"
	"SendHive/internal/dispatch"
	"SendHive/internal/draft"
	"SendHive/internal/ledger"
	"SendHive/internal/models"
)

// Store is the persistence surface the handlers need; *db.Store
// satisfies it.
type Store interface {
	CreateCampaign(ctx context.Context, campaign *models.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	InsertContacts(ctx context.Context, contacts []models.Recipient) ([]uuid.UUID, error)
}

type Handler struct {
	Store      Store
	Resolver   *audience.Resolver
	Dispatcher *dispatch.Coordinator
	Drafts     *draft.Controller
	Ledger     ledger.Ledger
	Log        *zap.Logger

	// BaseCtx outlives individual requests; async sends run on it so a
	// closed request connection does not abort a dispatch in flight.
	BaseCtx context.Context
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/contacts/import", h.ImportContacts)

	r.Post("/campaigns", h.CreateCampaign)
	r.Get("/campaigns/{id}/status", h.CampaignStatus)
	r.Post("/campaigns/{id}/send", h.SendCampaign)
	r.Post("/campaigns/{id}/pause", h.PauseCampaign)

	r.Put("/drafts", h.EditDraft)
	r.Post("/drafts/flush", h.FlushDraft)
	r.Delete("/drafts/{userID}", h.TeardownDraft)

	return r
}

// maxImportRows caps a single CSV upload.
const maxImportRows = 10000

// ImportContacts parses a CSV body (requiring an Email column, with an
// optional Name column) and stores the rows as contacts. The returned
// IDs are ready for an ExplicitContacts audience ref.
func (h *Handler) ImportContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := audience.ParseContactCSV(r.Body, maxImportRows)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ids, err := h.Store.InsertContacts(r.Context(), contacts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.Log.Info("contacts imported", zap.Int("count", len(ids)))

	writeJSON(w, http.StatusCreated, map[string]any{
		"imported":    len(ids),
		"contact_ids": ids,
	})
}

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var campaign models.Campaign
	if err := json.NewDecoder(r.Body).Decode(&campaign); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := campaign.Audience.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.Store.CreateCampaign(r.Context(), &campaign); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, campaign)
}

func (h *Handler) CampaignStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	campaign, err := h.Store.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	counts, err := h.Ledger.CountsFor(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     campaign.ID,
		"status": campaign.Status,
		"counts": counts,
	})
}

// SendCampaign starts a dispatch in the background and returns 202.
// A paused or failed campaign resumes: only recipients without a sent
// record are attempted again.
func (h *Handler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	campaign, err := h.Store.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	// A failed campaign has a delivery record for every recipient, so
	// the ledger alone identifies who is still owed a send. A paused
	// campaign does not: untouched batches have no records yet, so the
	// audience is resolved again and the coordinator drops recipients
	// that already have a sent record.
	resume := campaign.Status == models.StatusFailed

	var (
		recipients []models.Recipient
		stats      audience.ResolveStats
	)
	if !resume {
		recipients, stats, err = h.Resolver.Resolve(r.Context(), campaign.Audience)
		switch {
		case errors.Is(err, audience.ErrEmpty):
			writeJSON(w, http.StatusOK, map[string]any{
				"warning": "audience resolved to zero recipients; nothing sent",
			})
			return
		case errors.Is(err, audience.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	go func() {
		var (
			result dispatch.Result
			err    error
		)
		if resume {
			result, err = h.Dispatcher.Resume(h.BaseCtx, campaign)
		} else {
			result, err = h.Dispatcher.Send(h.BaseCtx, campaign, recipients)
		}
		if err != nil {
			h.Log.Error("campaign dispatch failed",
				zap.String("campaign_id", campaign.ID.String()),
				zap.Error(err),
			)
			return
		}
		h.Log.Info("campaign dispatch finished",
			zap.String("campaign_id", campaign.ID.String()),
			zap.Int("sent", result.Sent),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped),
			zap.Bool("paused", result.Paused),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":               campaign.ID,
		"status":           models.StatusSending,
		"resume":           resume,
		"recipients":       stats.Total,
		"dropped_contacts": stats.DroppedContacts,
	})
}

func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.Dispatcher.Pause(id); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": models.StatusPaused,
	})
}

type draftRequest struct {
	UserID     uuid.UUID       `json:"user_id"`
	CampaignID uuid.UUID       `json:"campaign_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func (h *Handler) EditDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h.Drafts.OnEdit(req.UserID, req.CampaignID, req.Payload)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) FlushDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.Drafts.SaveNow(r.Context(), req.UserID, req.CampaignID, req.Payload); err != nil {
		// non-fatal for the user: the in-memory draft is preserved
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"saved":   false,
			"warning": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"saved": true})
}

func (h *Handler) TeardownDraft(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.Drafts.Teardown(r.Context(), userID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"saved":   false,
			"warning": err.Error(),
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
