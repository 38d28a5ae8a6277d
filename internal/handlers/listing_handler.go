package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/models"
)

// ListingRepoForHandler is the subset of the listing repository the handler
// needs.
type ListingRepoForHandler interface {
	Create(ctx context.Context, l *models.Listing) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Listing, error)
}

// ListingHandler serves the minimal listing surface the exchange flow needs:
// create, fetch, list own.
type ListingHandler struct {
	Repo   ListingRepoForHandler
	Logger *slog.Logger
}

type createListingRequest struct {
	Type            string `json:"type"`
	Skill           string `json:"skill"`
	Title           string `json:"title"`
	HourlyRateCents int64  `json:"hourly_rate_cents"`
	Currency        string `json:"currency"`
}

// Create handles POST /v1/listings.
func (h *ListingHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Type != models.ListingTypeOffer && req.Type != models.ListingTypeNeed {
		http.Error(w, `{"error":"type must be offer or need"}`, http.StatusBadRequest)
		return
	}
	if req.Skill == "" || req.Title == "" {
		http.Error(w, `{"error":"skill and title are required"}`, http.StatusBadRequest)
		return
	}
	l := &models.Listing{
		ID:              uuid.New(),
		OwnerID:         actor.ID,
		Type:            req.Type,
		Skill:           req.Skill,
		Title:           req.Title,
		HourlyRateCents: req.HourlyRateCents,
		Currency:        req.Currency,
		Active:          true,
	}
	if err := h.Repo.Create(r.Context(), l); err != nil {
		h.Logger.Error("create listing", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// Get handles GET /v1/listings/{id}.
func (h *ListingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid listing id"}`, http.StatusBadRequest)
		return
	}
	l, err := h.Repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, `{"error":"listing not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get listing", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ListMine handles GET /v1/listings.
func (h *ListingHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.Repo.ListByOwner(r.Context(), actor.ID)
	if err != nil {
		h.Logger.Error("list listings", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
