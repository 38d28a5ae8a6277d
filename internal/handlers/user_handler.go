package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/models"
)

// UserRepoForHandler is the subset of the user repository the profile
// endpoints need.
type UserRepoForHandler interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateProfile(ctx context.Context, u *models.User) error
}

// UserHandler serves the caller's own profile: identity, wallet state and
// payment counters in one read, plus username/email updates.
type UserHandler struct {
	Repo   UserRepoForHandler
	Logger *slog.Logger
}

type profileResponse struct {
	ID                 uuid.UUID `json:"id"`
	Username           string    `json:"username"`
	Email              string    `json:"email"`
	Roles              []string  `json:"roles"`
	Status             string    `json:"status"`
	BalanceCents       int64     `json:"balance_cents"`
	Currency           string    `json:"currency"`
	TotalPaidCents     int64     `json:"total_paid_cents"`
	TotalReceivedCents int64     `json:"total_received_cents"`
	PaidCount          int       `json:"paid_count"`
	ReceivedCount      int       `json:"received_count"`
}

func toProfile(u *models.User) profileResponse {
	return profileResponse{
		ID:                 u.ID,
		Username:           u.Username,
		Email:              u.Email,
		Roles:              u.Roles,
		Status:             u.Status,
		BalanceCents:       u.Wallet.BalanceCents,
		Currency:           u.Wallet.Currency,
		TotalPaidCents:     u.Payments.TotalPaidCents,
		TotalReceivedCents: u.Payments.TotalReceivedCents,
		PaidCount:          u.Payments.PaidCount,
		ReceivedCount:      u.Payments.ReceivedCount,
	}
}

// GetMe handles GET /v1/users/me.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	u, err := h.Repo.GetByID(r.Context(), actor.ID)
	if err != nil {
		h.Logger.Error("get profile", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toProfile(u))
}

// UpdateMe handles PATCH /v1/users/me. Only username and email are
// caller-editable; roles, status and wallet state never are.
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var body struct {
		Username *string `json:"username"`
		Email    *string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	u, err := h.Repo.GetByID(r.Context(), actor.ID)
	if err != nil {
		h.Logger.Error("load profile for update", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if body.Username != nil {
		if *body.Username == "" {
			http.Error(w, `{"error":"username cannot be empty"}`, http.StatusBadRequest)
			return
		}
		u.Username = *body.Username
	}
	if body.Email != nil {
		if *body.Email == "" {
			http.Error(w, `{"error":"email cannot be empty"}`, http.StatusBadRequest)
			return
		}
		u.Email = *body.Email
	}
	if err := h.Repo.UpdateProfile(r.Context(), u); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			http.Error(w, `{"error":"email already in use"}`, http.StatusConflict)
			return
		}
		h.Logger.Error("update profile", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toProfile(u))
}
