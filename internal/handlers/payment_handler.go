package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/models"
	"github.com/skillswap/backend/internal/services"
)

// PaymentReader is the read access the payment endpoints need.
type PaymentReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
}

// ExchangeReader resolves the exchange a payment belongs to, for access
// checks.
type ExchangeReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Exchange, error)
}

// WebhookVerifier checks the gateway signature on incoming webhooks.
type WebhookVerifier interface {
	VerifyWebhookSignature(payload []byte, signature string) error
}

// PaymentHandler serves payment reads, the admin surface, and the gateway
// webhook.
type PaymentHandler struct {
	Payments  PaymentReader
	Exchanges ExchangeReader
	Admin     *services.AdminService
	Wallet    *services.WalletService
	Gateway   WebhookVerifier
	Logger    *slog.Logger
}

// Get handles GET /v1/payments/{id}. Visible to the payer, the payee, a party
// of the owning exchange, and admins.
func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid payment id"}`, http.StatusBadRequest)
		return
	}
	p, err := h.Payments.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, `{"error":"payment not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get payment", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !h.canSeePayment(r.Context(), actor, p) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PaymentHandler) canSeePayment(ctx context.Context, actor *models.User, p *models.Payment) bool {
	if actor.IsAdmin() || actor.ID == p.PayerID {
		return true
	}
	if p.PayeeID != nil && actor.ID == *p.PayeeID {
		return true
	}
	if p.ExchangeID != nil {
		if e, err := h.Exchanges.GetByID(ctx, *p.ExchangeID); err == nil && e.IsParty(actor.ID) {
			return true
		}
	}
	return false
}

type adminResolveRequest struct {
	Note          string `json:"note"`
	PaymentAction string `json:"payment_action"`
}

// AdminResolve handles POST /v1/admin/exchanges/{id}/resolve.
func (h *PaymentHandler) AdminResolve(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid exchange id"}`, http.StatusBadRequest)
		return
	}
	var req adminResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	res, err := h.Admin.ResolveDispute(r.Context(), actor, id, req.Note, req.PaymentAction)
	if err != nil {
		h.logServiceError("admin resolve dispute", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type interveneRequest struct {
	PaymentID string `json:"payment_id"`
	Action    string `json:"action"`
	Note      string `json:"note"`
}

// Intervene handles POST /v1/admin/exchanges/{id}/payment.
func (h *PaymentHandler) Intervene(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	exchangeID, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid exchange id"}`, http.StatusBadRequest)
		return
	}
	var req interveneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	paymentID, err := uuid.Parse(req.PaymentID)
	if err != nil {
		http.Error(w, `{"error":"invalid payment_id"}`, http.StatusBadRequest)
		return
	}
	p, err := h.Admin.Intervene(r.Context(), actor, exchangeID, paymentID, req.Action, req.Note)
	if err != nil {
		h.logServiceError("admin payment intervention", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ExchangePayments handles GET /v1/admin/exchanges/{id}/payments.
func (h *PaymentHandler) ExchangePayments(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid exchange id"}`, http.StatusBadRequest)
		return
	}
	list, err := h.Admin.ExchangePayments(r.Context(), actor, id)
	if err != nil {
		h.logServiceError("list exchange payments", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type webhookEvent struct {
	Type       string `json:"type"`
	GatewayRef string `json:"gateway_ref"`
	UserID     string `json:"user_id"`
}

// Webhook handles POST /v1/payments/webhook, the gateway's server-to-server
// channel. Signature is verified over the raw body; a replayed charge event
// is acknowledged without double-crediting.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	if err := h.Gateway.VerifyWebhookSignature(body, r.Header.Get("X-Gateway-Signature")); err != nil {
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if event.Type != "charge.succeeded" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	userID, err := uuid.Parse(event.UserID)
	if err != nil || event.GatewayRef == "" {
		http.Error(w, `{"error":"missing user_id or gateway_ref"}`, http.StatusBadRequest)
		return
	}

	res, err := h.Wallet.ConfirmTopUp(r.Context(), userID, event.GatewayRef)
	if err != nil {
		h.logServiceError("webhook top-up confirm", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *PaymentHandler) logServiceError(op string, err error) {
	if statusFor(err) == http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Error(op, "error", err)
	}
}
