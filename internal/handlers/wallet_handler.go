package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/services"
)

// WalletHandler serves the /v1/wallet endpoints.
type WalletHandler struct {
	Service *services.WalletService
	Logger  *slog.Logger
}

// Balance handles GET /v1/wallet.
func (h *WalletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	wallet, err := h.Service.Balance(r.Context(), actor.ID)
	if err != nil {
		h.logServiceError("wallet balance", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

type amountRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// TopUp handles POST /v1/wallet/topup.
func (h *WalletHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	intent, err := h.Service.InitiateTopUp(r.Context(), actor.ID, req.AmountCents, req.Currency)
	if err != nil {
		h.logServiceError("initiate top-up", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

type confirmTopUpRequest struct {
	GatewayRef string `json:"gateway_ref"`
}

// ConfirmTopUp handles POST /v1/wallet/topup/confirm.
func (h *WalletHandler) ConfirmTopUp(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req confirmTopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.GatewayRef == "" {
		http.Error(w, `{"error":"gateway_ref is required"}`, http.StatusBadRequest)
		return
	}
	res, err := h.Service.ConfirmTopUp(r.Context(), actor.ID, req.GatewayRef)
	if err != nil {
		h.logServiceError("confirm top-up", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Withdraw handles POST /v1/wallet/withdrawals.
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	p, err := h.Service.RequestWithdrawal(r.Context(), actor.ID, req.AmountCents, req.Currency)
	if err != nil {
		h.logServiceError("request withdrawal", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// CancelWithdrawal handles POST /v1/wallet/withdrawals/{id}/cancel.
func (h *WalletHandler) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
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
	p, err := h.Service.CancelWithdrawal(r.Context(), actor.ID, id)
	if err != nil {
		h.logServiceError("cancel withdrawal", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CompleteWithdrawal handles POST /v1/admin/withdrawals/{id}/complete.
func (h *WalletHandler) CompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
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
	p, err := h.Service.CompleteWithdrawal(r.Context(), actor, id)
	if err != nil {
		h.logServiceError("complete withdrawal", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Transactions handles GET /v1/wallet/transactions.
func (h *WalletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	list, err := h.Service.Transactions(r.Context(), actor.ID, q.Get("status"), q.Get("type"), limit, offset)
	if err != nil {
		h.logServiceError("list transactions", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *WalletHandler) logServiceError(op string, err error) {
	if statusFor(err) == http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Error(op, "error", err)
	}
}
