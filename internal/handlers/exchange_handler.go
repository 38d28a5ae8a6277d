package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/services"
)

// ExchangeHandler serves the /v1/exchanges lifecycle endpoints. Each endpoint
// is one state machine transition; the service decides legality, the handler
// only binds input and maps errors.
type ExchangeHandler struct {
	Service *services.ExchangeService
	Logger  *slog.Logger
}

// Create handles POST /v1/exchanges.
func (h *ExchangeHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var in services.CreateExchangeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	e, err := h.Service.Create(r.Context(), actor, in)
	if err != nil {
		h.logServiceError("create exchange", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// Get handles GET /v1/exchanges/{id}.
func (h *ExchangeHandler) Get(w http.ResponseWriter, r *http.Request) {
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
	e, err := h.Service.Get(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// List handles GET /v1/exchanges.
func (h *ExchangeHandler) List(w http.ResponseWriter, r *http.Request) {
	actor := middleware.UserFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.Service.ListForUser(r.Context(), actor.ID)
	if err != nil {
		h.logServiceError("list exchanges", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type respondRequest struct {
	Accept bool   `json:"accept"`
	Note   string `json:"note"`
}

// Respond handles POST /v1/exchanges/{id}/respond.
func (h *ExchangeHandler) Respond(w http.ResponseWriter, r *http.Request) {
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
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	e, err := h.Service.Respond(r.Context(), actor, id, req.Accept, req.Note)
	if err != nil {
		h.logServiceError("respond to exchange", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Sign handles POST /v1/exchanges/{id}/sign.
func (h *ExchangeHandler) Sign(w http.ResponseWriter, r *http.Request) {
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
	var in services.SignAgreementInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	e, err := h.Service.SignAgreement(r.Context(), actor, id, in)
	if err != nil {
		h.logServiceError("sign agreement", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type fundEscrowRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// FundEscrow handles POST /v1/exchanges/{id}/fund.
func (h *ExchangeHandler) FundEscrow(w http.ResponseWriter, r *http.Request) {
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
	var req fundEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	e, err := h.Service.FundEscrow(r.Context(), actor, id, req.AmountCents, req.Currency)
	if err != nil {
		h.logServiceError("fund escrow", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Start handles POST /v1/exchanges/{id}/start.
func (h *ExchangeHandler) Start(w http.ResponseWriter, r *http.Request) {
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
	e, err := h.Service.Start(r.Context(), actor, id)
	if err != nil {
		h.logServiceError("start exchange", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Complete handles POST /v1/exchanges/{id}/complete.
func (h *ExchangeHandler) Complete(w http.ResponseWriter, r *http.Request) {
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
	res, err := h.Service.ConfirmComplete(r.Context(), actor, id)
	if err != nil {
		h.logServiceError("confirm completion", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/exchanges/{id}/cancel.
func (h *ExchangeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
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
	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	res, err := h.Service.Cancel(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.logServiceError("cancel exchange", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

// Dispute handles POST /v1/exchanges/{id}/dispute.
func (h *ExchangeHandler) Dispute(w http.ResponseWriter, r *http.Request) {
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
	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	e, err := h.Service.Dispute(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.logServiceError("raise dispute", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type resolveRequest struct {
	Note          string `json:"note"`
	PaymentAction string `json:"payment_action"`
}

// Resolve handles POST /v1/exchanges/{id}/resolve, mutual resolution by a
// party without an admin.
func (h *ExchangeHandler) Resolve(w http.ResponseWriter, r *http.Request) {
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
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	res, err := h.Service.Resolve(r.Context(), actor, id, req.Note, req.PaymentAction)
	if err != nil {
		h.logServiceError("resolve dispute", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ExchangeHandler) logServiceError(op string, err error) {
	if statusFor(err) == http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Error(op, "error", err)
	}
}
