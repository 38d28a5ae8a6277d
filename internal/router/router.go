package router

import (
	"net/http"

	"github.com/skillswap/backend/internal/auth"
	"github.com/skillswap/backend/internal/handlers"
	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/models"
	"github.com/skillswap/backend/internal/services"
)

// Deps collects everything the route table needs.
type Deps struct {
	Auth      *auth.Handler
	AuthSvc   middleware.TokenValidator
	Users     *handlers.UserHandler
	Listings  *handlers.ListingHandler
	Exchanges *handlers.ExchangeHandler
	Wallet    *handlers.WalletHandler
	Payments  *handlers.PaymentHandler
	Validator *services.Validator
}

// New returns the /v1 API handler. Chain per route: JWTAuth -> payload
// validation -> handler; admin routes add a role check.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	authed := middleware.JWTAuth(d.AuthSvc)
	adminOnly := middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin)
	check := func(payload string) func(http.Handler) http.Handler {
		return middleware.ValidatePayload(d.Validator, payload)
	}
	handle := func(pattern string, mws []func(http.Handler) http.Handler, h http.HandlerFunc) {
		var wrapped http.Handler = h
		for i := len(mws) - 1; i >= 0; i-- {
			wrapped = mws[i](wrapped)
		}
		mux.Handle(pattern, wrapped)
	}

	// Auth (public)
	mux.HandleFunc("POST /v1/auth/register", d.Auth.Register)
	mux.HandleFunc("POST /v1/auth/login", d.Auth.Login)

	// Profile
	handle("GET /v1/users/me", []func(http.Handler) http.Handler{authed}, d.Users.GetMe)
	handle("PATCH /v1/users/me", []func(http.Handler) http.Handler{authed}, d.Users.UpdateMe)

	// Listings
	handle("POST /v1/listings", []func(http.Handler) http.Handler{authed}, d.Listings.Create)
	handle("GET /v1/listings", []func(http.Handler) http.Handler{authed}, d.Listings.ListMine)
	handle("GET /v1/listings/{id}", []func(http.Handler) http.Handler{authed}, d.Listings.Get)

	// Exchange lifecycle
	handle("POST /v1/exchanges", []func(http.Handler) http.Handler{authed, check(services.PayloadCreateExchange)}, d.Exchanges.Create)
	handle("GET /v1/exchanges", []func(http.Handler) http.Handler{authed}, d.Exchanges.List)
	handle("GET /v1/exchanges/{id}", []func(http.Handler) http.Handler{authed}, d.Exchanges.Get)
	handle("POST /v1/exchanges/{id}/respond", []func(http.Handler) http.Handler{authed, check(services.PayloadRespond)}, d.Exchanges.Respond)
	handle("POST /v1/exchanges/{id}/sign", []func(http.Handler) http.Handler{authed, check(services.PayloadSignAgreement)}, d.Exchanges.Sign)
	handle("POST /v1/exchanges/{id}/fund", []func(http.Handler) http.Handler{authed, check(services.PayloadFundEscrow)}, d.Exchanges.FundEscrow)
	handle("POST /v1/exchanges/{id}/start", []func(http.Handler) http.Handler{authed}, d.Exchanges.Start)
	handle("POST /v1/exchanges/{id}/complete", []func(http.Handler) http.Handler{authed}, d.Exchanges.Complete)
	handle("POST /v1/exchanges/{id}/cancel", []func(http.Handler) http.Handler{authed, check(services.PayloadCancel)}, d.Exchanges.Cancel)
	handle("POST /v1/exchanges/{id}/dispute", []func(http.Handler) http.Handler{authed, check(services.PayloadDispute)}, d.Exchanges.Dispute)
	handle("POST /v1/exchanges/{id}/resolve", []func(http.Handler) http.Handler{authed, check(services.PayloadResolve)}, d.Exchanges.Resolve)

	// Wallet
	handle("GET /v1/wallet", []func(http.Handler) http.Handler{authed}, d.Wallet.Balance)
	handle("GET /v1/wallet/transactions", []func(http.Handler) http.Handler{authed}, d.Wallet.Transactions)
	handle("POST /v1/wallet/topup", []func(http.Handler) http.Handler{authed, check(services.PayloadTopUp)}, d.Wallet.TopUp)
	handle("POST /v1/wallet/topup/confirm", []func(http.Handler) http.Handler{authed}, d.Wallet.ConfirmTopUp)
	handle("POST /v1/wallet/withdrawals", []func(http.Handler) http.Handler{authed, check(services.PayloadWithdrawal)}, d.Wallet.Withdraw)
	handle("POST /v1/wallet/withdrawals/{id}/cancel", []func(http.Handler) http.Handler{authed}, d.Wallet.CancelWithdrawal)

	// Payments
	handle("GET /v1/payments/{id}", []func(http.Handler) http.Handler{authed}, d.Payments.Get)
	mux.HandleFunc("POST /v1/payments/webhook", d.Payments.Webhook)

	// Admin
	handle("POST /v1/admin/exchanges/{id}/resolve", []func(http.Handler) http.Handler{authed, adminOnly, check(services.PayloadAdminResolve)}, d.Payments.AdminResolve)
	handle("POST /v1/admin/exchanges/{id}/payment", []func(http.Handler) http.Handler{authed, adminOnly, check(services.PayloadIntervene)}, d.Payments.Intervene)
	handle("GET /v1/admin/exchanges/{id}/payments", []func(http.Handler) http.Handler{authed, adminOnly}, d.Payments.ExchangePayments)
	handle("POST /v1/admin/withdrawals/{id}/complete", []func(http.Handler) http.Handler{authed, adminOnly}, d.Wallet.CompleteWithdrawal)

	return mux
}
