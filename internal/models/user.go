package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// User roles and account statuses.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superAdmin"

	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
	UserStatusBlocked   = "blocked"
)

// maxProcessedTopUpRefs bounds the wallet's idempotency window for gateway
// top-up confirmations.
const maxProcessedTopUpRefs = 100

type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	Status       string    `json:"status"`

	Wallet   Wallet          `json:"wallet"`
	Payments PaymentCounters `json:"payments"`

	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Wallet is the user's spendable balance. BalanceCents never goes negative;
// debits are rejected, not clamped.
type Wallet struct {
	BalanceCents int64  `json:"balance_cents"`
	Currency     string `json:"currency"`
	// ProcessedTopUpRefs holds the most recent gateway references already
	// credited, newest last. Replayed confirmations are no-ops.
	ProcessedTopUpRefs []string   `json:"-"`
	LastTopUpAt        *time.Time `json:"last_top_up_at,omitempty"`
	LastWithdrawalAt   *time.Time `json:"last_withdrawal_at,omitempty"`
}

// PaymentCounters are lifetime escrow settlement totals, incremented at
// capture and reversed on refund-after-capture.
type PaymentCounters struct {
	TotalReceivedCents int64 `json:"total_received_cents"`
	TotalPaidCents     int64 `json:"total_paid_cents"`
	ReceivedCount      int   `json:"received_count"`
	PaidCount          int   `json:"paid_count"`
}

// HasAnyRole reports whether the user holds at least one of the given roles.
func (u *User) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(u.Roles, r) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user may perform privileged dispute/payment
// operations.
func (u *User) IsAdmin() bool {
	return u.HasAnyRole(RoleAdmin, RoleSuperAdmin)
}

// RememberTopUpRef appends a processed gateway reference, trimming the list
// to the most recent maxProcessedTopUpRefs entries.
func (w *Wallet) RememberTopUpRef(ref string) {
	w.ProcessedTopUpRefs = append(w.ProcessedTopUpRefs, ref)
	if n := len(w.ProcessedTopUpRefs); n > maxProcessedTopUpRefs {
		w.ProcessedTopUpRefs = w.ProcessedTopUpRefs[n-maxProcessedTopUpRefs:]
	}
}

// HasProcessedTopUpRef reports whether the gateway reference was already
// credited to this wallet.
func (w *Wallet) HasProcessedTopUpRef(ref string) bool {
	return slices.Contains(w.ProcessedTopUpRefs, ref)
}
