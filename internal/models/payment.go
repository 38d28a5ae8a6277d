package models

import (
	"time"

	"github.com/google/uuid"
)

// Payment types. Escrow payments are owned by exactly one exchange; top-ups
// and withdrawals belong to a user only.
const (
	PaymentTypeEscrow     = "escrow"
	PaymentTypeTopUp      = "topup"
	PaymentTypeWithdrawal = "withdrawal"
)

// Payment statuses.
const (
	PaymentStatusInitiated = "initiated"
	PaymentStatusEscrowed  = "escrowed"
	PaymentStatusCaptured  = "captured"
	PaymentStatusRefunded  = "refunded"
	PaymentStatusFailed    = "failed"
	PaymentStatusDisputed  = "disputed"
)

// Payment gateways. Escrow movements are pure ledger entries and use
// GatewayInternal; top-ups and withdrawals go through an external gateway.
const (
	GatewayInternal = "internal"
	GatewayManual   = "manual"
)

// paymentStatusGraph is the fixed status transition table. A status maps to
// the set of statuses it may move to; anything else is rejected before any
// write.
var paymentStatusGraph = map[string][]string{
	PaymentStatusInitiated: {PaymentStatusEscrowed, PaymentStatusCaptured, PaymentStatusRefunded, PaymentStatusFailed},
	PaymentStatusEscrowed:  {PaymentStatusCaptured, PaymentStatusRefunded, PaymentStatusDisputed, PaymentStatusFailed},
	PaymentStatusCaptured:  {PaymentStatusRefunded, PaymentStatusDisputed},
	PaymentStatusDisputed:  {PaymentStatusCaptured, PaymentStatusRefunded},
	PaymentStatusRefunded:  {},
	PaymentStatusFailed:    {},
}

// ValidPaymentTransition reports whether a payment may move from one status
// to another. A no-op (same status) is valid; callers treat it as idempotent.
func ValidPaymentTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range paymentStatusGraph[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Payment struct {
	ID         uuid.UUID  `json:"id"`
	ExchangeID *uuid.UUID `json:"exchange_id,omitempty"`
	PayerID    uuid.UUID  `json:"payer_id"`
	PayeeID    *uuid.UUID `json:"payee_id,omitempty"`

	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Type        string `json:"type"`
	Status      string `json:"status"`

	Gateway    string `json:"gateway"`
	GatewayRef string `json:"gateway_ref,omitempty"`

	// Timeline mirrors every status change, append-only.
	Timeline []TimelineEntry `json:"timeline"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TimelineEntry struct {
	At     time.Time `json:"at"`
	Status string    `json:"status"`
	Note   string    `json:"note,omitempty"`
}

// NewTimelineEntry returns an entry stamped now.
func NewTimelineEntry(status, note string) TimelineEntry {
	return TimelineEntry{At: time.Now().UTC(), Status: status, Note: note}
}
