package models

import (
	"time"

	"github.com/google/uuid"
)

// Exchange statuses. Status is the single source of truth for which
// operations are currently legal; transitions only move forward through the
// graph, with declined/cancelled escapes before in_progress and the
// disputed → resolved branch after.
const (
	ExchangeStatusProposed        = "proposed"
	ExchangeStatusAcceptedInitial = "accepted_initial"
	ExchangeStatusAgreementSigned = "agreement_signed"
	ExchangeStatusEscrowFunded    = "escrow_funded"
	ExchangeStatusInProgress      = "in_progress"
	ExchangeStatusCompleted       = "completed"
	ExchangeStatusDeclined        = "declined"
	ExchangeStatusCancelled       = "cancelled"
	ExchangeStatusDisputed        = "disputed"
	ExchangeStatusResolved        = "resolved"
)

// Exchange types.
const (
	ExchangeTypeBarter   = "barter"
	ExchangeTypeMonetary = "monetary"
	ExchangeTypeHybrid   = "hybrid"
)

// Dispute payment actions an admin may choose at resolution.
const (
	PaymentActionRelease = "release"
	PaymentActionRefund  = "refund"
	PaymentActionSplit   = "split"
	PaymentActionNone    = "none"
	PaymentActionHold    = "hold"
)

type Exchange struct {
	ID          uuid.UUID `json:"id"`
	InitiatorID uuid.UUID `json:"initiator_id"`
	ReceiverID  uuid.UUID `json:"receiver_id"`

	Offer   OfferSide   `json:"offer"`
	Request RequestSide `json:"request"`

	Type     string    `json:"type"`
	Monetary *Monetary `json:"monetary,omitempty"`

	Agreement     Agreement     `json:"agreement"`
	Status        string        `json:"status"`
	ThreadID      uuid.UUID     `json:"thread_id"`
	Confirmations Confirmations `json:"confirmations"`
	Dispute       *Dispute      `json:"dispute,omitempty"`
	Audit         []AuditEntry  `json:"audit"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// pendingAudit holds the entries added since the exchange was loaded. The
	// store appends exactly these on update, so entries written concurrently
	// to the same log (the payment ledger mirror) are never overwritten.
	pendingAudit []AuditEntry
}

// AppendAudit records a new audit entry. It is visible on the in-memory
// document immediately and queued for the store to append to the persisted
// log on the next update.
func (e *Exchange) AppendAudit(entry AuditEntry) {
	e.Audit = append(e.Audit, entry)
	e.pendingAudit = append(e.pendingAudit, entry)
}

// TakePendingAudit returns the entries queued since load and clears the
// queue.
func (e *Exchange) TakePendingAudit() []AuditEntry {
	p := e.pendingAudit
	e.pendingAudit = nil
	return p
}

// OfferSide is what the initiator brings: either a live listing reference or
// an immutable skill snapshot provided at proposal time.
type OfferSide struct {
	ListingID     *uuid.UUID     `json:"listing_id,omitempty"`
	SkillSnapshot *SkillSnapshot `json:"skill_snapshot,omitempty"`
	Notes         string         `json:"notes,omitempty"`
}

// RequestSide is the listing the initiator proposed against, plus the frozen
// snapshot taken at proposal.
type RequestSide struct {
	ListingID uuid.UUID       `json:"listing_id"`
	Snapshot  ListingSnapshot `json:"snapshot"`
	Notes     string          `json:"notes,omitempty"`
}

type SkillSnapshot struct {
	Name            string `json:"name"`
	Level           string `json:"level,omitempty"`
	HourlyRateCents int64  `json:"hourly_rate_cents,omitempty"`
	Currency        string `json:"currency,omitempty"`
	Details         string `json:"details,omitempty"`
}

// Monetary is present only for monetary/hybrid exchanges. EscrowPaymentID is
// set exactly once, by the funding transition's conditional update.
type Monetary struct {
	Currency         string     `json:"currency"`
	TotalAmountCents int64      `json:"total_amount_cents"`
	EscrowPaymentID  *uuid.UUID `json:"escrow_payment_id,omitempty"`
}

// Agreement holds the negotiated terms. Adding terms clears SignedBy and
// forces renegotiation.
type Agreement struct {
	Terms    []string    `json:"terms"`
	SignedBy []uuid.UUID `json:"signed_by"`
}

// Signed reports whether the given party has already signed.
func (a *Agreement) Signed(userID uuid.UUID) bool {
	for _, id := range a.SignedBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Confirmations is the two-phase completion handshake, one independent flag
// per party.
type Confirmations struct {
	Initiator bool `json:"initiator"`
	Receiver  bool `json:"receiver"`
}

type Dispute struct {
	RaisedBy       uuid.UUID `json:"raised_by"`
	Reason         string    `json:"reason"`
	RaisedAt       time.Time `json:"raised_at"`
	ResolvedBy     *uuid.UUID `json:"resolved_by,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	PaymentAction  string     `json:"payment_action,omitempty"`
}

// AuditEntry is one line of the exchange's append-only history. Entries are
// never mutated or removed; this is the authoritative record for support and
// dispute review.
type AuditEntry struct {
	At     time.Time `json:"at"`
	By     uuid.UUID `json:"by"`
	Action string    `json:"action"`
	Note   string    `json:"note,omitempty"`
}

// NewAuditEntry returns an entry stamped now.
func NewAuditEntry(by uuid.UUID, action, note string) AuditEntry {
	return AuditEntry{At: time.Now().UTC(), By: by, Action: action, Note: note}
}

// IsParty reports whether the user is one of the two negotiating parties.
func (e *Exchange) IsParty(userID uuid.UUID) bool {
	return userID == e.InitiatorID || userID == e.ReceiverID
}

// IsMonetary reports whether the exchange carries a payment leg.
func (e *Exchange) IsMonetary() bool {
	return e.Type == ExchangeTypeMonetary || e.Type == ExchangeTypeHybrid
}

// EscrowPaymentID returns the funding payment id, or nil when not funded.
func (e *Exchange) EscrowPaymentID() *uuid.UUID {
	if e.Monetary == nil {
		return nil
	}
	return e.Monetary.EscrowPaymentID
}

// PaymentDirection derives payer and payee from the request listing snapshot.
// An "offer" listing means the owner (receiver) provides the service, so the
// initiator pays; a "need" listing means the owner consumes the service, so
// the owner pays. The same snapshot is used at funding and capture, so the
// derivation cannot diverge between the two points.
func (e *Exchange) PaymentDirection() (payer, payee uuid.UUID) {
	if e.Request.Snapshot.Type == ListingTypeNeed {
		return e.ReceiverID, e.InitiatorID
	}
	return e.InitiatorID, e.ReceiverID
}
