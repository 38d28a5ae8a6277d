package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/apperrors"
	"github.com/skillswap/backend/internal/models"
)

// ExchangeStore is the persistence interface the state machine drives. Every
// guarded transition reads through GetByIDForUpdate so concurrent transitions
// serialize on the row lock.
type ExchangeStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.Exchange) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Exchange, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Exchange, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, e *models.Exchange) error
	SetEscrowFunded(ctx context.Context, tx pgx.Tx, id, paymentID uuid.UUID, currency string, amountCents int64, entry models.AuditEntry) (bool, error)
	ListByParty(ctx context.Context, userID uuid.UUID) ([]*models.Exchange, error)
}

// ListingStore resolves the listing an exchange is proposed against.
type ListingStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Listing, error)
}

// ThreadCreator opens the message thread for a new exchange.
type ThreadCreator interface {
	CreateTx(ctx context.Context, tx pgx.Tx, participantIDs []uuid.UUID) (uuid.UUID, error)
}

// EscrowManager is the escrow capability the state machine composes into its
// transitions. All three operations run in the caller's transaction.
type EscrowManager interface {
	CreateEscrow(ctx context.Context, tx pgx.Tx, exchangeID, payerID uuid.UUID, amountCents int64, currency string) (*models.Payment, error)
	CaptureEscrow(ctx context.Context, tx pgx.Tx, paymentID, payeeID, actorID uuid.UUID) (*models.Payment, error)
	RefundEscrow(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID, reason string, actorID uuid.UUID, isAdmin, allowDuringCancellation bool) (*models.Payment, error)
}

// Notifier delivers out-of-band notifications. Failures are logged, never
// surfaced; a transition's outcome must not depend on notification delivery.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, title, body string, data map[string]string) error
}

// CompensationOutcome reports the money side effect attached to a transition
// (completion capture, cancellation refund). The transition itself commits
// whether or not the money leg succeeded; Err carries the failure when it did
// not, for support follow-up.
type CompensationOutcome struct {
	Attempted bool   `json:"attempted"`
	PaymentID string `json:"payment_id,omitempty"`
	Err       error  `json:"-"`
	ErrText   string `json:"error,omitempty"`
}

// TransitionResult pairs the exchange after a transition with the outcome of
// any attached money movement.
type TransitionResult struct {
	Exchange     *models.Exchange     `json:"exchange"`
	Compensation *CompensationOutcome `json:"compensation,omitempty"`
}

// MonetaryInput sets or updates the payment leg during negotiation.
type MonetaryInput struct {
	Currency         string `json:"currency"`
	TotalAmountCents int64  `json:"total_amount_cents"`
}

// CreateExchangeInput is a new proposal. The receiver is the owner of the
// request listing, never supplied by the caller.
type CreateExchangeInput struct {
	RequestListingID uuid.UUID             `json:"request_listing_id"`
	RequestNotes     string                `json:"request_notes"`
	OfferListingID   *uuid.UUID            `json:"offer_listing_id,omitempty"`
	OfferSkill       *models.SkillSnapshot `json:"offer_skill,omitempty"`
	OfferNotes       string                `json:"offer_notes"`
	Type             string                `json:"type"`
	Monetary         *MonetaryInput        `json:"monetary,omitempty"`
}

// SignAgreementInput signs the current terms. Non-empty Terms replaces the
// term list and voids all previous signatures before the actor signs.
// Monetary, when present, updates the payment leg under the same rule.
type SignAgreementInput struct {
	Terms    []string       `json:"terms,omitempty"`
	Monetary *MonetaryInput `json:"monetary,omitempty"`
}

// ExchangeService is the lifecycle state machine. Every transition is one
// database transaction: guard checks, the status write, audit entries, and
// any primary money movement commit or roll back together.
type ExchangeService struct {
	exchanges ExchangeStore
	listings  ListingStore
	threads   ThreadCreator
	escrow    EscrowManager
	notifier  Notifier
	log       *slog.Logger
}

func NewExchangeService(exchanges ExchangeStore, listings ListingStore, threads ThreadCreator, escrow EscrowManager, notifier Notifier, log *slog.Logger) *ExchangeService {
	if log == nil {
		log = slog.Default()
	}
	return &ExchangeService{exchanges: exchanges, listings: listings, threads: threads, escrow: escrow, notifier: notifier, log: log}
}

// Create proposes a new exchange against a listing. The listing's fields are
// frozen into a snapshot so later edits never alter the negotiation.
func (s *ExchangeService) Create(ctx context.Context, initiator *models.User, in CreateExchangeInput) (*models.Exchange, error) {
	switch in.Type {
	case models.ExchangeTypeBarter, models.ExchangeTypeMonetary, models.ExchangeTypeHybrid:
	default:
		return nil, apperrors.Newf(apperrors.Validation, "unknown exchange type %q", in.Type)
	}
	if in.Type != models.ExchangeTypeMonetary && in.OfferListingID == nil && in.OfferSkill == nil {
		return nil, apperrors.New(apperrors.Validation, "barter and hybrid exchanges need an offered listing or skill")
	}

	listing, err := s.listings.GetByID(ctx, in.RequestListingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.New(apperrors.NotFound, "listing not found")
		}
		return nil, err
	}
	if !listing.Active {
		return nil, apperrors.New(apperrors.Validation, "listing is not active")
	}
	if listing.OwnerID == initiator.ID {
		return nil, apperrors.New(apperrors.Validation, "cannot propose an exchange against your own listing")
	}

	if in.OfferListingID != nil {
		offered, err := s.listings.GetByID(ctx, *in.OfferListingID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, apperrors.New(apperrors.NotFound, "offered listing not found")
			}
			return nil, err
		}
		if offered.OwnerID != initiator.ID {
			return nil, apperrors.New(apperrors.Unauthorized, "offered listing belongs to another user")
		}
	}

	e := &models.Exchange{
		ID:          uuid.New(),
		InitiatorID: initiator.ID,
		ReceiverID:  listing.OwnerID,
		Offer: models.OfferSide{
			ListingID:     in.OfferListingID,
			SkillSnapshot: in.OfferSkill,
			Notes:         in.OfferNotes,
		},
		Request: models.RequestSide{
			ListingID: listing.ID,
			Snapshot:  models.SnapshotListing(listing),
			Notes:     in.RequestNotes,
		},
		Type:      in.Type,
		Agreement: models.Agreement{Terms: []string{}, SignedBy: []uuid.UUID{}},
		Status:    models.ExchangeStatusProposed,
		Audit:     []models.AuditEntry{models.NewAuditEntry(initiator.ID, "exchange_proposed", "")},
	}
	if in.Monetary != nil {
		if err := validateMonetaryInput(in.Type, in.Monetary); err != nil {
			return nil, err
		}
		e.Monetary = &models.Monetary{Currency: in.Monetary.Currency, TotalAmountCents: in.Monetary.TotalAmountCents}
	}

	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	threadID, err := s.threads.CreateTx(ctx, tx, []uuid.UUID{e.InitiatorID, e.ReceiverID})
	if err != nil {
		return nil, err
	}
	e.ThreadID = threadID
	if err := s.exchanges.CreateTx(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.notify(ctx, e.ReceiverID, "New exchange proposal",
		"You received an exchange proposal on "+e.Request.Snapshot.Title, e.ID)
	return e, nil
}

// Respond accepts or declines a proposed exchange. Only the receiver may
// respond, and only while the exchange is still proposed.
func (s *ExchangeService) Respond(ctx context.Context, actor *models.User, exchangeID uuid.UUID, accept bool, note string) (*models.Exchange, error) {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := s.lockExchange(ctx, tx, exchangeID)
	if err != nil {
		return nil, err
	}
	if actor.ID != e.ReceiverID {
		return nil, apperrors.New(apperrors.Unauthorized, "only the receiver can respond to a proposal")
	}
	if e.Status != models.ExchangeStatusProposed {
		return nil, apperrors.Newf(apperrors.InvalidState, "cannot respond while exchange is %s", e.Status)
	}

	if accept {
		e.Status = models.ExchangeStatusAcceptedInitial
		e.AppendAudit(models.NewAuditEntry(actor.ID, "exchange_accepted", note))
	} else {
		e.Status = models.ExchangeStatusDeclined
		e.AppendAudit(models.NewAuditEntry(actor.ID, "exchange_declined", note))
	}
	if err := s.exchanges.UpdateTx(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if accept {
		s.notify(ctx, e.InitiatorID, "Proposal accepted", "Your exchange proposal was accepted", e.ID)
	} else {
		s.notify(ctx, e.InitiatorID, "Proposal declined", "Your exchange proposal was declined", e.ID)
	}
	return e, nil
}

// SignAgreement records the actor's signature on the current terms. Supplying
// new terms voids every previous signature; doing so on a fully signed
// agreement additionally reverts the exchange to accepted_initial for
// renegotiation, as long as escrow has not been funded. Once both parties
// have signed the monetary configuration is validated and the exchange moves
// to agreement_signed; signing terms already signed is a no-op.
func (s *ExchangeService) SignAgreement(ctx context.Context, actor *models.User, exchangeID uuid.UUID, in SignAgreementInput) (*models.Exchange, error) {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := s.lockExchange(ctx, tx, exchangeID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actor.ID) {
		return nil, apperrors.New(apperrors.Unauthorized, "only a party of the exchange can sign")
	}
	if e.Status != models.ExchangeStatusAcceptedInitial && e.Status != models.ExchangeStatusAgreementSigned {
		return nil, apperrors.Newf(apperrors.InvalidState, "cannot sign while exchange is %s", e.Status)
	}

	if in.Monetary != nil {
		if !e.IsMonetary() {
			return nil, apperrors.New(apperrors.Validation, "barter exchanges cannot carry a payment leg")
		}
		if err := validateMonetaryInput(e.Type, in.Monetary); err != nil {
			return nil, err
		}
		e.Monetary = &models.Monetary{Currency: in.Monetary.Currency, TotalAmountCents: in.Monetary.TotalAmountCents}
		e.Agreement.SignedBy = e.Agreement.SignedBy[:0]
		e.AppendAudit(models.NewAuditEntry(actor.ID, "terms_updated", "payment amount changed"))
	}
	if len(in.Terms) > 0 {
		e.Agreement.Terms = in.Terms
		e.Agreement.SignedBy = e.Agreement.SignedBy[:0]
		e.AppendAudit(models.NewAuditEntry(actor.ID, "terms_updated", ""))
	}
	if (in.Monetary != nil || len(in.Terms) > 0) && e.Status == models.ExchangeStatusAgreementSigned {
		e.Status = models.ExchangeStatusAcceptedInitial
		e.AppendAudit(models.NewAuditEntry(actor.ID, "agreement_reopened", "signed terms changed"))
	}

	if e.Agreement.Signed(actor.ID) {
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return e, nil
	}
	e.Agreement.SignedBy = append(e.Agreement.SignedBy, actor.ID)
	e.AppendAudit(models.NewAuditEntry(actor.ID, "agreement_signed", ""))

	bothSigned := e.Agreement.Signed(e.InitiatorID) && e.Agreement.Signed(e.ReceiverID)
	if bothSigned {
		if err := validateMonetaryReady(e); err != nil {
			return nil, err
		}
		e.Status = models.ExchangeStatusAgreementSigned
		e.AppendAudit(models.NewAuditEntry(actor.ID, "agreement_complete", "both parties signed"))
	}

	if err := s.exchanges.UpdateTx(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	other := e.InitiatorID
	if actor.ID == e.InitiatorID {
		other = e.ReceiverID
	}
	if bothSigned {
		s.notify(ctx, other, "Agreement complete", "Both parties signed the agreement", e.ID)
	} else {
		s.notify(ctx, other, "Agreement signed", "The other party signed the agreement", e.ID)
	}
	return e, nil
}

// FundEscrow moves the agreed amount from the payer's wallet into escrow. The
// caller must be the derived payer and must fund the exact agreed amount. The
// wallet debit, the payment record, and the exchange's conditional status
// update are one transaction; when a concurrent attempt wins the conditional
// update, everything rolls back and the race is reported.
func (s *ExchangeService) FundEscrow(ctx context.Context, actor *models.User, exchangeID uuid.UUID, amountCents int64, currency string) (*models.Exchange, error) {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := s.lockExchange(ctx, tx, exchangeID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actor.ID) {
		return nil, apperrors.New(apperrors.Unauthorized, "only a party of the exchange can fund escrow")
	}
	if !e.IsMonetary() {
		return nil, apperrors.New(apperrors.Validation, "barter exchanges have no escrow to fund")
	}
	if e.EscrowPaymentID() != nil {
		return nil, apperrors.New(apperrors.AlreadyProcessed, "escrow is already funded")
	}
	if e.Status != models.ExchangeStatusAgreementSigned {
		return nil, apperrors.Newf(apperrors.InvalidState, "cannot fund escrow while exchange is %s", e.Status)
	}

	payer, _ := e.PaymentDirection()
	if actor.ID != payer {
		return nil, apperrors.New(apperrors.Unauthorized, "only the paying party can fund escrow")
	}
	if amountCents != e.Monetary.TotalAmountCents || currency != e.Monetary.Currency {
		return nil, apperrors.Newf(apperrors.Validation,
			"escrow must be funded with the agreed %d %s", e.Monetary.TotalAmountCents, e.Monetary.Currency)
	}

	payment, err := s.escrow.CreateEscrow(ctx, tx, e.ID, payer, amountCents, currency)
	if err != nil {
		return nil, err
	}

	entry := models.NewAuditEntry(actor.ID, "escrow_funded", "")
	ok, err := s.exchanges.SetEscrowFunded(ctx, tx, e.ID, payment.ID, currency, amountCents, entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.New(apperrors.ConflictRace, "escrow was funded concurrently")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	e.Status = models.ExchangeStatusEscrowFunded
	e.Monetary.EscrowPaymentID = &payment.ID
	e.Audit = append(e.Audit, entry)

	other := e.InitiatorID
	if actor.ID == e.InitiatorID {
		other = e.ReceiverID
	}
	s.notify(ctx, other, "Escrow funded", "The agreed amount is now held in escrow", e.ID)
	return e, nil
}

// Start moves the exchange to in_progress. Barter exchanges start once
// accepted, with or without a signed agreement; monetary and hybrid exchanges
// require funded escrow.
func (s *ExchangeService) Start(ctx context.Context, actor *models.User, exchangeID uuid.UUID) (*models.Exchange, error) {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := s.lockExchange(ctx, tx, exchangeID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actor.ID) {
		return nil, apperrors.New(apperrors.Unauthorized, "only a party of the exchange can start it")
	}
	if e.IsMonetary() {
		if e.Status != models.ExchangeStatusEscrowFunded {
			return nil, apperrors.Newf(apperrors.InvalidState,
				"monetary exchanges start from funded escrow, current status %s", e.Status)
		}
	} else if e.Status != models.ExchangeStatusAcceptedInitial && e.Status != models.ExchangeStatusAgreementSigned {
		return nil, apperrors.Newf(apperrors.InvalidState, "cannot start while exchange is %s", e.Status)
	}

	now := time.Now().UTC()
	e.Status = models.ExchangeStatusInProgress
	e.StartedAt = &now
	e.AppendAudit(models.NewAuditEntry(actor.ID, "exchange_started", ""))
	if err := s.exchanges.UpdateTx(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	other := e.InitiatorID
	if actor.ID == e.InitiatorID {
		other = e.ReceiverID
	}
	s.notify(ctx, other, "Exchange started", "The exchange is now in progress", e.ID)
	return e, nil
}

// ConfirmComplete records the actor's completion confirmation. Confirming
// twice is a no-op. When the second party confirms, the exchange completes
// and, for monetary exchanges, the escrow is captured to the payee. The
// capture runs under a savepoint: if it fails the completion still commits and
// the failure is reported in the compensation outcome for support follow-up.
func (s *ExchangeService) ConfirmComplete(ctx context.Context, actor *models.User, exchangeID uuid.UUID) (*TransitionResult, error) {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := s.lockExchange(ctx, tx, exchangeID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actor.ID) {
		return nil, apperrors.New(apperrors.Unauthorized, "only a party of the exchange can confirm completion")
	}
	if e.Status == models.ExchangeStatusCompleted {
		return &TransitionResult{Exchange: e}, nil
	}
	if e.Status != models.ExchangeStatusInProgress {
		return nil, apperrors.Newf(apperrors.InvalidState, "cannot confirm completion while exchange is %s", e.Status)
	}

	already := (actor.ID == e.InitiatorID && e.Confirmations.Initiator) ||
		(actor.ID == e.ReceiverID && e.Confirmations.Receiver)
	if already {
		return &TransitionResult{Exchange: e}, nil
	}
	if actor.ID == e.InitiatorID {
		e.Confirmations.Initiator = true
	} else {
		e.Confirmations.Receiver = true
	}
	e.AppendAudit(models.NewAuditEntry(actor.ID, "completion_confirmed", ""))

	result := &TransitionResult{Exchange: e}
	completed := e.Confirmations.Initiator && e.Confirmations.Receiver
	if completed {
		now := time.Now().UTC()
		e.Status = models.ExchangeStatusCompleted
		e.CompletedAt = &now
		e.AppendAudit(models.NewAuditEntry(actor.ID, "exchange_completed", "both parties confirmed"))

		if e.IsMonetary() && e.EscrowPaymentID() != nil {
			_, payee := e.PaymentDirection()
			result.Compensation = s.captureUnderSavepoint(ctx, tx, e, *e.EscrowPaymentID(), payee, actor.ID)
		}
	}

	if err := s.exchanges.UpdateTx(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	other := e.InitiatorID
	if actor.ID == e.InitiatorID {
		other = e.ReceiverID
	}
	if completed {
		s.notify(ctx, other, "Exchange completed", "Both parties confirmed completion", e.ID)
	} else {
		s.notify(ctx, other, "Completion confirmed", "The other party confirmed completion", e.ID)
	}
	return result, nil
}

// Cancel ends the exchange before work starts. Funded escrow is refunded to
// the payer under a savepoint; a refund failure does not block the
// cancellation and is reported in the compensation outcome.
func (s *ExchangeService) Cancel(ctx context.Context, actor *models.User, exchangeID uuid.UUID, reason string) (*TransitionResult, error) {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := s.lockExchange(ctx, tx, exchangeID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actor.ID) {
		return nil, apperrors.New(apperrors.Unauthorized, "only a party of the exchange can cancel it")
	}
	switch e.Status {
	case models.ExchangeStatusProposed, models.ExchangeStatusAcceptedInitial,
		models.ExchangeStatusAgreementSigned, models.ExchangeStatusEscrowFunded:
	default:
		return nil, apperrors.Newf(apperrors.InvalidState, "cannot cancel while exchange is %s", e.Status)
	}

	e.Status = models.ExchangeStatusCancelled
	e.AppendAudit(models.NewAuditEntry(actor.ID, "exchange_cancelled", reason))

	result := &TransitionResult{Exchange: e}
	if pid := e.EscrowPaymentID(); pid != nil {
		result.Compensation = s.refundUnderSavepoint(ctx, tx, e, *pid, "exchange cancelled", actor.ID, false, true)
	}

	if err := s.exchanges.UpdateTx(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	other := e.InitiatorID
	if actor.ID == e.InitiatorID {
		other = e.ReceiverID
	}
	s.notify(ctx, other, "Exchange cancelled", "The exchange was cancelled", e.ID)
	return result, nil
}

// Dispute freezes an in-progress or completed exchange for review. Funds stay
// where they are until resolution.
func (s *ExchangeService) Dispute(ctx context.Context, actor *models.User, exchangeID uuid.UUID, reason string) (*models.Exchange, error) {
	if reason == "" {
		return nil, apperrors.New(apperrors.Validation, "a dispute needs a reason")
	}

	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := s.lockExchange(ctx, tx, exchangeID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actor.ID) {
		return nil, apperrors.New(apperrors.Unauthorized, "only a party of the exchange can raise a dispute")
	}
	if e.Status != models.ExchangeStatusInProgress && e.Status != models.ExchangeStatusCompleted {
		return nil, apperrors.Newf(apperrors.InvalidState, "cannot dispute while exchange is %s", e.Status)
	}

	e.Dispute = &models.Dispute{RaisedBy: actor.ID, Reason: reason, RaisedAt: time.Now().UTC()}
	e.Status = models.ExchangeStatusDisputed
	e.AppendAudit(models.NewAuditEntry(actor.ID, "dispute_raised", reason))
	if err := s.exchanges.UpdateTx(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	other := e.InitiatorID
	if actor.ID == e.InitiatorID {
		other = e.ReceiverID
	}
	s.notify(ctx, other, "Dispute raised", "A dispute was raised on your exchange", e.ID)
	return e, nil
}

// Resolve settles a dispute by mutual concession, without an admin. The
// conceding party picks the payment action against themselves: the payer may
// release the escrow to the payee, the payee may concede a refund to the
// payer, and either may resolve with no money movement.
func (s *ExchangeService) Resolve(ctx context.Context, actor *models.User, exchangeID uuid.UUID, note, paymentAction string) (*TransitionResult, error) {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := s.lockExchange(ctx, tx, exchangeID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actor.ID) {
		return nil, apperrors.New(apperrors.Unauthorized, "only a party of the exchange can resolve it")
	}
	if e.Status != models.ExchangeStatusDisputed {
		return nil, apperrors.Newf(apperrors.InvalidState, "cannot resolve while exchange is %s", e.Status)
	}
	if paymentAction == "" {
		paymentAction = models.PaymentActionNone
	}

	result := &TransitionResult{Exchange: e}
	if pid := e.EscrowPaymentID(); pid != nil && paymentAction != models.PaymentActionNone {
		payer, payee := e.PaymentDirection()
		switch paymentAction {
		case models.PaymentActionRelease:
			if actor.ID != payer {
				return nil, apperrors.New(apperrors.Unauthorized, "only the paying party can release the escrow")
			}
			result.Compensation = s.captureUnderSavepoint(ctx, tx, e, *pid, payee, actor.ID)
		case models.PaymentActionRefund:
			if actor.ID != payee {
				return nil, apperrors.New(apperrors.Unauthorized, "only the receiving party can concede a refund")
			}
			result.Compensation = s.refundUnderSavepoint(ctx, tx, e, *pid, "dispute resolved by parties", actor.ID, false, false)
		default:
			return nil, apperrors.Newf(apperrors.Validation, "parties can only release, refund, or resolve with no payment action, got %q", paymentAction)
		}
	} else if paymentAction != models.PaymentActionNone {
		return nil, apperrors.New(apperrors.Validation, "no escrow payment to act on")
	}

	e.Status = models.ExchangeStatusResolved
	e.Dispute.ResolvedBy = &actor.ID
	e.Dispute.ResolutionNote = note
	e.Dispute.PaymentAction = paymentAction
	e.AppendAudit(models.NewAuditEntry(actor.ID, "dispute_resolved", note))
	if err := s.exchanges.UpdateTx(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	other := e.InitiatorID
	if actor.ID == e.InitiatorID {
		other = e.ReceiverID
	}
	s.notify(ctx, other, "Dispute resolved", "The dispute on your exchange was resolved", e.ID)
	return result, nil
}

// Get returns the exchange to a party or an admin.
func (s *ExchangeService) Get(ctx context.Context, actor *models.User, exchangeID uuid.UUID) (*models.Exchange, error) {
	e, err := s.exchanges.GetByID(ctx, exchangeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.New(apperrors.NotFound, "exchange not found")
		}
		return nil, err
	}
	if !e.IsParty(actor.ID) && !actor.IsAdmin() {
		return nil, apperrors.New(apperrors.Unauthorized, "not a party of this exchange")
	}
	return e, nil
}

// ListForUser returns the exchanges the user is a party of, newest first.
func (s *ExchangeService) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Exchange, error) {
	return s.exchanges.ListByParty(ctx, userID)
}

func (s *ExchangeService) lockExchange(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Exchange, error) {
	e, err := s.exchanges.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.New(apperrors.NotFound, "exchange not found")
		}
		return nil, err
	}
	return e, nil
}

// captureUnderSavepoint runs the escrow capture in a savepoint so a failure
// cannot abort the surrounding transition.
func (s *ExchangeService) captureUnderSavepoint(ctx context.Context, tx pgx.Tx, e *models.Exchange, paymentID, payeeID, actorID uuid.UUID) *CompensationOutcome {
	out := &CompensationOutcome{Attempted: true, PaymentID: paymentID.String()}
	inner, err := tx.Begin(ctx)
	if err != nil {
		out.Err, out.ErrText = err, err.Error()
		s.log.Error("escrow capture failed", "exchange_id", e.ID, "payment_id", paymentID, "error", err)
		e.AppendAudit(models.NewAuditEntry(actorID, "payment_capture_failed", err.Error()))
		return out
	}
	if _, err := s.escrow.CaptureEscrow(ctx, inner, paymentID, payeeID, actorID); err != nil {
		_ = inner.Rollback(ctx)
		out.Err, out.ErrText = err, err.Error()
		s.log.Error("escrow capture failed", "exchange_id", e.ID, "payment_id", paymentID, "error", err)
		e.AppendAudit(models.NewAuditEntry(actorID, "payment_capture_failed", err.Error()))
		return out
	}
	_ = inner.Commit(ctx)
	return out
}

// refundUnderSavepoint mirrors captureUnderSavepoint for the refund leg.
func (s *ExchangeService) refundUnderSavepoint(ctx context.Context, tx pgx.Tx, e *models.Exchange, paymentID uuid.UUID, reason string, actorID uuid.UUID, isAdmin, duringCancellation bool) *CompensationOutcome {
	out := &CompensationOutcome{Attempted: true, PaymentID: paymentID.String()}
	inner, err := tx.Begin(ctx)
	if err != nil {
		out.Err, out.ErrText = err, err.Error()
		s.log.Error("escrow refund failed", "exchange_id", e.ID, "payment_id", paymentID, "error", err)
		e.AppendAudit(models.NewAuditEntry(actorID, "payment_refund_failed", err.Error()))
		return out
	}
	if _, err := s.escrow.RefundEscrow(ctx, inner, paymentID, reason, actorID, isAdmin, duringCancellation); err != nil {
		_ = inner.Rollback(ctx)
		out.Err, out.ErrText = err, err.Error()
		s.log.Error("escrow refund failed", "exchange_id", e.ID, "payment_id", paymentID, "error", err)
		e.AppendAudit(models.NewAuditEntry(actorID, "payment_refund_failed", err.Error()))
		return out
	}
	_ = inner.Commit(ctx)
	return out
}

func (s *ExchangeService) notify(ctx context.Context, userID uuid.UUID, title, body string, exchangeID uuid.UUID) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, title, body, map[string]string{"exchange_id": exchangeID.String()}); err != nil {
		s.log.Warn("notification enqueue failed", "user_id", userID, "error", err)
	}
}

func validateMonetaryInput(exchangeType string, in *MonetaryInput) error {
	if exchangeType == models.ExchangeTypeBarter {
		return apperrors.New(apperrors.Validation, "barter exchanges cannot carry a payment leg")
	}
	if in.TotalAmountCents <= 0 {
		return apperrors.New(apperrors.Validation, "payment amount must be positive")
	}
	if in.Currency == "" {
		return apperrors.New(apperrors.Validation, "payment currency is required")
	}
	return nil
}

// validateMonetaryReady enforces the signing invariant: monetary and hybrid
// exchanges must have a complete payment leg before the agreement can be
// final, barter exchanges must have none.
func validateMonetaryReady(e *models.Exchange) error {
	if e.IsMonetary() {
		if e.Monetary == nil || e.Monetary.TotalAmountCents <= 0 || e.Monetary.Currency == "" {
			return apperrors.New(apperrors.Validation, "agreement needs an agreed payment amount and currency before signing completes")
		}
		return nil
	}
	if e.Monetary != nil {
		return apperrors.New(apperrors.Validation, "barter exchanges cannot carry a payment leg")
	}
	return nil
}
