package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/apperrors"
	"github.com/skillswap/backend/internal/models"
)

// AdminPaymentStore is the payment access the admin service needs beyond the
// escrow manager.
type AdminPaymentStore interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error)
	ListByExchange(ctx context.Context, exchangeID uuid.UUID) ([]*models.Payment, error)
}

// AdminService is the support surface: dispute resolution with an imposed
// payment action, and direct intervention on a stuck escrow payment. Every
// operation requires an admin actor and writes the exchange audit log.
type AdminService struct {
	exchanges ExchangeStore
	payments  AdminPaymentStore
	escrow    EscrowManager
	ledger    *Ledger
	notifier  Notifier
	log       *slog.Logger
}

func NewAdminService(exchanges ExchangeStore, payments AdminPaymentStore, escrow EscrowManager, ledger *Ledger, notifier Notifier, log *slog.Logger) *AdminService {
	if log == nil {
		log = slog.Default()
	}
	return &AdminService{exchanges: exchanges, payments: payments, escrow: escrow, ledger: ledger, notifier: notifier, log: log}
}

// ResolveDispute settles a disputed exchange with an imposed payment action.
// Monetary exchanges with funded escrow must state an action; release moves
// the escrow to the derived payee, refund returns it to the payer, split and
// none leave an audit trail for manual settlement. The payment leg runs under
// a savepoint so its failure never blocks the resolution itself.
func (s *AdminService) ResolveDispute(ctx context.Context, admin *models.User, exchangeID uuid.UUID, note, paymentAction string) (*TransitionResult, error) {
	if !admin.IsAdmin() {
		return nil, apperrors.New(apperrors.Unauthorized, "only admins can resolve disputes")
	}

	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := s.exchanges.GetByIDForUpdate(ctx, tx, exchangeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.New(apperrors.NotFound, "exchange not found")
		}
		return nil, err
	}
	if e.Status != models.ExchangeStatusDisputed {
		return nil, apperrors.Newf(apperrors.InvalidState, "cannot resolve while exchange is %s", e.Status)
	}

	escrowID := e.EscrowPaymentID()
	switch paymentAction {
	case models.PaymentActionRelease, models.PaymentActionRefund, models.PaymentActionSplit, models.PaymentActionNone:
	case "":
		if escrowID != nil {
			return nil, apperrors.New(apperrors.Validation, "a payment action is required when escrow is funded")
		}
		paymentAction = models.PaymentActionNone
	default:
		return nil, apperrors.Newf(apperrors.Validation, "unknown payment action %q", paymentAction)
	}
	if escrowID == nil && paymentAction != models.PaymentActionNone {
		return nil, apperrors.New(apperrors.Validation, "no escrow payment to act on")
	}

	result := &TransitionResult{Exchange: e}
	if escrowID != nil {
		switch paymentAction {
		case models.PaymentActionRelease:
			_, payee := e.PaymentDirection()
			result.Compensation = s.captureUnderSavepoint(ctx, tx, e, *escrowID, payee, admin.ID)
		case models.PaymentActionRefund:
			result.Compensation = s.refundUnderSavepoint(ctx, tx, e, *escrowID, "dispute resolved: refund imposed", admin.ID)
		case models.PaymentActionSplit:
			// No automatic split; funds stay escrowed and support settles
			// manually against the audit trail.
			e.AppendAudit(models.NewAuditEntry(admin.ID, "payment_split_ordered", note))
		}
	}

	e.Status = models.ExchangeStatusResolved
	if e.Dispute != nil {
		e.Dispute.ResolvedBy = &admin.ID
		e.Dispute.ResolutionNote = note
		e.Dispute.PaymentAction = paymentAction
	}
	e.AppendAudit(models.NewAuditEntry(admin.ID, "dispute_resolved_by_admin", note))
	if err := s.exchanges.UpdateTx(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.notifyParties(ctx, e, "Dispute resolved", "An administrator resolved the dispute on your exchange")
	return result, nil
}

// Intervene acts directly on an exchange's escrow payment outside a dispute
// resolution: release captures to the payee, refund returns funds to the
// payer, hold marks the payment disputed so automatic capture and refund stop
// touching it. paymentID must match the exchange's escrow payment.
func (s *AdminService) Intervene(ctx context.Context, admin *models.User, exchangeID, paymentID uuid.UUID, action, note string) (*models.Payment, error) {
	if !admin.IsAdmin() {
		return nil, apperrors.New(apperrors.Unauthorized, "only admins can intervene on payments")
	}

	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := s.exchanges.GetByIDForUpdate(ctx, tx, exchangeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.New(apperrors.NotFound, "exchange not found")
		}
		return nil, err
	}
	escrowID := e.EscrowPaymentID()
	if escrowID == nil || *escrowID != paymentID {
		return nil, apperrors.New(apperrors.Validation, "payment does not belong to this exchange")
	}

	var p *models.Payment
	switch action {
	case models.PaymentActionRelease:
		_, payee := e.PaymentDirection()
		p, err = s.escrow.CaptureEscrow(ctx, tx, paymentID, payee, admin.ID)
	case models.PaymentActionRefund:
		p, err = s.escrow.RefundEscrow(ctx, tx, paymentID, note, admin.ID, true, false)
	case models.PaymentActionHold:
		p, err = s.payments.GetByIDForUpdate(ctx, tx, paymentID)
		if err == nil {
			p, err = s.ledger.Transition(ctx, tx, p, models.PaymentStatusDisputed, note, admin.ID, nil)
		}
	default:
		return nil, apperrors.Newf(apperrors.Validation, "unknown intervention action %q", action)
	}
	if err != nil {
		return nil, err
	}

	e.AppendAudit(models.NewAuditEntry(admin.ID, "admin_payment_"+action, note))
	if err := s.exchanges.UpdateTx(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.notifyParties(ctx, e, "Payment update", "An administrator updated the payment on your exchange")
	return p, nil
}

// ExchangePayments returns every payment attached to an exchange, for support
// review.
func (s *AdminService) ExchangePayments(ctx context.Context, admin *models.User, exchangeID uuid.UUID) ([]*models.Payment, error) {
	if !admin.IsAdmin() {
		return nil, apperrors.New(apperrors.Unauthorized, "only admins can list exchange payments")
	}
	return s.payments.ListByExchange(ctx, exchangeID)
}

func (s *AdminService) captureUnderSavepoint(ctx context.Context, tx pgx.Tx, e *models.Exchange, paymentID, payeeID, actorID uuid.UUID) *CompensationOutcome {
	out := &CompensationOutcome{Attempted: true, PaymentID: paymentID.String()}
	inner, err := tx.Begin(ctx)
	if err == nil {
		if _, err = s.escrow.CaptureEscrow(ctx, inner, paymentID, payeeID, actorID); err != nil {
			_ = inner.Rollback(ctx)
		} else {
			_ = inner.Commit(ctx)
		}
	}
	if err != nil {
		out.Err, out.ErrText = err, err.Error()
		s.log.Error("admin escrow capture failed", "exchange_id", e.ID, "payment_id", paymentID, "error", err)
		e.AppendAudit(models.NewAuditEntry(actorID, "payment_capture_failed", err.Error()))
	}
	return out
}

func (s *AdminService) refundUnderSavepoint(ctx context.Context, tx pgx.Tx, e *models.Exchange, paymentID uuid.UUID, reason string, actorID uuid.UUID) *CompensationOutcome {
	out := &CompensationOutcome{Attempted: true, PaymentID: paymentID.String()}
	inner, err := tx.Begin(ctx)
	if err == nil {
		if _, err = s.escrow.RefundEscrow(ctx, inner, paymentID, reason, actorID, true, false); err != nil {
			_ = inner.Rollback(ctx)
		} else {
			_ = inner.Commit(ctx)
		}
	}
	if err != nil {
		out.Err, out.ErrText = err, err.Error()
		s.log.Error("admin escrow refund failed", "exchange_id", e.ID, "payment_id", paymentID, "error", err)
		e.AppendAudit(models.NewAuditEntry(actorID, "payment_refund_failed", err.Error()))
	}
	return out
}

func (s *AdminService) notifyParties(ctx context.Context, e *models.Exchange, title, body string) {
	if s.notifier == nil {
		return
	}
	for _, id := range []uuid.UUID{e.InitiatorID, e.ReceiverID} {
		if err := s.notifier.Notify(ctx, id, title, body, map[string]string{"exchange_id": e.ID.String()}); err != nil {
			s.log.Warn("notification enqueue failed", "user_id", id, "error", err)
		}
	}
}
