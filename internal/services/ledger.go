package services

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/apperrors"
	"github.com/skillswap/backend/internal/models"
)

// LedgerPaymentStore is the minimal payment store interface for the ledger.
type LedgerPaymentStore interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, payeeID *uuid.UUID, entry models.TimelineEntry) error
}

// LedgerAuditStore mirrors payment status changes into the owning exchange's
// audit log.
type LedgerAuditStore interface {
	AppendAuditTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, entries ...models.AuditEntry) error
}

// Ledger owns payment status transitions: it validates the target against the
// fixed transition table, appends the timeline entry, and mirrors an audit
// entry onto the owning exchange. The mirror is best-effort; the payment's
// durability must not depend on the exchange document.
type Ledger struct {
	payments LedgerPaymentStore
	audits   LedgerAuditStore
	log      *slog.Logger
}

func NewLedger(payments LedgerPaymentStore, audits LedgerAuditStore, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{payments: payments, audits: audits, log: log}
}

// auditActions maps payment statuses to exchange audit actions.
var auditActions = map[string]string{
	models.PaymentStatusInitiated: "payment_initiated",
	models.PaymentStatusEscrowed:  "payment_escrowed",
	models.PaymentStatusCaptured:  "payment_captured",
	models.PaymentStatusRefunded:  "payment_refunded",
	models.PaymentStatusFailed:    "payment_failed",
	models.PaymentStatusDisputed:  "payment_disputed",
}

// Transition moves the payment to newStatus inside the caller's transaction.
// Setting the same status again is an idempotent no-op returning the current
// record. payeeID, when non-nil, is assigned along with the status (capture).
func (l *Ledger) Transition(ctx context.Context, tx pgx.Tx, payment *models.Payment, newStatus, note string, actorID uuid.UUID, payeeID *uuid.UUID) (*models.Payment, error) {
	if payment.Status == newStatus {
		return payment, nil
	}
	if !models.ValidPaymentTransition(payment.Status, newStatus) {
		return nil, apperrors.Newf(apperrors.InvalidState,
			"payment cannot move from %s to %s", payment.Status, newStatus)
	}

	entry := models.NewTimelineEntry(newStatus, note)
	if err := l.payments.UpdateStatusTx(ctx, tx, payment.ID, newStatus, payeeID, entry); err != nil {
		return nil, err
	}
	payment.Status = newStatus
	payment.Timeline = append(payment.Timeline, entry)
	if payeeID != nil {
		payment.PayeeID = payeeID
	}

	if payment.ExchangeID != nil {
		if action, ok := auditActions[newStatus]; ok {
			l.mirrorAudit(ctx, tx, payment, models.NewAuditEntry(actorID, action, note))
		}
	}
	return payment, nil
}

// mirrorAudit appends the entry under a savepoint so a failure cannot poison
// the caller's transaction.
func (l *Ledger) mirrorAudit(ctx context.Context, tx pgx.Tx, payment *models.Payment, entry models.AuditEntry) {
	inner, err := tx.Begin(ctx)
	if err != nil {
		l.log.Warn("exchange audit mirror failed",
			"payment_id", payment.ID, "exchange_id", *payment.ExchangeID, "error", err)
		return
	}
	if err := l.audits.AppendAuditTx(ctx, inner, *payment.ExchangeID, entry); err != nil {
		_ = inner.Rollback(ctx)
		l.log.Warn("exchange audit mirror failed",
			"payment_id", payment.ID, "exchange_id", *payment.ExchangeID, "error", err)
		return
	}
	_ = inner.Commit(ctx)
}
