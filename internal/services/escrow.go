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

// EscrowWalletStore is the wallet balance manager interface for escrow. All
// mutations run inside the caller's transaction.
type EscrowWalletStore interface {
	DebitWallet(ctx context.Context, tx pgx.Tx, id uuid.UUID, amountCents int64) (int64, error)
	CreditWallet(ctx context.Context, tx pgx.Tx, id uuid.UUID, amountCents int64) (int64, error)
	ApplyCaptureCounters(ctx context.Context, tx pgx.Tx, payerID, payeeID uuid.UUID, amountCents int64) error
	ReverseCaptureCounters(ctx context.Context, tx pgx.Tx, payerID, payeeID uuid.UUID, amountCents int64) error
}

// EscrowPaymentStore is the minimal payment store interface for escrow.
type EscrowPaymentStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payment) error
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error)
}

// EscrowExchangeStore resolves the exchange a payment belongs to, for refund
// authorization.
type EscrowExchangeStore interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Exchange, error)
}

// EscrowService creates, captures, and refunds escrow holds. Every operation
// requires the caller's transaction and never opens its own, so it composes
// inside the exchange state machine's atomic transitions.
type EscrowService struct {
	wallets   EscrowWalletStore
	payments  EscrowPaymentStore
	exchanges EscrowExchangeStore
	ledger    *Ledger
	log       *slog.Logger
}

func NewEscrowService(wallets EscrowWalletStore, payments EscrowPaymentStore, exchanges EscrowExchangeStore, ledger *Ledger, log *slog.Logger) *EscrowService {
	if log == nil {
		log = slog.Default()
	}
	return &EscrowService{wallets: wallets, payments: payments, exchanges: exchanges, ledger: ledger, log: log}
}

// CreateEscrow debits the payer's wallet and records the hold as an escrowed
// payment linked to the exchange. The payee stays unset until capture.
func (s *EscrowService) CreateEscrow(ctx context.Context, tx pgx.Tx, exchangeID, payerID uuid.UUID, amountCents int64, currency string) (*models.Payment, error) {
	if amountCents <= 0 {
		return nil, apperrors.New(apperrors.Validation, "escrow amount must be positive")
	}
	if _, err := s.wallets.DebitWallet(ctx, tx, payerID, amountCents); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.Newf(apperrors.InsufficientBalance,
				"wallet balance below %d %s", amountCents, currency)
		}
		return nil, err
	}

	p := &models.Payment{
		ID:          uuid.New(),
		ExchangeID:  &exchangeID,
		PayerID:     payerID,
		AmountCents: amountCents,
		Currency:    currency,
		Type:        models.PaymentTypeEscrow,
		Status:      models.PaymentStatusEscrowed,
		Gateway:     models.GatewayInternal,
		Timeline:    []models.TimelineEntry{models.NewTimelineEntry(models.PaymentStatusEscrowed, "escrow hold created")},
	}
	if err := s.payments.CreateTx(ctx, tx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// CaptureEscrow releases an escrowed payment to the payee: status moves to
// captured, the payee wallet is credited, and both parties' settlement
// counters are updated. Re-capturing an already-captured payment is a no-op
// returning the current record.
func (s *EscrowService) CaptureEscrow(ctx context.Context, tx pgx.Tx, paymentID, payeeID, actorID uuid.UUID) (*models.Payment, error) {
	p, err := s.payments.GetByIDForUpdate(ctx, tx, paymentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.New(apperrors.NotFound, "payment not found")
		}
		return nil, err
	}
	if p.Status == models.PaymentStatusCaptured {
		return p, nil
	}
	if p.Status != models.PaymentStatusEscrowed && p.Status != models.PaymentStatusDisputed {
		return nil, apperrors.Newf(apperrors.InvalidState,
			"only escrowed or disputed payments can be captured, current status %s", p.Status)
	}

	p, err = s.ledger.Transition(ctx, tx, p, models.PaymentStatusCaptured, "escrow captured to payee", actorID, &payeeID)
	if err != nil {
		return nil, err
	}
	if _, err := s.wallets.CreditWallet(ctx, tx, payeeID, p.AmountCents); err != nil {
		return nil, err
	}
	if err := s.wallets.ApplyCaptureCounters(ctx, tx, p.PayerID, payeeID, p.AmountCents); err != nil {
		return nil, err
	}
	return p, nil
}

// RefundEscrow returns escrowed or captured funds to the payer. Refunding an
// already-refunded payment is a no-op. Authorization: an admin, a party of
// the owning exchange while it is disputed, or the cancellation path via
// allowDuringCancellation. A refund after capture claws the amount back from
// the payee and reverses the settlement counters.
func (s *EscrowService) RefundEscrow(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID, reason string, actorID uuid.UUID, isAdmin, allowDuringCancellation bool) (*models.Payment, error) {
	p, err := s.payments.GetByIDForUpdate(ctx, tx, paymentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.New(apperrors.NotFound, "payment not found")
		}
		return nil, err
	}
	if p.Status == models.PaymentStatusRefunded {
		return p, nil
	}

	if !isAdmin && !allowDuringCancellation {
		if p.ExchangeID == nil {
			return nil, apperrors.New(apperrors.Unauthorized, "only admins can refund this payment")
		}
		ex, err := s.exchanges.GetByIDForUpdate(ctx, tx, *p.ExchangeID)
		if err != nil {
			return nil, err
		}
		if ex.Status != models.ExchangeStatusDisputed || !ex.IsParty(actorID) {
			return nil, apperrors.New(apperrors.Unauthorized,
				"only admins, or parties of a disputed exchange, can refund")
		}
	}

	switch p.Status {
	case models.PaymentStatusEscrowed, models.PaymentStatusCaptured, models.PaymentStatusDisputed:
	default:
		return nil, apperrors.Newf(apperrors.InvalidState,
			"only escrowed, captured, or disputed payments can be refunded, current status %s", p.Status)
	}
	// PayeeID is assigned exactly at capture, so its presence tells whether a
	// disputed payment had been paid out before the hold.
	wasCaptured := p.Status == models.PaymentStatusCaptured ||
		(p.Status == models.PaymentStatusDisputed && p.PayeeID != nil)

	if reason == "" {
		reason = "payment refunded"
	}
	p, err = s.ledger.Transition(ctx, tx, p, models.PaymentStatusRefunded, reason, actorID, nil)
	if err != nil {
		return nil, err
	}

	if wasCaptured && p.PayeeID != nil {
		if _, err := s.wallets.DebitWallet(ctx, tx, *p.PayeeID, p.AmountCents); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, apperrors.New(apperrors.InsufficientBalance,
					"payee balance cannot cover the refund")
			}
			return nil, err
		}
		if err := s.wallets.ReverseCaptureCounters(ctx, tx, p.PayerID, *p.PayeeID, p.AmountCents); err != nil {
			return nil, err
		}
	}
	if _, err := s.wallets.CreditWallet(ctx, tx, p.PayerID, p.AmountCents); err != nil {
		return nil, err
	}
	return p, nil
}
