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

// WalletUserStore is the user store interface for wallet operations.
type WalletUserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error)
	DebitWallet(ctx context.Context, tx pgx.Tx, id uuid.UUID, amountCents int64) (int64, error)
	CreditWallet(ctx context.Context, tx pgx.Tx, id uuid.UUID, amountCents int64) (int64, error)
	RecordTopUp(ctx context.Context, tx pgx.Tx, id uuid.UUID, amountCents int64, currency string, processedRefs []string) (int64, error)
	MarkWithdrawal(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// WalletPaymentStore is the payment store interface for wallet operations.
type WalletPaymentStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payment) error
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error)
	FindByGatewayRef(ctx context.Context, gateway, ref string) (*models.Payment, error)
	ListByUser(ctx context.Context, userID uuid.UUID, status, paymentType string, limit, offset int) ([]*models.Payment, error)
}

// TxBeginner opens the unit of work a wallet operation runs in.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WalletService manages top-ups and withdrawals through the external payment
// gateway. Escrow funding never goes through here; it debits the wallet
// directly inside the exchange transition.
type WalletService struct {
	pool     TxBeginner
	users    WalletUserStore
	payments WalletPaymentStore
	gateway  PaymentGateway
	ledger   *Ledger
	log      *slog.Logger
}

func NewWalletService(pool TxBeginner, users WalletUserStore, payments WalletPaymentStore, gateway PaymentGateway, ledger *Ledger, log *slog.Logger) *WalletService {
	if log == nil {
		log = slog.Default()
	}
	return &WalletService{pool: pool, users: users, payments: payments, gateway: gateway, ledger: ledger, log: log}
}

func (s *WalletService) Balance(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.New(apperrors.NotFound, "user not found")
		}
		return nil, err
	}
	return &u.Wallet, nil
}

// TopUpIntent is what the caller needs to complete an external charge.
type TopUpIntent struct {
	PaymentID    uuid.UUID `json:"payment_id"`
	GatewayRef   string    `json:"gateway_ref"`
	ClientSecret string    `json:"client_secret,omitempty"`
	AmountCents  int64     `json:"amount_cents"`
	Currency     string    `json:"currency"`
}

// InitiateTopUp creates the external charge and an initiated top-up payment
// correlated by the gateway reference.
func (s *WalletService) InitiateTopUp(ctx context.Context, userID uuid.UUID, amountCents int64, currency string) (*TopUpIntent, error) {
	if amountCents <= 0 {
		return nil, apperrors.New(apperrors.Validation, "top-up amount must be positive")
	}
	charge, err := s.gateway.CreateCharge(ctx, userID, amountCents, currency)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p := &models.Payment{
		ID:          uuid.New(),
		PayerID:     userID,
		AmountCents: amountCents,
		Currency:    currency,
		Type:        models.PaymentTypeTopUp,
		Status:      models.PaymentStatusInitiated,
		Gateway:     models.GatewayManual,
		GatewayRef:  charge.Ref,
		Timeline:    []models.TimelineEntry{models.NewTimelineEntry(models.PaymentStatusInitiated, "top-up initiated")},
	}
	if err := s.payments.CreateTx(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &TopUpIntent{
		PaymentID:    p.ID,
		GatewayRef:   charge.Ref,
		ClientSecret: charge.ClientSecret,
		AmountCents:  amountCents,
		Currency:     currency,
	}, nil
}

// TopUpResult reports the wallet after confirmation. AlreadyProcessed is set
// when the gateway reference was credited before; the balance returned is the
// current one either way.
type TopUpResult struct {
	GatewayRef       string `json:"gateway_ref"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
	NewBalanceCents  int64  `json:"new_balance_cents"`
	AlreadyProcessed bool   `json:"already_processed,omitempty"`
}

// ConfirmTopUp credits the wallet for a succeeded gateway charge. Replaying
// the same reference returns the already-updated balance rather than
// double-crediting; the idempotency key is the gateway reference, tracked on
// the wallet's bounded recent-refs list.
func (s *WalletService) ConfirmTopUp(ctx context.Context, userID uuid.UUID, gatewayRef string) (*TopUpResult, error) {
	charge, err := s.gateway.GetCharge(ctx, gatewayRef)
	if err != nil {
		return nil, err
	}
	if !charge.Succeeded {
		return nil, apperrors.New(apperrors.InvalidState, "charge has not succeeded")
	}
	if charge.UserID != userID {
		return nil, apperrors.New(apperrors.Unauthorized, "charge belongs to another user")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	u, err := s.users.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.New(apperrors.NotFound, "user not found")
		}
		return nil, err
	}
	if u.Wallet.HasProcessedTopUpRef(gatewayRef) {
		return &TopUpResult{
			GatewayRef:       gatewayRef,
			AmountCents:      charge.AmountCents,
			Currency:         charge.Currency,
			NewBalanceCents:  u.Wallet.BalanceCents,
			AlreadyProcessed: true,
		}, nil
	}

	u.Wallet.RememberTopUpRef(gatewayRef)
	newBalance, err := s.users.RecordTopUp(ctx, tx, userID, charge.AmountCents, charge.Currency, u.Wallet.ProcessedTopUpRefs)
	if err != nil {
		return nil, err
	}

	// Mark the correlated payment captured when one exists; a missing row
	// (top-up initiated through another channel) is not an error.
	if p, err := s.payments.FindByGatewayRef(ctx, models.GatewayManual, gatewayRef); err == nil && p != nil {
		if _, err := s.ledger.Transition(ctx, tx, p, models.PaymentStatusCaptured, "top-up confirmed", userID, nil); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &TopUpResult{
		GatewayRef:      gatewayRef,
		AmountCents:     charge.AmountCents,
		Currency:        charge.Currency,
		NewBalanceCents: newBalance,
	}, nil
}

// RequestWithdrawal debits the balance and records an initiated withdrawal
// payment. Rejected, not clamped, when the balance is short.
func (s *WalletService) RequestWithdrawal(ctx context.Context, userID uuid.UUID, amountCents int64, currency string) (*models.Payment, error) {
	if amountCents <= 0 {
		return nil, apperrors.New(apperrors.Validation, "withdrawal amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := s.users.DebitWallet(ctx, tx, userID, amountCents); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.Newf(apperrors.InsufficientBalance,
				"wallet balance below %d %s", amountCents, currency)
		}
		return nil, err
	}
	if err := s.users.MarkWithdrawal(ctx, tx, userID); err != nil {
		return nil, err
	}

	p := &models.Payment{
		ID:          uuid.New(),
		PayerID:     userID,
		AmountCents: amountCents,
		Currency:    currency,
		Type:        models.PaymentTypeWithdrawal,
		Status:      models.PaymentStatusInitiated,
		Gateway:     models.GatewayManual,
		Timeline:    []models.TimelineEntry{models.NewTimelineEntry(models.PaymentStatusInitiated, "withdrawal requested")},
	}
	if err := s.payments.CreateTx(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// CompleteWithdrawal marks an initiated withdrawal as paid out. Admin only;
// completing twice is a no-op.
func (s *WalletService) CompleteWithdrawal(ctx context.Context, admin *models.User, paymentID uuid.UUID) (*models.Payment, error) {
	if !admin.IsAdmin() {
		return nil, apperrors.New(apperrors.Unauthorized, "only admins can complete withdrawals")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.payments.GetByIDForUpdate(ctx, tx, paymentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.New(apperrors.NotFound, "withdrawal not found")
		}
		return nil, err
	}
	if p.Type != models.PaymentTypeWithdrawal {
		return nil, apperrors.New(apperrors.Validation, "payment is not a withdrawal")
	}
	if p.Status == models.PaymentStatusCaptured {
		return p, nil
	}
	if p.Status != models.PaymentStatusInitiated {
		return nil, apperrors.Newf(apperrors.InvalidState,
			"withdrawal cannot be completed from status %s", p.Status)
	}

	p, err = s.ledger.Transition(ctx, tx, p, models.PaymentStatusCaptured, "withdrawal paid out", admin.ID, nil)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// CancelWithdrawal refunds an initiated withdrawal back to the balance.
// Idempotent once refunded; completed withdrawals cannot be cancelled.
func (s *WalletService) CancelWithdrawal(ctx context.Context, userID, paymentID uuid.UUID) (*models.Payment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.payments.GetByIDForUpdate(ctx, tx, paymentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.New(apperrors.NotFound, "withdrawal not found")
		}
		return nil, err
	}
	if p.PayerID != userID {
		return nil, apperrors.New(apperrors.Unauthorized, "not your withdrawal")
	}
	if p.Type != models.PaymentTypeWithdrawal {
		return nil, apperrors.New(apperrors.Validation, "payment is not a withdrawal")
	}
	if p.Status == models.PaymentStatusRefunded {
		return p, nil
	}
	if p.Status == models.PaymentStatusCaptured {
		return nil, apperrors.New(apperrors.InvalidState, "cannot cancel a completed withdrawal")
	}

	if _, err := s.users.CreditWallet(ctx, tx, userID, p.AmountCents); err != nil {
		return nil, err
	}
	p, err = s.ledger.Transition(ctx, tx, p, models.PaymentStatusRefunded, "withdrawal cancelled, refunded to balance", userID, nil)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Transactions returns the user's payment history, newest first.
func (s *WalletService) Transactions(ctx context.Context, userID uuid.UUID, status, paymentType string, limit, offset int) ([]*models.Payment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.payments.ListByUser(ctx, userID, status, paymentType, limit, offset)
}
