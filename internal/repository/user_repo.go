package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillswap/backend/internal/models"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

const userColumns = `id, username, email, password_hash, roles, status,
	wallet_balance_cents, wallet_currency, processed_topup_refs, last_top_up_at, last_withdrawal_at,
	total_received_cents, total_paid_cents, received_count, paid_count,
	last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Roles, &u.Status,
		&u.Wallet.BalanceCents, &u.Wallet.Currency, &u.Wallet.ProcessedTopUpRefs, &u.Wallet.LastTopUpAt, &u.Wallet.LastWithdrawalAt,
		&u.Payments.TotalReceivedCents, &u.Payments.TotalPaidCents, &u.Payments.ReceivedCount, &u.Payments.PaidCount,
		&u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) Create(ctx context.Context, u *models.User) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO users (id, username, email, password_hash, roles, status, wallet_balance_cents, wallet_currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.Roles, u.Status, u.Wallet.BalanceCents, u.Wallet.Currency).Scan(&u.CreatedAt, &u.UpdatedAt)
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// GetByIDForUpdate locks the user row. Call within a transaction.
func (r *UserRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error) {
	return scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

// DebitWallet atomically deducts amountCents if the balance covers it.
// Returns pgx.ErrNoRows when the balance is insufficient (or the user is
// missing); callers translate that into InsufficientBalance.
func (r *UserRepo) DebitWallet(ctx context.Context, tx pgx.Tx, id uuid.UUID, amountCents int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE users SET wallet_balance_cents = wallet_balance_cents - $1, updated_at = now()
		WHERE id = $2 AND wallet_balance_cents >= $1
		RETURNING wallet_balance_cents
	`, amountCents, id).Scan(&newBalance)
	return newBalance, err
}

// CreditWallet adds amountCents and returns the new balance.
func (r *UserRepo) CreditWallet(ctx context.Context, tx pgx.Tx, id uuid.UUID, amountCents int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE users SET wallet_balance_cents = wallet_balance_cents + $1, updated_at = now()
		WHERE id = $2
		RETURNING wallet_balance_cents
	`, amountCents, id).Scan(&newBalance)
	return newBalance, err
}

// ApplyCaptureCounters increments the payer's totalPaid and the payee's
// totalReceived for a captured escrow amount.
func (r *UserRepo) ApplyCaptureCounters(ctx context.Context, tx pgx.Tx, payerID, payeeID uuid.UUID, amountCents int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE users SET total_paid_cents = total_paid_cents + $1, paid_count = paid_count + 1, updated_at = now()
		WHERE id = $2
	`, amountCents, payerID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE users SET total_received_cents = total_received_cents + $1, received_count = received_count + 1, updated_at = now()
		WHERE id = $2
	`, amountCents, payeeID)
	return err
}

// ReverseCaptureCounters undoes ApplyCaptureCounters when a captured payment
// is refunded.
func (r *UserRepo) ReverseCaptureCounters(ctx context.Context, tx pgx.Tx, payerID, payeeID uuid.UUID, amountCents int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE users SET total_paid_cents = total_paid_cents - $1, paid_count = paid_count - 1, updated_at = now()
		WHERE id = $2
	`, amountCents, payerID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE users SET total_received_cents = total_received_cents - $1, received_count = received_count - 1, updated_at = now()
		WHERE id = $2
	`, amountCents, payeeID)
	return err
}

// RecordTopUp credits the wallet and stores the updated processed-refs list.
// Call after GetByIDForUpdate in the same tx; the caller owns the
// idempotency check against processedRefs.
func (r *UserRepo) RecordTopUp(ctx context.Context, tx pgx.Tx, id uuid.UUID, amountCents int64, currency string, processedRefs []string) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE users SET wallet_balance_cents = wallet_balance_cents + $1, wallet_currency = $2,
			processed_topup_refs = $3, last_top_up_at = now(), updated_at = now()
		WHERE id = $4
		RETURNING wallet_balance_cents
	`, amountCents, currency, processedRefs, id).Scan(&newBalance)
	return newBalance, err
}

// MarkWithdrawal stamps last_withdrawal_at. Call alongside DebitWallet in the
// same tx.
func (r *UserRepo) MarkWithdrawal(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE users SET last_withdrawal_at = now(), updated_at = now() WHERE id = $1`, id)
	return err
}

// UpdateProfile persists the caller-editable identity fields.
func (r *UserRepo) UpdateProfile(ctx context.Context, u *models.User) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET username = $1, email = $2, updated_at = now()
		WHERE id = $3
	`, u.Username, u.Email, u.ID)
	return err
}

func (r *UserRepo) MarkLogin(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_login_at = now(), updated_at = now() WHERE id = $1`, id)
	return err
}
