package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillswap/backend/internal/models"
)

type ExchangeRepo struct {
	pool *pgxpool.Pool
}

func NewExchangeRepo(pool *pgxpool.Pool) *ExchangeRepo {
	return &ExchangeRepo{pool: pool}
}

func (r *ExchangeRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const exchangeColumns = `id, initiator_id, receiver_id, offer, request, type,
	monetary_currency, monetary_total_cents, escrow_payment_id,
	agreement, status, thread_id, confirm_initiator, confirm_receiver, dispute, audit,
	started_at, completed_at, created_at, updated_at`

func scanExchange(row pgx.Row) (*models.Exchange, error) {
	var e models.Exchange
	var monCurrency *string
	var monTotal *int64
	var escrowPaymentID *uuid.UUID
	err := row.Scan(&e.ID, &e.InitiatorID, &e.ReceiverID, &e.Offer, &e.Request, &e.Type,
		&monCurrency, &monTotal, &escrowPaymentID,
		&e.Agreement, &e.Status, &e.ThreadID, &e.Confirmations.Initiator, &e.Confirmations.Receiver, &e.Dispute, &e.Audit,
		&e.StartedAt, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if monCurrency != nil || monTotal != nil || escrowPaymentID != nil {
		m := &models.Monetary{EscrowPaymentID: escrowPaymentID}
		if monCurrency != nil {
			m.Currency = *monCurrency
		}
		if monTotal != nil {
			m.TotalAmountCents = *monTotal
		}
		e.Monetary = m
	}
	return &e, nil
}

func monetaryFields(e *models.Exchange) (currency *string, total *int64, escrowPaymentID *uuid.UUID) {
	if e.Monetary == nil {
		return nil, nil, nil
	}
	if e.Monetary.Currency != "" {
		currency = &e.Monetary.Currency
	}
	if e.Monetary.TotalAmountCents != 0 {
		total = &e.Monetary.TotalAmountCents
	}
	return currency, total, e.Monetary.EscrowPaymentID
}

func (r *ExchangeRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.Exchange) error {
	currency, total, escrowID := monetaryFields(e)
	return tx.QueryRow(ctx, `
		INSERT INTO exchanges (id, initiator_id, receiver_id, offer, request, type,
			monetary_currency, monetary_total_cents, escrow_payment_id,
			agreement, status, thread_id, confirm_initiator, confirm_receiver, dispute, audit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at
	`, e.ID, e.InitiatorID, e.ReceiverID, e.Offer, e.Request, e.Type,
		currency, total, escrowID,
		e.Agreement, e.Status, e.ThreadID, e.Confirmations.Initiator, e.Confirmations.Receiver, e.Dispute, e.Audit).
		Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *ExchangeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Exchange, error) {
	return scanExchange(r.pool.QueryRow(ctx, `SELECT `+exchangeColumns+` FROM exchanges WHERE id = $1`, id))
}

// GetByIDForUpdate locks the exchange row. Call within a transaction; every
// guarded transition reads through this so concurrent transitions serialize
// on the row lock and re-check the status guard.
func (r *ExchangeRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Exchange, error) {
	return scanExchange(tx.QueryRow(ctx, `SELECT `+exchangeColumns+` FROM exchanges WHERE id = $1 FOR UPDATE`, id))
}

// UpdateTx persists the mutable fields of an exchange. Audit entries queued
// on the document since load are appended to the stored log rather than
// rewriting it, so entries appended concurrently in the same transaction (the
// payment ledger mirror) survive the update.
func (r *ExchangeRepo) UpdateTx(ctx context.Context, tx pgx.Tx, e *models.Exchange) error {
	currency, total, escrowID := monetaryFields(e)
	pending := e.TakePendingAudit()
	if pending == nil {
		pending = []models.AuditEntry{}
	}
	b, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE exchanges SET type = $2, monetary_currency = $3, monetary_total_cents = $4, escrow_payment_id = $5,
			agreement = $6, status = $7, confirm_initiator = $8, confirm_receiver = $9, dispute = $10,
			audit = audit || $11::jsonb,
			started_at = $12, completed_at = $13, updated_at = now()
		WHERE id = $1
	`, e.ID, e.Type, currency, total, escrowID,
		e.Agreement, e.Status, e.Confirmations.Initiator, e.Confirmations.Receiver, e.Dispute, b,
		e.StartedAt, e.CompletedAt)
	return err
}

// AppendAuditTx appends entries to the audit log without touching any other
// field. Used by the payment side to mirror ledger status changes.
func (r *ExchangeRepo) AppendAuditTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, entries ...models.AuditEntry) error {
	b, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE exchanges SET audit = audit || $2::jsonb, updated_at = now() WHERE id = $1
	`, id, b)
	return err
}

// SetEscrowFunded is the conditional update that closes the double-funding
// race: it only succeeds while the status is still agreement_signed and no
// escrow payment has been linked. Returns false when a concurrent funding
// attempt won.
func (r *ExchangeRepo) SetEscrowFunded(ctx context.Context, tx pgx.Tx, id, paymentID uuid.UUID, currency string, amountCents int64, entry models.AuditEntry) (bool, error) {
	b, err := json.Marshal([]models.AuditEntry{entry})
	if err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE exchanges SET escrow_payment_id = $2, monetary_currency = $3, monetary_total_cents = $4,
			status = $5, audit = audit || $6::jsonb, updated_at = now()
		WHERE id = $1 AND status = $7 AND escrow_payment_id IS NULL
	`, id, paymentID, currency, amountCents,
		models.ExchangeStatusEscrowFunded, b, models.ExchangeStatusAgreementSigned)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ExchangeRepo) ListByParty(ctx context.Context, userID uuid.UUID) ([]*models.Exchange, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+exchangeColumns+` FROM exchanges
		WHERE initiator_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Exchange
	for rows.Next() {
		e, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
