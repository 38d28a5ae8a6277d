package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillswap/backend/internal/models"
)

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

func (r *PaymentRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const paymentColumns = `id, exchange_id, payer_id, payee_id, amount_cents, currency, type, status,
	gateway, gateway_ref, timeline, created_at, updated_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.ExchangeID, &p.PayerID, &p.PayeeID, &p.AmountCents, &p.Currency, &p.Type, &p.Status,
		&p.Gateway, &p.GatewayRef, &p.Timeline, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepo) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payment) error {
	return tx.QueryRow(ctx, `
		INSERT INTO payments (id, exchange_id, payer_id, payee_id, amount_cents, currency, type, status, gateway, gateway_ref, timeline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, p.ID, p.ExchangeID, p.PayerID, p.PayeeID, p.AmountCents, p.Currency, p.Type, p.Status, p.Gateway, p.GatewayRef, p.Timeline).
		Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *PaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// GetByIDForUpdate locks the payment row. Call within a transaction.
func (r *PaymentRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

// UpdateStatusTx sets the status (and payee when given) and appends the
// timeline entry in one statement. Prior timeline entries are never
// rewritten.
func (r *PaymentRepo) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, payeeID *uuid.UUID, entry models.TimelineEntry) error {
	b, err := json.Marshal([]models.TimelineEntry{entry})
	if err != nil {
		return err
	}
	if payeeID != nil {
		_, err = tx.Exec(ctx, `
			UPDATE payments SET status = $2, payee_id = $3, timeline = timeline || $4::jsonb, updated_at = now()
			WHERE id = $1
		`, id, status, payeeID, b)
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE payments SET status = $2, timeline = timeline || $3::jsonb, updated_at = now()
		WHERE id = $1
	`, id, status, b)
	return err
}

// SetGatewayRef records the external correlation handed back by the gateway.
func (r *PaymentRepo) SetGatewayRef(ctx context.Context, tx pgx.Tx, id uuid.UUID, gateway, ref string) error {
	_, err := tx.Exec(ctx, `
		UPDATE payments SET gateway = $2, gateway_ref = $3, updated_at = now() WHERE id = $1
	`, id, gateway, ref)
	return err
}

func (r *PaymentRepo) FindByGatewayRef(ctx context.Context, gateway, ref string) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE gateway = $1 AND gateway_ref = $2
	`, gateway, ref))
}

func (r *PaymentRepo) ListByExchange(ctx context.Context, exchangeID uuid.UUID) ([]*models.Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE exchange_id = $1 ORDER BY created_at DESC
	`, exchangeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

// ListByUser returns payments where the user is payer or payee, newest
// first, optionally filtered by status and type.
func (r *PaymentRepo) ListByUser(ctx context.Context, userID uuid.UUID, status, paymentType string, limit, offset int) ([]*models.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE (payer_id = $1 OR payee_id = $1)`
	args := []any{userID}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if paymentType != "" {
		args = append(args, paymentType)
		q += fmt.Sprintf(" AND type = $%d", len(args))
	}
	args = append(args, limit, offset)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

func collectPayments(rows pgx.Rows) ([]*models.Payment, error) {
	var list []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
