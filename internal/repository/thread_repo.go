package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ThreadRepo creates the message thread an exchange is negotiated in. The
// exchange core only stores the returned id; thread contents are the
// messaging subsystem's concern.
type ThreadRepo struct {
	pool *pgxpool.Pool
}

func NewThreadRepo(pool *pgxpool.Pool) *ThreadRepo {
	return &ThreadRepo{pool: pool}
}

func (r *ThreadRepo) CreateTx(ctx context.Context, tx pgx.Tx, participantIDs []uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	_, err := tx.Exec(ctx, `
		INSERT INTO threads (id, participant_ids) VALUES ($1, $2)
	`, id, participantIDs)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
