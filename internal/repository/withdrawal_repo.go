package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhive/backend/internal/models"
)

type WithdrawalRepo struct {
	pool *pgxpool.Pool
}

func NewWithdrawalRepo(pool *pgxpool.Pool) *WithdrawalRepo {
	return &WithdrawalRepo{pool: pool}
}

const withdrawalColumns = `id, user_id, amount_cents, method, order_no, status, remark, requested_at, processed_at`

func scanWithdrawal(row pgx.Row) (*models.WithdrawalApplication, error) {
	var a models.WithdrawalApplication
	err := row.Scan(&a.ID, &a.UserID, &a.AmountCents, &a.Method, &a.OrderNo, &a.Status, &a.Remark, &a.RequestedAt, &a.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateTx inserts the application inside the withdrawal-hold transaction so
// the funds freeze and the pending application commit together.
func (r *WithdrawalRepo) CreateTx(ctx context.Context, tx pgx.Tx, a *models.WithdrawalApplication) error {
	return tx.QueryRow(ctx, `
		INSERT INTO withdrawal_applications (id, user_id, amount_cents, method, order_no, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING requested_at
	`, a.ID, a.UserID, a.AmountCents, a.Method, a.OrderNo, a.Status).Scan(&a.RequestedAt)
}

func (r *WithdrawalRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.WithdrawalApplication, error) {
	return scanWithdrawal(r.pool.QueryRow(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_applications WHERE id = $1
	`, id))
}

// DecideTx records the admin decision. The status guard makes the decision
// single-shot: a second reviewer sees RowsAffected = 0.
func (r *WithdrawalRepo) DecideTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status, remark string, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE withdrawal_applications
		SET status = $2, remark = $3, processed_at = $4
		WHERE id = $1 AND status = 'pending'
	`, id, status, remark, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListByStatus returns the admin review queue, oldest first. status filters
// when non-empty.
func (r *WithdrawalRepo) ListByStatus(ctx context.Context, status string, limit int) ([]*models.WithdrawalApplication, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_applications
		WHERE ($1 = '' OR status = $1)
		ORDER BY requested_at
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.WithdrawalApplication
	for rows.Next() {
		var a models.WithdrawalApplication
		if err := rows.Scan(&a.ID, &a.UserID, &a.AmountCents, &a.Method, &a.OrderNo, &a.Status, &a.Remark, &a.RequestedAt, &a.ProcessedAt); err != nil {
			return nil, err
		}
		list = append(list, &a)
	}
	return list, rows.Err()
}
