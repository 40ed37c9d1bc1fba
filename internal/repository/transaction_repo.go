package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhive/backend/internal/models"
)

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

const txnColumns = `id, order_no, user_id, type, amount_cents, balance_column, before_cents, after_cents, status, channel, description, created_at, updated_at`

func scanTxn(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.OrderNo, &t.UserID, &t.Type, &t.AmountCents, &t.BalanceColumn, &t.BeforeCents, &t.AfterCents, &t.Status, &t.Channel, &t.Description, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTx inserts a ledger entry inside the given transaction. order_no
// carries a unique index; a duplicate insert surfaces as pgconn code 23505.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO transactions (id, order_no, user_id, type, amount_cents, balance_column, before_cents, after_cents, status, channel, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, t.ID, t.OrderNo, t.UserID, t.Type, t.AmountCents, t.BalanceColumn, t.BeforeCents, t.AfterCents, t.Status, t.Channel, t.Description).Scan(&t.CreatedAt, &t.UpdatedAt)
}

// GetByOrderNoTx looks up the idempotency key inside the caller's transaction.
func (r *TransactionRepo) GetByOrderNoTx(ctx context.Context, tx pgx.Tx, orderNo string) (*models.Transaction, error) {
	return scanTxn(tx.QueryRow(ctx, `
		SELECT `+txnColumns+` FROM transactions WHERE order_no = $1
	`, orderNo))
}

// MarkStatusTx transitions a PENDING transaction to its final status. Rows
// already out of PENDING are left untouched; the caller treats that as a
// replay.
func (r *TransactionRepo) MarkStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE transactions SET status = $2, updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`, id, status)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListByUser returns one page of a user's ledger, newest first. txType
// filters when non-empty.
func (r *TransactionRepo) ListByUser(ctx context.Context, userID uuid.UUID, txType string, page, size int) ([]*models.Transaction, int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM transactions
		WHERE user_id = $1 AND ($2 = '' OR type = $2)
	`, userID, txType).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE user_id = $1 AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, userID, txType, size, (page-1)*size)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.OrderNo, &t.UserID, &t.Type, &t.AmountCents, &t.BalanceColumn, &t.BeforeCents, &t.AfterCents, &t.Status, &t.Channel, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, 0, err
		}
		list = append(list, &t)
	}
	return list, total, rows.Err()
}
