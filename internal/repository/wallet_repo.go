package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhive/backend/internal/models"
)

type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

const walletColumns = `user_id, available_cents, frozen_cents, total_income_cents, total_expense_cents, currency, status, created_at, updated_at`

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.UserID, &w.AvailableCents, &w.FrozenCents, &w.TotalIncomeCents, &w.TotalExpenseCents, &w.Currency, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WalletRepo) Get(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return scanWallet(r.pool.QueryRow(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE user_id = $1
	`, userID))
}

// Ensure creates the wallet on first access, outside any ledger transaction.
func (r *WalletRepo) Ensure(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO wallets (user_id, currency, status) VALUES ($1, 'CNY', 'ACTIVE')
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, userID)
}

// EnsureForUpdateTx creates the wallet row if missing and locks it. Every
// ledger mutation goes through this, so operations against the same wallet
// are serialized while different wallets proceed independently.
func (r *WalletRepo) EnsureForUpdateTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id, currency, status) VALUES ($1, 'CNY', 'ACTIVE')
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, err
	}
	return scanWallet(tx.QueryRow(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE
	`, userID))
}

// MoveAvailableToFrozenTx atomically moves amount from available to frozen.
// Returns pgx.ErrNoRows when available_cents < amount.
func (r *WalletRepo) MoveAvailableToFrozenTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) (availAfter, frozenAfter int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE wallets
		SET available_cents = available_cents - $1, frozen_cents = frozen_cents + $1, updated_at = now()
		WHERE user_id = $2 AND available_cents >= $1
		RETURNING available_cents, frozen_cents
	`, amountCents, userID).Scan(&availAfter, &frozenAfter)
	return availAfter, frozenAfter, err
}

// MoveFrozenToAvailableTx returns a held amount to available (rejected
// withdrawal). Returns pgx.ErrNoRows when frozen_cents < amount.
func (r *WalletRepo) MoveFrozenToAvailableTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) (availAfter, frozenAfter int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE wallets
		SET available_cents = available_cents + $1, frozen_cents = frozen_cents - $1, updated_at = now()
		WHERE user_id = $2 AND frozen_cents >= $1
		RETURNING available_cents, frozen_cents
	`, amountCents, userID).Scan(&availAfter, &frozenAfter)
	return availAfter, frozenAfter, err
}

// DebitFrozenTx removes amount from frozen (escrow leaving toward a
// destination, or an approved withdrawal). expenseCents is added to the
// running total_expense counter. Returns pgx.ErrNoRows when frozen is short.
func (r *WalletRepo) DebitFrozenTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents, expenseCents int64) (frozenAfter int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE wallets
		SET frozen_cents = frozen_cents - $1, total_expense_cents = total_expense_cents + $2, updated_at = now()
		WHERE user_id = $3 AND frozen_cents >= $1
		RETURNING frozen_cents
	`, amountCents, expenseCents, userID).Scan(&frozenAfter)
	return frozenAfter, err
}

// CreditAvailableTx adds amount to available. incomeCents is added to the
// running total_income counter (zero for refunds).
func (r *WalletRepo) CreditAvailableTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents, incomeCents int64) (availAfter int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE wallets
		SET available_cents = available_cents + $1, total_income_cents = total_income_cents + $2, updated_at = now()
		WHERE user_id = $3
		RETURNING available_cents
	`, amountCents, incomeCents, userID).Scan(&availAfter)
	return availAfter, err
}

// SetStatus flips a wallet between ACTIVE and FROZEN.
func (r *WalletRepo) SetStatus(ctx context.Context, userID uuid.UUID, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE wallets SET status = $2, updated_at = now() WHERE user_id = $1
	`, userID, status)
	return err
}
