package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskhive/backend/internal/metrics"
	"github.com/taskhive/backend/internal/models"
)

var (
	// ErrInsufficientBalance is returned when available or frozen funds are too low.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrWalletFrozen is returned for any mutating call against a non-ACTIVE wallet.
	ErrWalletFrozen = errors.New("wallet is frozen")
	// ErrInvalidAmount rejects non-positive amounts before any mutation.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// LedgerWalletRepo is the minimal wallet repository interface for the ledger.
// Conditional-UPDATE methods return pgx.ErrNoRows when the balance guard fails.
type LedgerWalletRepo interface {
	EnsureForUpdateTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error)
	MoveAvailableToFrozenTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) (availAfter, frozenAfter int64, err error)
	MoveFrozenToAvailableTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) (availAfter, frozenAfter int64, err error)
	DebitFrozenTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents, expenseCents int64) (frozenAfter int64, err error)
	CreditAvailableTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents, incomeCents int64) (availAfter int64, err error)
}

// LedgerTxnRepo is the minimal transaction-log interface for the ledger.
type LedgerTxnRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	GetByOrderNoTx(ctx context.Context, tx pgx.Tx, orderNo string) (*models.Transaction, error)
	MarkStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) (bool, error)
}

// Ledger is the only component that mutates balances. Every operation is
// idempotent on its reference order number (a repeat returns the stored
// Transaction), atomic (balance mutation and ledger insert commit together),
// and serialized per wallet via the row lock taken by EnsureForUpdateTx.
type Ledger struct {
	DB      TxBeginner
	Wallets LedgerWalletRepo
	Txns    LedgerTxnRepo
}

func NewLedger(db TxBeginner, wallets LedgerWalletRepo, txns LedgerTxnRepo) *Ledger {
	return &Ledger{DB: db, Wallets: wallets, Txns: txns}
}

// Reserve moves amount from available to frozen on the publisher's wallet.
func (l *Ledger) Reserve(ctx context.Context, userID uuid.UUID, amountCents int64, ref string) (*models.Transaction, error) {
	return l.inTx(ctx, "reserve", func(tx pgx.Tx) (*models.Transaction, error) {
		return l.ReserveTx(ctx, tx, userID, amountCents, ref)
	})
}

// ReserveTx is Reserve running inside the caller's transaction, so task
// creation can be specified reserve-then-create: if anything after the
// reservation fails the whole transaction rolls back.
func (l *Ledger) ReserveTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64, ref string) (*models.Transaction, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	wallet, err := l.Wallets.EnsureForUpdateTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if wallet.Status != models.WalletStatusActive {
		return nil, ErrWalletFrozen
	}
	if replay, err := l.replay(ctx, tx, ref); replay != nil || err != nil {
		return replay, err
	}
	availAfter, _, err := l.Wallets.MoveAvailableToFrozenTx(ctx, tx, userID, amountCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, err
	}
	txn := &models.Transaction{
		ID:            uuid.New(),
		OrderNo:       ref,
		UserID:        userID,
		Type:          models.TxTypeTaskPayment,
		AmountCents:   -amountCents,
		BalanceColumn: models.BalanceAvailable,
		BeforeCents:   availAfter + amountCents,
		AfterCents:    availAfter,
		Status:        models.TxStatusSuccess,
		Description:   "escrow reservation",
	}
	return l.insert(ctx, tx, txn)
}

// Settle debits frozen funds: money leaving escrow toward a destination.
// expense controls whether the amount counts toward total_expense (true for
// a real payout, false when the escrow slice is about to be refunded).
func (l *Ledger) Settle(ctx context.Context, userID uuid.UUID, amountCents int64, ref string, expense bool) (*models.Transaction, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.inTx(ctx, "settle", func(tx pgx.Tx) (*models.Transaction, error) {
		wallet, err := l.Wallets.EnsureForUpdateTx(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		if wallet.Status != models.WalletStatusActive {
			return nil, ErrWalletFrozen
		}
		if replay, err := l.replay(ctx, tx, ref); replay != nil || err != nil {
			return replay, err
		}
		var expenseCents int64
		if expense {
			expenseCents = amountCents
		}
		frozenAfter, err := l.Wallets.DebitFrozenTx(ctx, tx, userID, amountCents, expenseCents)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientBalance
		}
		if err != nil {
			return nil, err
		}
		txn := &models.Transaction{
			ID:            uuid.New(),
			OrderNo:       ref,
			UserID:        userID,
			Type:          models.TxTypeTaskPayment,
			AmountCents:   -amountCents,
			BalanceColumn: models.BalanceFrozen,
			BeforeCents:   frozenAfter + amountCents,
			AfterCents:    frozenAfter,
			Status:        models.TxStatusSuccess,
			Description:   "escrow settlement",
		}
		return l.insert(ctx, tx, txn)
	})
}

// Credit adds amount to available: recharge, task income, platform fee, or
// refund. Income totals accumulate for everything except refunds, which only
// return the user's own money.
func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, amountCents int64, ref, txType, channel string) (*models.Transaction, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.inTx(ctx, "credit", func(tx pgx.Tx) (*models.Transaction, error) {
		wallet, err := l.Wallets.EnsureForUpdateTx(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		if wallet.Status != models.WalletStatusActive {
			return nil, ErrWalletFrozen
		}
		if replay, err := l.replay(ctx, tx, ref); replay != nil || err != nil {
			return replay, err
		}
		incomeCents := amountCents
		if txType == models.TxTypeRefund {
			incomeCents = 0
		}
		availAfter, err := l.Wallets.CreditAvailableTx(ctx, tx, userID, amountCents, incomeCents)
		if err != nil {
			return nil, err
		}
		txn := &models.Transaction{
			ID:            uuid.New(),
			OrderNo:       ref,
			UserID:        userID,
			Type:          txType,
			AmountCents:   amountCents,
			BalanceColumn: models.BalanceAvailable,
			BeforeCents:   availAfter - amountCents,
			AfterCents:    availAfter,
			Status:        models.TxStatusSuccess,
			Channel:       channel,
		}
		return l.insert(ctx, tx, txn)
	})
}

// DebitAvailableTx places a withdrawal hold: available moves to frozen and a
// PENDING WITHDRAW transaction records the request. Runs inside the caller's
// transaction so the hold and the application row commit together.
func (l *Ledger) DebitAvailableTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64, ref string) (*models.Transaction, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	wallet, err := l.Wallets.EnsureForUpdateTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if wallet.Status != models.WalletStatusActive {
		return nil, ErrWalletFrozen
	}
	if replay, err := l.replay(ctx, tx, ref); replay != nil || err != nil {
		return replay, err
	}
	availAfter, _, err := l.Wallets.MoveAvailableToFrozenTx(ctx, tx, userID, amountCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, err
	}
	txn := &models.Transaction{
		ID:            uuid.New(),
		OrderNo:       ref,
		UserID:        userID,
		Type:          models.TxTypeWithdraw,
		AmountCents:   -amountCents,
		BalanceColumn: models.BalanceAvailable,
		BeforeCents:   availAfter + amountCents,
		AfterCents:    availAfter,
		Status:        models.TxStatusPending,
		Description:   "withdrawal hold",
	}
	return l.insert(ctx, tx, txn)
}

// FinalizeWithdrawalTx resolves a withdrawal hold inside the caller's
// transaction. Approved: the frozen amount leaves the platform and the held
// WITHDRAW transaction becomes SUCCESS. Rejected: the amount returns to
// available and the transaction becomes CANCELLED. No new ledger row is
// written either way, so a rejected withdrawal leaves no SUCCESS trace.
// A hold already out of PENDING is a replay and returns the stored row.
func (l *Ledger) FinalizeWithdrawalTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64, ref string, approved bool) (*models.Transaction, error) {
	wallet, err := l.Wallets.EnsureForUpdateTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if wallet.Status != models.WalletStatusActive {
		return nil, ErrWalletFrozen
	}
	txn, err := l.Txns.GetByOrderNoTx(ctx, tx, ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("withdrawal hold %q not found", ref)
	}
	if err != nil {
		return nil, err
	}
	if txn.Status != models.TxStatusPending {
		return txn, nil
	}
	if approved {
		if _, err := l.Wallets.DebitFrozenTx(ctx, tx, userID, amountCents, amountCents); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrInsufficientBalance
			}
			return nil, err
		}
		if _, err := l.Txns.MarkStatusTx(ctx, tx, txn.ID, models.TxStatusSuccess); err != nil {
			return nil, err
		}
		txn.Status = models.TxStatusSuccess
		return txn, nil
	}
	if _, _, err := l.Wallets.MoveFrozenToAvailableTx(ctx, tx, userID, amountCents); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}
	if _, err := l.Txns.MarkStatusTx(ctx, tx, txn.ID, models.TxStatusCancelled); err != nil {
		return nil, err
	}
	txn.Status = models.TxStatusCancelled
	return txn, nil
}

// --- helpers ---

func (l *Ledger) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) (*models.Transaction, error)) (*models.Transaction, error) {
	timer := prometheus.NewTimer(metrics.LedgerOpDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	txn, err := fn(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return txn, nil
}

// replay returns the stored transaction when ref was already applied.
// A duplicate reference is a success replay, not a failure.
func (l *Ledger) replay(ctx context.Context, tx pgx.Tx, ref string) (*models.Transaction, error) {
	txn, err := l.Txns.GetByOrderNoTx(ctx, tx, ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// insert writes the ledger row; a unique-violation race on order_no resolves
// to the winning row.
func (l *Ledger) insert(ctx context.Context, tx pgx.Tx, txn *models.Transaction) (*models.Transaction, error) {
	if err := l.Txns.CreateTx(ctx, tx, txn); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return l.Txns.GetByOrderNoTx(ctx, tx, txn.OrderNo)
		}
		return nil, err
	}
	return txn, nil
}
