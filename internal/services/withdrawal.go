package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskhive/backend/internal/models"
)

var (
	// ErrAlreadyProcessed is returned when a withdrawal application was
	// already decided; decisions are single-shot and immutable.
	ErrAlreadyProcessed = errors.New("withdrawal application already processed")
	// ErrInvalidMethod rejects withdrawal requests without a payout method.
	ErrInvalidMethod = errors.New("withdrawal method is required")
)

// WithdrawalLedger is the ledger surface the review workflow drives.
type WithdrawalLedger interface {
	DebitAvailableTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64, ref string) (*models.Transaction, error)
	FinalizeWithdrawalTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64, ref string, approved bool) (*models.Transaction, error)
	Credit(ctx context.Context, userID uuid.UUID, amountCents int64, ref, txType, channel string) (*models.Transaction, error)
}

// WithdrawalStore is the application repository interface.
type WithdrawalStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, a *models.WithdrawalApplication) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.WithdrawalApplication, error)
	DecideTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status, remark string, now time.Time) (bool, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*models.WithdrawalApplication, error)
}

// WithdrawalWorkflow is the human-in-the-loop state machine for moving funds
// in and out of the platform.
type WithdrawalWorkflow struct {
	DB     TxBeginner
	Ledger WithdrawalLedger
	Apps   WithdrawalStore
	Logger *slog.Logger
	Now    func() time.Time
}

func NewWithdrawalWorkflow(db TxBeginner, ledger WithdrawalLedger, apps WithdrawalStore, logger *slog.Logger) *WithdrawalWorkflow {
	return &WithdrawalWorkflow{DB: db, Ledger: ledger, Apps: apps, Logger: logger, Now: time.Now}
}

// RequestWithdrawal freezes the amount and files a pending application in
// one transaction: either the hold and the application both exist or neither.
func (w *WithdrawalWorkflow) RequestWithdrawal(ctx context.Context, userID uuid.UUID, amountCents int64, method string) (*models.WithdrawalApplication, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if method == "" {
		return nil, ErrInvalidMethod
	}
	app := &models.WithdrawalApplication{
		ID:          uuid.New(),
		UserID:      userID,
		AmountCents: amountCents,
		Method:      method,
		OrderNo:     newOrderNumber("W"),
		Status:      models.WithdrawalPending,
	}

	tx, err := w.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := w.Ledger.DebitAvailableTx(ctx, tx, userID, amountCents, app.OrderNo); err != nil {
		return nil, err
	}
	if err := w.Apps.CreateTx(ctx, tx, app); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	w.Logger.Info("withdrawal requested", "application_id", app.ID, "user_id", userID, "amount_cents", amountCents)
	return app, nil
}

// ReviewWithdrawal applies the admin decision. Approval removes the frozen
// amount for good; rejection restores available exactly, leaving the held
// WITHDRAW transaction CANCELLED. The status-guarded decision and the ledger
// finalize commit together.
func (w *WithdrawalWorkflow) ReviewWithdrawal(ctx context.Context, applicationID uuid.UUID, approved bool, remark string) (*models.WithdrawalApplication, error) {
	app, err := w.Apps.GetByID(ctx, applicationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if app.Status != models.WithdrawalPending {
		return nil, ErrAlreadyProcessed
	}

	status := models.WithdrawalRejected
	if approved {
		status = models.WithdrawalApproved
	}

	tx, err := w.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ok, err := w.Apps.DecideTx(ctx, tx, applicationID, status, remark, w.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyProcessed
	}
	if _, err := w.Ledger.FinalizeWithdrawalTx(ctx, tx, app.UserID, app.AmountCents, app.OrderNo, approved); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	app.Status = status
	app.Remark = remark
	now := w.Now()
	app.ProcessedAt = &now
	w.Logger.Info("withdrawal reviewed", "application_id", app.ID, "approved", approved)
	return app, nil
}

// Recharge credits a confirmed payment-channel deposit; no freeze step.
func (w *WithdrawalWorkflow) Recharge(ctx context.Context, userID uuid.UUID, amountCents int64, channel string) (*models.Transaction, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	return w.Ledger.Credit(ctx, userID, amountCents, newOrderNumber("R"), models.TxTypeRecharge, channel)
}

// ListApplications returns the admin review queue.
func (w *WithdrawalWorkflow) ListApplications(ctx context.Context, status string) ([]*models.WithdrawalApplication, error) {
	return w.Apps.ListByStatus(ctx, status, sweepBatchSize)
}
