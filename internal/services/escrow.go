package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskhive/backend/internal/models"
)

// EscrowLedger is the subset of ledger operations the coordinator drives.
// The coordinator never mutates balances itself.
type EscrowLedger interface {
	ReserveTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64, ref string) (*models.Transaction, error)
	Settle(ctx context.Context, userID uuid.UUID, amountCents int64, ref string, expense bool) (*models.Transaction, error)
	Credit(ctx context.Context, userID uuid.UUID, amountCents int64, ref, txType, channel string) (*models.Transaction, error)
}

// EscrowCoordinator translates task lifecycle events into ledger calls.
// Multi-wallet settlements are sagas: each leg is independently atomic and
// idempotent on a reference derived from the sub-order number, so the whole
// operation can be retried until every leg lands without double-paying.
type EscrowCoordinator struct {
	Ledger         EscrowLedger
	FeeBps         int64
	PlatformWallet uuid.UUID
}

func NewEscrowCoordinator(ledger EscrowLedger, feeBps int64) *EscrowCoordinator {
	return &EscrowCoordinator{Ledger: ledger, FeeBps: feeBps, PlatformWallet: models.PlatformWalletID}
}

// ReserveForTask escrows unitPrice * quantity from the publisher inside the
// create-task transaction. Reservation failure aborts task creation entirely.
func (e *EscrowCoordinator) ReserveForTask(ctx context.Context, tx pgx.Tx, task *models.MainTask) error {
	total := task.UnitPriceCents * int64(task.Quantity)
	_, err := e.Ledger.ReserveTx(ctx, tx, task.PublisherID, total, task.OrderNumber)
	return err
}

// Split returns the worker and platform shares of a unit price. The fee is
// integer basis points and the worker gets the remainder, so the two shares
// always sum to the unit price exactly.
func (e *EscrowCoordinator) Split(unitPriceCents int64) (workerShare, platformFee int64) {
	platformFee = unitPriceCents * e.FeeBps / 10000
	return unitPriceCents - platformFee, platformFee
}

// SettleUnit pays out one completed sub-order: publisher escrow is debited,
// the worker receives their share, and the platform wallet collects the fee.
// Legs use the -PAY / -INC / -FEE reference suffixes.
func (e *EscrowCoordinator) SettleUnit(ctx context.Context, task *models.MainTask, sub *models.SubOrder) error {
	if sub.CommenterID == nil {
		return errors.New("sub-order has no commenter to pay")
	}
	workerShare, platformFee := e.Split(task.UnitPriceCents)
	if _, err := e.Ledger.Settle(ctx, task.PublisherID, task.UnitPriceCents, sub.OrderNumber+"-PAY", true); err != nil {
		return fmt.Errorf("settle publisher escrow: %w", err)
	}
	if _, err := e.Ledger.Credit(ctx, *sub.CommenterID, workerShare, sub.OrderNumber+"-INC", models.TxTypeTaskIncome, ""); err != nil {
		return fmt.Errorf("credit worker income: %w", err)
	}
	if platformFee > 0 {
		if _, err := e.Ledger.Credit(ctx, e.PlatformWallet, platformFee, sub.OrderNumber+"-FEE", models.TxTypePlatformFee, ""); err != nil {
			return fmt.Errorf("credit platform fee: %w", err)
		}
	}
	return nil
}

// RefundUnit returns one unfilled or expired sub-order's escrow slice to the
// publisher's available balance.
func (e *EscrowCoordinator) RefundUnit(ctx context.Context, task *models.MainTask, sub *models.SubOrder) error {
	if _, err := e.Ledger.Settle(ctx, task.PublisherID, task.UnitPriceCents, sub.OrderNumber+"-PAY", false); err != nil {
		return fmt.Errorf("release publisher escrow: %w", err)
	}
	if _, err := e.Ledger.Credit(ctx, task.PublisherID, task.UnitPriceCents, sub.OrderNumber+"-RFD", models.TxTypeRefund, ""); err != nil {
		return fmt.Errorf("refund publisher: %w", err)
	}
	return nil
}
