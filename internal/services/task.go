package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskhive/backend/internal/models"
	"github.com/taskhive/backend/internal/settlement"
)

var (
	// ErrInvalidQuantity rejects task creation with a non-positive quantity.
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrInvalidDeadline rejects deadlines that are not in the future.
	ErrInvalidDeadline = errors.New("deadline must be in the future")
)

const sweepBatchSize = 100

// settlementGrace is how long a pending settlement may sit before the sweep
// re-enqueues it; the normal path lands well inside this window.
const settlementGrace = 2 * time.Minute

// AggTaskRepo is the task repository interface for the aggregator.
type AggTaskRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.MainTask) error
	GetByOrderNumber(ctx context.Context, orderNumber string) (*models.MainTask, error)
	IncrementCompletedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (completed int, status string, err error)
	MarkCompleted(ctx context.Context, id uuid.UUID) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.MainTask, error)
}

// AggSubOrderRepo is the sub-order repository interface for the aggregator.
type AggSubOrderRepo interface {
	CreateBatchTx(ctx context.Context, tx pgx.Tx, subs []*models.SubOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SubOrder, error)
	ListByParent(ctx context.Context, parentOrderNo string) ([]*models.SubOrder, error)
	ListNonTerminalByParent(ctx context.Context, parentOrderNo string) ([]*models.SubOrder, error)
	ListPendingSettlement(ctx context.Context, olderThan time.Time, limit int) ([]*models.SubOrder, error)
	MarkSettledTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
}

// SubOrderExpirer force-terminates one unit and reports the terminal
// transition; the sub-order state machine implements it.
type SubOrderExpirer interface {
	Expire(ctx context.Context, task *models.MainTask, sub *models.SubOrder) (bool, error)
}

// EscrowOps is the coordinator surface the aggregator drives.
type EscrowOps interface {
	ReserveForTask(ctx context.Context, tx pgx.Tx, task *models.MainTask) error
	SettleUnit(ctx context.Context, task *models.MainTask, sub *models.SubOrder) error
	RefundUnit(ctx context.Context, task *models.MainTask, sub *models.SubOrder) error
}

// RequirementsValidator checks a task's requirements blob against its task
// type's schema before any funds move.
type RequirementsValidator interface {
	Validate(taskType string, requirements json.RawMessage) error
}

// EnqueueSettlementFunc inserts a settlement saga job; main provides a
// closure over river.Client.Insert.
type EnqueueSettlementFunc func(ctx context.Context, args settlement.SettleUnitArgs) error

// CreateTaskSpec is a publisher's create-task request.
type CreateTaskSpec struct {
	PublisherID    uuid.UUID
	TaskType       string
	UnitPriceCents int64
	Quantity       int
	Deadline       time.Time
	Requirements   json.RawMessage
}

// TaskAggregator owns main-task quantity/progress invariants and triggers
// escrow settlement or refund on every sub-order terminal transition.
type TaskAggregator struct {
	DB           TxBeginner
	Tasks        AggTaskRepo
	Subs         AggSubOrderRepo
	Escrow       EscrowOps
	Requirements RequirementsValidator
	Enqueue      EnqueueSettlementFunc
	// Expirer is set after the state machine is constructed; the machine
	// reports terminal transitions back here.
	Expirer SubOrderExpirer
	Logger  *slog.Logger
	Now     func() time.Time
}

func NewTaskAggregator(db TxBeginner, tasks AggTaskRepo, subs AggSubOrderRepo, escrow EscrowOps, reqs RequirementsValidator, enqueue EnqueueSettlementFunc, logger *slog.Logger) *TaskAggregator {
	return &TaskAggregator{DB: db, Tasks: tasks, Subs: subs, Escrow: escrow, Requirements: reqs, Enqueue: enqueue, Logger: logger, Now: time.Now}
}

// CreateTask reserves the full escrow and creates the task with its
// sub-orders in one transaction, reserve-then-create, so a failed reservation
// leaves nothing behind.
func (a *TaskAggregator) CreateTask(ctx context.Context, spec CreateTaskSpec) (*models.MainTask, []*models.SubOrder, error) {
	if spec.Quantity <= 0 {
		return nil, nil, ErrInvalidQuantity
	}
	if spec.UnitPriceCents <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if !spec.Deadline.After(a.Now()) {
		return nil, nil, ErrInvalidDeadline
	}
	if a.Requirements != nil {
		if err := a.Requirements.Validate(spec.TaskType, spec.Requirements); err != nil {
			return nil, nil, err
		}
	}

	task := &models.MainTask{
		ID:             uuid.New(),
		OrderNumber:    newOrderNumber("T"),
		PublisherID:    spec.PublisherID,
		TaskType:       spec.TaskType,
		UnitPriceCents: spec.UnitPriceCents,
		Quantity:       spec.Quantity,
		Status:         models.TaskStatusProgress,
		Deadline:       spec.Deadline,
		Requirements:   spec.Requirements,
	}
	subs := make([]*models.SubOrder, spec.Quantity)
	for i := range subs {
		subs[i] = &models.SubOrder{
			ID:               uuid.New(),
			OrderNumber:      fmt.Sprintf("%s-%03d", task.OrderNumber, i+1),
			ParentOrderNo:    task.OrderNumber,
			Status:           models.SubStatusWaitingCollect,
			SettlementStatus: models.SettlementNone,
		}
	}

	tx, err := a.DB.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	if err := a.Escrow.ReserveForTask(ctx, tx, task); err != nil {
		return nil, nil, err
	}
	if err := a.Tasks.CreateTx(ctx, tx, task); err != nil {
		return nil, nil, err
	}
	if err := a.Subs.CreateBatchTx(ctx, tx, subs); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return task, subs, nil
}

// OnSubOrderTerminal enqueues the escrow saga for a terminal transition.
// Completion bookkeeping happens in SettleUnit, atomically with the settled
// flip, so a lost report only delays the saga until the sweep re-drives it.
func (a *TaskAggregator) OnSubOrderTerminal(ctx context.Context, task *models.MainTask, sub *models.SubOrder) error {
	action := settlement.ActionRefund
	if sub.Status == models.SubStatusCompleted {
		action = settlement.ActionSettle
	}
	if err := a.Enqueue(ctx, settlement.SettleUnitArgs{SubOrderID: sub.ID, Action: action}); err != nil {
		// Settlement marker stays pending; the sweep re-enqueues.
		return fmt.Errorf("enqueue %s: %w", action, err)
	}
	return nil
}

// SettleUnit runs the escrow saga for one terminal sub-order. Called by the
// River worker and safe to replay: a settled unit is a no-op and each ledger
// leg is idempotent on its reference. The settled flip and the completion
// counter commit in one transaction, keyed on the pending marker, so the
// counter advances exactly once per completed unit no matter how often the
// job retries or which path (worker, sweep) drives it.
func (a *TaskAggregator) SettleUnit(ctx context.Context, subOrderID uuid.UUID) error {
	sub, err := a.Subs.GetByID(ctx, subOrderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if sub.SettlementStatus != models.SettlementPending {
		return nil
	}
	task, err := a.Tasks.GetByOrderNumber(ctx, sub.ParentOrderNo)
	if err != nil {
		return err
	}
	switch sub.Status {
	case models.SubStatusCompleted:
		if err := a.Escrow.SettleUnit(ctx, task, sub); err != nil {
			return err
		}
	case models.SubStatusExpired:
		if err := a.Escrow.RefundUnit(ctx, task, sub); err != nil {
			return err
		}
	default:
		return fmt.Errorf("sub-order %s is not terminal (%s)", sub.OrderNumber, sub.Status)
	}

	tx, err := a.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	won, err := a.Subs.MarkSettledTx(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	if won && sub.Status == models.SubStatusCompleted {
		completed, status, err := a.Tasks.IncrementCompletedTx(ctx, tx, task.ID)
		if err != nil {
			return fmt.Errorf("increment completed: %w", err)
		}
		if status == models.TaskStatusCompleted {
			a.Logger.Info("task completed", "order_number", task.OrderNumber, "quantity", completed)
		}
	}
	return tx.Commit(ctx)
}

// CloseoutExpired force-expires every non-terminal sub-order of tasks past
// deadline and closes the tasks. Expiry goes through the state machine, which
// owns the terminal transition and its refund report.
func (a *TaskAggregator) CloseoutExpired(ctx context.Context) error {
	tasks, err := a.Tasks.ListExpired(ctx, a.Now(), sweepBatchSize)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		subs, err := a.Subs.ListNonTerminalByParent(ctx, task.OrderNumber)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			if _, err := a.Expirer.Expire(ctx, task, sub); err != nil {
				return err
			}
			// A lost compare-and-set means the unit completed or expired
			// concurrently; its own path settles it.
		}
		if _, err := a.Tasks.MarkCompleted(ctx, task.ID); err != nil {
			return err
		}
		a.Logger.Info("task closed out after deadline", "order_number", task.OrderNumber,
			"completed", task.CompletedQuantity, "quantity", task.Quantity, "expired_units", len(subs))
	}
	return nil
}

// SweepPendingSettlements re-enqueues saga jobs for units whose settlement
// never landed inside the grace window.
func (a *TaskAggregator) SweepPendingSettlements(ctx context.Context) error {
	subs, err := a.Subs.ListPendingSettlement(ctx, a.Now().Add(-settlementGrace), sweepBatchSize)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		action := settlement.ActionSettle
		if sub.Status == models.SubStatusExpired {
			action = settlement.ActionRefund
		}
		if err := a.Enqueue(ctx, settlement.SettleUnitArgs{SubOrderID: sub.ID, Action: action}); err != nil {
			return err
		}
		a.Logger.Info("re-enqueued stuck settlement", "sub_order", sub.OrderNumber, "action", action)
	}
	return nil
}

// Progress returns a task with its sub-orders.
func (a *TaskAggregator) Progress(ctx context.Context, orderNumber string) (*models.MainTask, []*models.SubOrder, error) {
	task, err := a.Tasks.GetByOrderNumber(ctx, orderNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	subs, err := a.Subs.ListByParent(ctx, orderNumber)
	if err != nil {
		return nil, nil, err
	}
	return task, subs, nil
}

// newOrderNumber builds a prefixed, globally unique order number.
func newOrderNumber(prefix string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
