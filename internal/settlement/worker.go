package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/taskhive/backend/internal/metrics"
)

// Saga actions carried by a settle_unit job.
const (
	ActionSettle = "settle"
	ActionRefund = "refund"
)

// SettleUnitArgs drives the escrow saga for one terminal sub-order. The job
// is enqueued when a sub-order reaches sub_completed or sub_expired; River's
// retry policy plus the ledger's idempotent references make replays safe.
type SettleUnitArgs struct {
	SubOrderID uuid.UUID `json:"sub_order_id"`
	Action     string    `json:"action"`
}

func (SettleUnitArgs) Kind() string { return "settle_unit" }

// CloseoutSweepArgs is the periodic sweep: expire overdue tasks and re-drive
// settlements that never landed.
type CloseoutSweepArgs struct{}

func (CloseoutSweepArgs) Kind() string { return "closeout_sweep" }

// Engine is the contract the workers need from the task aggregator.
type Engine interface {
	SettleUnit(ctx context.Context, subOrderID uuid.UUID) error
	CloseoutExpired(ctx context.Context) error
	SweepPendingSettlements(ctx context.Context) error
}

type SettleUnitWorker struct {
	river.WorkerDefaults[SettleUnitArgs]
	engine Engine
	logger *slog.Logger
}

func NewSettleUnitWorker(engine Engine, logger *slog.Logger) *SettleUnitWorker {
	return &SettleUnitWorker{engine: engine, logger: logger}
}

// Work runs every leg of the unit's settlement saga. Returning an error lets
// River retry with backoff; completed legs replay as no-ops.
func (w *SettleUnitWorker) Work(ctx context.Context, job *river.Job[SettleUnitArgs]) error {
	if err := w.engine.SettleUnit(ctx, job.Args.SubOrderID); err != nil {
		w.logger.Warn("settlement attempt failed", "sub_order_id", job.Args.SubOrderID, "attempt", job.Attempt, "error", err)
		metrics.Settlements.WithLabelValues(job.Args.Action, "error").Inc()
		return err
	}
	metrics.Settlements.WithLabelValues(job.Args.Action, "ok").Inc()
	return nil
}

type CloseoutSweepWorker struct {
	river.WorkerDefaults[CloseoutSweepArgs]
	engine Engine
	logger *slog.Logger
}

func NewCloseoutSweepWorker(engine Engine, logger *slog.Logger) *CloseoutSweepWorker {
	return &CloseoutSweepWorker{engine: engine, logger: logger}
}

func (w *CloseoutSweepWorker) Work(ctx context.Context, job *river.Job[CloseoutSweepArgs]) error {
	if err := w.engine.CloseoutExpired(ctx); err != nil {
		return err
	}
	return w.engine.SweepPendingSettlements(ctx)
}

// PeriodicJobs returns the sweep schedule for the River client config.
func PeriodicJobs() []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(time.Minute),
			func() (river.JobArgs, *river.InsertOpts) {
				return CloseoutSweepArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
