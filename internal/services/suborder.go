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
	// ErrNotFound is returned when a sub-order or task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyClaimed is returned when a claim races and loses, or targets
	// a unit some other worker holds.
	ErrAlreadyClaimed = errors.New("sub-order already claimed")
	// ErrWrongState rejects a transition from an illegal current status.
	ErrWrongState = errors.New("sub-order is in the wrong state")
	// ErrConflictingTransition is returned when the caller's view of the
	// status went stale between read and compare-and-set.
	ErrConflictingTransition = errors.New("conflicting transition")
	// ErrNotOwner rejects a submission by anyone but the claiming worker.
	ErrNotOwner = errors.New("caller does not own this sub-order")
	// ErrExpired rejects operations on a unit past its task deadline.
	ErrExpired = errors.New("sub-order expired")
)

// SubOrderStore is the minimal sub-order repository interface for the state
// machine. Mutating methods are conditional UPDATEs returning false when the
// expected current status no longer holds.
type SubOrderStore interface {
	GetByOrderNumber(ctx context.Context, orderNumber string) (*models.SubOrder, error)
	Claim(ctx context.Context, id, commenterID uuid.UUID, now time.Time) (bool, error)
	Submit(ctx context.Context, id uuid.UUID, fromStatus, content, screenshotURL string, now time.Time) (bool, error)
	Review(ctx context.Context, id uuid.UUID, nextStatus, settlementStatus, note string, now time.Time) (bool, error)
	Expire(ctx context.Context, id uuid.UUID) (bool, error)
}

// SubOrderTaskStore resolves a sub-order's parent task.
type SubOrderTaskStore interface {
	GetByOrderNumber(ctx context.Context, orderNumber string) (*models.MainTask, error)
}

// TerminalReporter is notified after every terminal transition; the task
// aggregator implements it.
type TerminalReporter interface {
	OnSubOrderTerminal(ctx context.Context, task *models.MainTask, sub *models.SubOrder) error
}

// SubOrderMachine owns the claim/submit/review/expire lifecycle. Every
// transition is a single compare-and-set keyed on (id, expected status);
// a stale caller gets a state-conflict error instead of corrupting state.
type SubOrderMachine struct {
	Subs     SubOrderStore
	Tasks    SubOrderTaskStore
	Terminal TerminalReporter
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewSubOrderMachine(subs SubOrderStore, tasks SubOrderTaskStore, terminal TerminalReporter, logger *slog.Logger) *SubOrderMachine {
	return &SubOrderMachine{Subs: subs, Tasks: tasks, Terminal: terminal, Logger: logger, Now: time.Now}
}

// Claim assigns a waiting sub-order to a worker. Of N racing claimers
// exactly one succeeds; the rest get ErrAlreadyClaimed.
func (m *SubOrderMachine) Claim(ctx context.Context, subOrderNo string, workerID uuid.UUID) (*models.SubOrder, error) {
	sub, task, err := m.load(ctx, subOrderNo)
	if err != nil {
		return nil, err
	}
	if m.Now().After(task.Deadline) {
		return nil, ErrExpired
	}
	switch sub.Status {
	case models.SubStatusWaitingCollect:
	case models.SubStatusExpired:
		return nil, ErrExpired
	default:
		return nil, ErrAlreadyClaimed
	}
	ok, err := m.Subs.Claim(ctx, sub.ID, workerID, m.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race; re-read to classify.
		current, rerr := m.Subs.GetByOrderNumber(ctx, subOrderNo)
		if rerr != nil {
			return nil, ErrAlreadyClaimed
		}
		if current.Status == models.SubStatusExpired {
			return nil, ErrExpired
		}
		return nil, ErrAlreadyClaimed
	}
	return m.Subs.GetByOrderNumber(ctx, subOrderNo)
}

// Submit moves a claimed sub-order to review; only the claiming worker may
// submit, from sub_progress or (resubmission) sub_rejected.
func (m *SubOrderMachine) Submit(ctx context.Context, subOrderNo string, workerID uuid.UUID, content, screenshotURL string) (*models.SubOrder, error) {
	sub, task, err := m.load(ctx, subOrderNo)
	if err != nil {
		return nil, err
	}
	if sub.CommenterID == nil || *sub.CommenterID != workerID {
		return nil, ErrNotOwner
	}
	if sub.Status != models.SubStatusProgress && sub.Status != models.SubStatusRejected {
		return nil, ErrWrongState
	}
	if m.Now().After(task.Deadline) {
		return nil, ErrExpired
	}
	ok, err := m.Subs.Submit(ctx, sub.ID, sub.Status, content, screenshotURL, m.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflictingTransition
	}
	return m.Subs.GetByOrderNumber(ctx, subOrderNo)
}

// Review decides a pending submission; only the task's publisher may review.
// Approval is terminal: the sub-order becomes sub_completed with the
// settlement marker armed, and the aggregator is told so the escrow saga
// gets enqueued. Rejection sends the unit back to the worker for
// resubmission.
func (m *SubOrderMachine) Review(ctx context.Context, subOrderNo string, reviewerID uuid.UUID, approved bool, note string) (*models.SubOrder, error) {
	sub, task, err := m.load(ctx, subOrderNo)
	if err != nil {
		return nil, err
	}
	if task.PublisherID != reviewerID {
		return nil, ErrNotOwner
	}
	if sub.Status != models.SubStatusPendingReview {
		return nil, ErrWrongState
	}
	next, settlement := models.SubStatusRejected, models.SettlementNone
	if approved {
		next, settlement = models.SubStatusCompleted, models.SettlementPending
	}
	ok, err := m.Subs.Review(ctx, sub.ID, next, settlement, note, m.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflictingTransition
	}
	updated, err := m.Subs.GetByOrderNumber(ctx, subOrderNo)
	if err != nil {
		return nil, err
	}
	if approved {
		m.reportTerminal(ctx, task, updated)
	}
	return updated, nil
}

// Expire force-terminates a unit once its task deadline has passed. Legal
// from waiting_collect, sub_progress, and sub_rejected; the compare-and-set
// keeps it from clobbering a concurrent completion.
func (m *SubOrderMachine) Expire(ctx context.Context, task *models.MainTask, sub *models.SubOrder) (bool, error) {
	ok, err := m.Subs.Expire(ctx, sub.ID)
	if err != nil || !ok {
		return ok, err
	}
	expired, err := m.Subs.GetByOrderNumber(ctx, sub.OrderNumber)
	if err != nil {
		return true, err
	}
	m.reportTerminal(ctx, task, expired)
	return true, nil
}

// reportTerminal hands a terminal transition to the aggregator. A failure
// here is not surfaced: the settlement marker stays pending and the
// background sweep re-drives the saga.
func (m *SubOrderMachine) reportTerminal(ctx context.Context, task *models.MainTask, sub *models.SubOrder) {
	if err := m.Terminal.OnSubOrderTerminal(ctx, task, sub); err != nil {
		m.Logger.Warn("terminal report failed, sweep will retry",
			"sub_order", sub.OrderNumber, "status", sub.Status, "error", err)
	}
}

func (m *SubOrderMachine) load(ctx context.Context, subOrderNo string) (*models.SubOrder, *models.MainTask, error) {
	sub, err := m.Subs.GetByOrderNumber(ctx, subOrderNo)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	task, err := m.Tasks.GetByOrderNumber(ctx, sub.ParentOrderNo)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return sub, task, nil
}
