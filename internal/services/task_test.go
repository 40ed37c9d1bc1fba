package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskhive/backend/internal/models"
	"github.com/taskhive/backend/internal/settlement"
)

// ---------------------------------------------------------------------------
// In-memory mocks for the aggregator's repositories and collaborators.
// ---------------------------------------------------------------------------

type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.MainTask
}

func newMemTaskRepo(tasks ...*models.MainTask) *memTaskRepo {
	m := &memTaskRepo{tasks: make(map[uuid.UUID]*models.MainTask)}
	for _, t := range tasks {
		cp := *t
		m.tasks[t.ID] = &cp
	}
	return m
}

func (m *memTaskRepo) CreateTx(_ context.Context, _ pgx.Tx, t *models.MainTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memTaskRepo) GetByOrderNumber(_ context.Context, orderNumber string) (*models.MainTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.OrderNumber == orderNumber {
			cp := *t
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memTaskRepo) IncrementCompletedTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (int, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return 0, "", pgx.ErrNoRows
	}
	if t.CompletedQuantity >= t.Quantity {
		return t.CompletedQuantity, t.Status, fmt.Errorf("completed quantity overflow")
	}
	t.CompletedQuantity++
	if t.CompletedQuantity == t.Quantity {
		t.Status = models.TaskStatusCompleted
	}
	return t.CompletedQuantity, t.Status, nil
}

func (m *memTaskRepo) MarkCompleted(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.TaskStatusProgress {
		return false, nil
	}
	t.Status = models.TaskStatusCompleted
	return true, nil
}

func (m *memTaskRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.MainTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.MainTask
	for _, t := range m.tasks {
		if t.Status == models.TaskStatusProgress && t.Deadline.Before(now) && len(out) < limit {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTaskRepo) get(id uuid.UUID) models.MainTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.tasks[id]
}

// --- sub-order repo mock ---

type memSubRepo struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*models.SubOrder
}

func newMemSubRepo(subs ...*models.SubOrder) *memSubRepo {
	m := &memSubRepo{subs: make(map[uuid.UUID]*models.SubOrder)}
	for _, s := range subs {
		cp := *s
		m.subs[s.ID] = &cp
	}
	return m
}

func (m *memSubRepo) CreateBatchTx(_ context.Context, _ pgx.Tx, subs []*models.SubOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range subs {
		cp := *s
		m.subs[s.ID] = &cp
	}
	return nil
}

func (m *memSubRepo) GetByID(_ context.Context, id uuid.UUID) (*models.SubOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (m *memSubRepo) ListByParent(_ context.Context, parentOrderNo string) ([]*models.SubOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SubOrder
	for _, s := range m.subs {
		if s.ParentOrderNo == parentOrderNo {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSubRepo) ListNonTerminalByParent(_ context.Context, parentOrderNo string) ([]*models.SubOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SubOrder
	for _, s := range m.subs {
		if s.ParentOrderNo == parentOrderNo && !s.Terminal() {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSubRepo) ListPendingSettlement(_ context.Context, olderThan time.Time, limit int) ([]*models.SubOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SubOrder
	for _, s := range m.subs {
		if s.SettlementStatus == models.SettlementPending && s.UpdatedAt.Before(olderThan) && len(out) < limit {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSubRepo) Expire(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return false, nil
	}
	switch s.Status {
	case models.SubStatusWaitingCollect, models.SubStatusProgress, models.SubStatusRejected:
		s.Status = models.SubStatusExpired
		s.SettlementStatus = models.SettlementPending
		return true, nil
	}
	return false, nil
}

func (m *memSubRepo) MarkSettledTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return false, pgx.ErrNoRows
	}
	if s.SettlementStatus != models.SettlementPending {
		return false, nil
	}
	s.SettlementStatus = models.SettlementSettled
	return true, nil
}

func (m *memSubRepo) get(id uuid.UUID) models.SubOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.subs[id]
}

// --- escrow stub ---

type stubEscrow struct {
	mu         sync.Mutex
	reserveErr error
	reserved   []int64
	settled    []string
	refunded   []string
}

func (s *stubEscrow) ReserveForTask(_ context.Context, _ pgx.Tx, task *models.MainTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserveErr != nil {
		return s.reserveErr
	}
	s.reserved = append(s.reserved, task.UnitPriceCents*int64(task.Quantity))
	return nil
}

func (s *stubEscrow) SettleUnit(_ context.Context, _ *models.MainTask, sub *models.SubOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled = append(s.settled, sub.OrderNumber)
	return nil
}

func (s *stubEscrow) RefundUnit(_ context.Context, _ *models.MainTask, sub *models.SubOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunded = append(s.refunded, sub.OrderNumber)
	return nil
}

// --- validator stub ---

type stubValidator struct{ err error }

func (s *stubValidator) Validate(string, json.RawMessage) error { return s.err }

// --- enqueue recorder ---

type enqueueRecorder struct {
	mu       sync.Mutex
	jobs     []settlement.SettleUnitArgs
	failNext error
}

func (r *enqueueRecorder) enqueue(_ context.Context, args settlement.SettleUnitArgs) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	r.jobs = append(r.jobs, args)
	return nil
}

func (r *enqueueRecorder) byAction(action string) []settlement.SettleUnitArgs {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []settlement.SettleUnitArgs
	for _, j := range r.jobs {
		if j.Action == action {
			out = append(out, j)
		}
	}
	return out
}

// --- expirer stub: expire compare-and-set, then report, like the machine ---

type stubExpirer struct {
	subs *memSubRepo
	agg  *TaskAggregator
}

func (e *stubExpirer) Expire(ctx context.Context, task *models.MainTask, sub *models.SubOrder) (bool, error) {
	ok, err := e.subs.Expire(ctx, sub.ID)
	if err != nil || !ok {
		return ok, err
	}
	updated, err := e.subs.GetByID(ctx, sub.ID)
	if err != nil {
		return true, err
	}
	_ = e.agg.OnSubOrderTerminal(ctx, task, updated)
	return true, nil
}

// --- fixture ---

func newAggregatorFixture() (*TaskAggregator, *memTaskRepo, *memSubRepo, *stubEscrow, *enqueueRecorder) {
	tasks := newMemTaskRepo()
	subs := newMemSubRepo()
	escrow := &stubEscrow{}
	queue := &enqueueRecorder{}
	agg := NewTaskAggregator(mockPool{}, tasks, subs, escrow, &stubValidator{}, queue.enqueue, discardLogger())
	agg.Expirer = &stubExpirer{subs: subs, agg: agg}
	return agg, tasks, subs, escrow, queue
}

func validSpec() CreateTaskSpec {
	return CreateTaskSpec{
		PublisherID:    uuid.New(),
		TaskType:       models.TaskTypeProductReview,
		UnitPriceCents: 1000,
		Quantity:       3,
		Deadline:       time.Now().Add(48 * time.Hour),
		Requirements:   json.RawMessage(`{"product_url":"https://example.com","min_words":50}`),
	}
}

// ---------------------------------------------------------------------------
// CreateTask
// ---------------------------------------------------------------------------

func TestCreateTask(t *testing.T) {
	agg, _, _, escrow, _ := newAggregatorFixture()

	task, subs, err := agg.CreateTask(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != models.TaskStatusProgress {
		t.Errorf("status: got %s, want main_progress", task.Status)
	}
	if len(subs) != 3 {
		t.Fatalf("sub-orders: got %d, want 3", len(subs))
	}
	for i, s := range subs {
		want := fmt.Sprintf("%s-%03d", task.OrderNumber, i+1)
		if s.OrderNumber != want {
			t.Errorf("sub %d order number: got %s, want %s", i, s.OrderNumber, want)
		}
		if s.Status != models.SubStatusWaitingCollect {
			t.Errorf("sub %d status: got %s, want waiting_collect", i, s.Status)
		}
	}
	if len(escrow.reserved) != 1 || escrow.reserved[0] != 3000 {
		t.Errorf("escrow reservation: got %v, want one reservation of 3000", escrow.reserved)
	}
}

func TestCreateTaskInsufficientBalance(t *testing.T) {
	agg, tasks, subs, escrow, _ := newAggregatorFixture()
	escrow.reserveErr = ErrInsufficientBalance

	_, _, err := agg.CreateTask(context.Background(), validSpec())
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got: %v", err)
	}
	if len(tasks.tasks) != 0 {
		t.Error("failed reservation must not create the task")
	}
	if len(subs.subs) != 0 {
		t.Error("failed reservation must not create sub-orders")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	agg, _, _, _, _ := newAggregatorFixture()
	ctx := context.Background()

	spec := validSpec()
	spec.Quantity = 0
	if _, _, err := agg.CreateTask(ctx, spec); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("zero quantity: expected ErrInvalidQuantity, got: %v", err)
	}

	spec = validSpec()
	spec.UnitPriceCents = 0
	if _, _, err := agg.CreateTask(ctx, spec); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero price: expected ErrInvalidAmount, got: %v", err)
	}

	spec = validSpec()
	spec.Deadline = time.Now().Add(-time.Hour)
	if _, _, err := agg.CreateTask(ctx, spec); !errors.Is(err, ErrInvalidDeadline) {
		t.Errorf("past deadline: expected ErrInvalidDeadline, got: %v", err)
	}
}

func TestCreateTaskBadRequirements(t *testing.T) {
	tasks := newMemTaskRepo()
	subs := newMemSubRepo()
	escrow := &stubEscrow{}
	queue := &enqueueRecorder{}
	validator := &stubValidator{err: fmt.Errorf("%w: missing product_url", ErrValidation)}
	agg := NewTaskAggregator(mockPool{}, tasks, subs, escrow, validator, queue.enqueue, discardLogger())

	_, _, err := agg.CreateTask(context.Background(), validSpec())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got: %v", err)
	}
	if len(escrow.reserved) != 0 {
		t.Error("validation failure must happen before any reservation")
	}
}

// ---------------------------------------------------------------------------
// Terminal transitions and completion counting.
// ---------------------------------------------------------------------------

func TestOnSubOrderTerminalCompletion(t *testing.T) {
	agg, tasks, subs, _, queue := newAggregatorFixture()
	ctx := context.Background()

	task, created, err := agg.CreateTask(ctx, validSpec())
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	for i, sub := range created {
		subs.mu.Lock()
		subs.subs[sub.ID].Status = models.SubStatusCompleted
		subs.subs[sub.ID].SettlementStatus = models.SettlementPending
		subs.mu.Unlock()
		sub.Status = models.SubStatusCompleted
		if err := agg.OnSubOrderTerminal(ctx, task, sub); err != nil {
			t.Fatalf("OnSubOrderTerminal %d: %v", i, err)
		}
	}

	if n := len(queue.byAction(settlement.ActionSettle)); n != 3 {
		t.Fatalf("settle jobs: got %d, want 3", n)
	}
	// The counter advances with the saga, not at report time.
	if got := tasks.get(task.ID).CompletedQuantity; got != 0 {
		t.Errorf("completed quantity before settlement: got %d, want 0", got)
	}

	for _, job := range queue.byAction(settlement.ActionSettle) {
		if err := agg.SettleUnit(ctx, job.SubOrderID); err != nil {
			t.Fatalf("SettleUnit %s: %v", job.SubOrderID, err)
		}
	}

	got := tasks.get(task.ID)
	if got.CompletedQuantity != 3 {
		t.Errorf("completed quantity: got %d, want 3", got.CompletedQuantity)
	}
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("task must flip to main_completed on the last unit: got %s", got.Status)
	}
}

// A terminal report lost to a transient fault must not strand the completion
// counter: the sweep re-drives the saga and the settle transaction both
// settles the money and advances completed_quantity.
func TestCompletionCounterRecoveredBySweep(t *testing.T) {
	agg, tasks, subs, escrow, queue := newAggregatorFixture()
	ctx := context.Background()

	spec := validSpec()
	spec.Quantity = 1
	task, created, err := agg.CreateTask(ctx, spec)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	sub := created[0]
	subs.mu.Lock()
	subs.subs[sub.ID].Status = models.SubStatusCompleted
	subs.subs[sub.ID].SettlementStatus = models.SettlementPending
	subs.subs[sub.ID].UpdatedAt = time.Now().Add(-10 * time.Minute)
	subs.mu.Unlock()
	sub.Status = models.SubStatusCompleted

	queue.failNext = errors.New("connection reset by peer")
	if err := agg.OnSubOrderTerminal(ctx, task, sub); err == nil {
		t.Fatal("expected the enqueue failure to surface")
	}

	if err := agg.SweepPendingSettlements(ctx); err != nil {
		t.Fatalf("SweepPendingSettlements: %v", err)
	}
	jobs := queue.byAction(settlement.ActionSettle)
	if len(jobs) != 1 {
		t.Fatalf("re-enqueued jobs: got %d, want 1", len(jobs))
	}
	if err := agg.SettleUnit(ctx, jobs[0].SubOrderID); err != nil {
		t.Fatalf("SettleUnit: %v", err)
	}

	got := tasks.get(task.ID)
	if got.CompletedQuantity != 1 {
		t.Errorf("completed quantity: got %d, want 1", got.CompletedQuantity)
	}
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("task status: got %s, want main_completed", got.Status)
	}
	if len(escrow.settled) != 1 {
		t.Errorf("settled legs: got %d, want 1", len(escrow.settled))
	}
	if s := subs.get(sub.ID); s.SettlementStatus != models.SettlementSettled {
		t.Errorf("settlement status: got %s, want settled", s.SettlementStatus)
	}
}

func TestOnSubOrderTerminalExpired(t *testing.T) {
	agg, tasks, _, _, queue := newAggregatorFixture()
	ctx := context.Background()

	task, subs, err := agg.CreateTask(ctx, validSpec())
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	sub := subs[0]
	sub.Status = models.SubStatusExpired
	sub.SettlementStatus = models.SettlementPending
	if err := agg.OnSubOrderTerminal(ctx, task, sub); err != nil {
		t.Fatalf("OnSubOrderTerminal: %v", err)
	}

	if got := tasks.get(task.ID).CompletedQuantity; got != 0 {
		t.Errorf("expiry must not advance completed quantity: got %d", got)
	}
	if n := len(queue.byAction(settlement.ActionRefund)); n != 1 {
		t.Errorf("refund jobs: got %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// SettleUnit (worker-side dispatch)
// ---------------------------------------------------------------------------

func TestSettleUnitDispatch(t *testing.T) {
	agg, tasks, subs, escrow, _ := newAggregatorFixture()
	ctx := context.Background()

	task, created, err := agg.CreateTask(ctx, validSpec())
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	completed := created[0]
	subs.mu.Lock()
	subs.subs[completed.ID].Status = models.SubStatusCompleted
	subs.subs[completed.ID].SettlementStatus = models.SettlementPending
	subs.mu.Unlock()

	if err := agg.SettleUnit(ctx, completed.ID); err != nil {
		t.Fatalf("SettleUnit: %v", err)
	}
	if len(escrow.settled) != 1 || escrow.settled[0] != completed.OrderNumber {
		t.Errorf("settled: got %v, want [%s]", escrow.settled, completed.OrderNumber)
	}
	if got := subs.get(completed.ID).SettlementStatus; got != models.SettlementSettled {
		t.Errorf("settlement status: got %s, want settled", got)
	}
	if got := tasks.get(task.ID).CompletedQuantity; got != 1 {
		t.Errorf("completed quantity: got %d, want 1", got)
	}

	// Replays are no-ops once settled: no second leg, no second increment.
	if err := agg.SettleUnit(ctx, completed.ID); err != nil {
		t.Fatalf("replayed SettleUnit: %v", err)
	}
	if len(escrow.settled) != 1 {
		t.Errorf("replay must not settle twice: got %d", len(escrow.settled))
	}
	if got := tasks.get(task.ID).CompletedQuantity; got != 1 {
		t.Errorf("replay must not advance the counter: got %d", got)
	}
}

func TestSettleUnitRefundPath(t *testing.T) {
	agg, _, subs, escrow, _ := newAggregatorFixture()
	ctx := context.Background()

	_, created, err := agg.CreateTask(ctx, validSpec())
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	expired := created[1]
	subs.mu.Lock()
	subs.subs[expired.ID].Status = models.SubStatusExpired
	subs.subs[expired.ID].SettlementStatus = models.SettlementPending
	subs.mu.Unlock()

	if err := agg.SettleUnit(ctx, expired.ID); err != nil {
		t.Fatalf("SettleUnit: %v", err)
	}
	if len(escrow.refunded) != 1 || escrow.refunded[0] != expired.OrderNumber {
		t.Errorf("refunded: got %v, want [%s]", escrow.refunded, expired.OrderNumber)
	}
}

// ---------------------------------------------------------------------------
// Closeout: deadline passes with one unit completed, two unfilled.
// ---------------------------------------------------------------------------

func TestCloseoutExpired(t *testing.T) {
	agg, tasks, subs, _, queue := newAggregatorFixture()
	ctx := context.Background()

	task, created, err := agg.CreateTask(ctx, validSpec())
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// One unit completed before the deadline.
	subs.mu.Lock()
	subs.subs[created[0].ID].Status = models.SubStatusCompleted
	subs.subs[created[0].ID].SettlementStatus = models.SettlementSettled
	subs.mu.Unlock()

	// Push the deadline into the past.
	tasks.mu.Lock()
	tasks.tasks[task.ID].Deadline = time.Now().Add(-time.Hour)
	tasks.mu.Unlock()

	if err := agg.CloseoutExpired(ctx); err != nil {
		t.Fatalf("CloseoutExpired: %v", err)
	}

	if got := tasks.get(task.ID).Status; got != models.TaskStatusCompleted {
		t.Errorf("task must be closed: got %s", got)
	}
	for _, id := range []uuid.UUID{created[1].ID, created[2].ID} {
		s := subs.get(id)
		if s.Status != models.SubStatusExpired {
			t.Errorf("unfilled unit %s: got %s, want sub_expired", id, s.Status)
		}
	}
	if got := subs.get(created[0].ID).Status; got != models.SubStatusCompleted {
		t.Errorf("completed unit must be untouched: got %s", got)
	}
	if n := len(queue.byAction(settlement.ActionRefund)); n != 2 {
		t.Errorf("refund jobs: got %d, want 2", n)
	}
}

// ---------------------------------------------------------------------------
// Settlement sweep
// ---------------------------------------------------------------------------

func TestSweepPendingSettlements(t *testing.T) {
	agg, _, subs, _, queue := newAggregatorFixture()
	ctx := context.Background()

	stale := &models.SubOrder{
		ID:               uuid.New(),
		OrderNumber:      "T001-001",
		ParentOrderNo:    "T001",
		Status:           models.SubStatusCompleted,
		SettlementStatus: models.SettlementPending,
		UpdatedAt:        time.Now().Add(-10 * time.Minute),
	}
	fresh := &models.SubOrder{
		ID:               uuid.New(),
		OrderNumber:      "T001-002",
		ParentOrderNo:    "T001",
		Status:           models.SubStatusExpired,
		SettlementStatus: models.SettlementPending,
		UpdatedAt:        time.Now(),
	}
	if err := subs.CreateBatchTx(ctx, nil, []*models.SubOrder{stale, fresh}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := agg.SweepPendingSettlements(ctx); err != nil {
		t.Fatalf("SweepPendingSettlements: %v", err)
	}
	jobs := queue.byAction(settlement.ActionSettle)
	if len(jobs) != 1 || jobs[0].SubOrderID != stale.ID {
		t.Errorf("only the stale unit should be re-enqueued: got %v", jobs)
	}
	if n := len(queue.byAction(settlement.ActionRefund)); n != 0 {
		t.Errorf("fresh unit is inside the grace window: got %d refund jobs", n)
	}
}
