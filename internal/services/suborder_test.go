package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskhive/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory SubOrderStore with real compare-and-set semantics, so the
// concurrency tests exercise the same guarantees the SQL gives us.
// ---------------------------------------------------------------------------

type memSubStore struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*models.SubOrder
	byNo map[string]uuid.UUID
}

func newMemSubStore(subs ...*models.SubOrder) *memSubStore {
	m := &memSubStore{byID: make(map[uuid.UUID]*models.SubOrder), byNo: make(map[string]uuid.UUID)}
	for _, s := range subs {
		cp := *s
		m.byID[s.ID] = &cp
		m.byNo[s.OrderNumber] = s.ID
	}
	return m
}

func (m *memSubStore) GetByOrderNumber(_ context.Context, orderNumber string) (*models.SubOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byNo[orderNumber]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *memSubStore) Claim(_ context.Context, id, commenterID uuid.UUID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || s.Status != models.SubStatusWaitingCollect {
		return false, nil
	}
	s.Status = models.SubStatusProgress
	s.CommenterID = &commenterID
	s.ClaimTime = &now
	return true, nil
}

func (m *memSubStore) Submit(_ context.Context, id uuid.UUID, fromStatus, content, screenshotURL string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || s.Status != fromStatus {
		return false, nil
	}
	s.Status = models.SubStatusPendingReview
	s.CommentContent = content
	s.ScreenshotURL = screenshotURL
	s.SubmitTime = &now
	return true, nil
}

func (m *memSubStore) Review(_ context.Context, id uuid.UUID, nextStatus, settlementStatus, note string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || s.Status != models.SubStatusPendingReview {
		return false, nil
	}
	s.Status = nextStatus
	s.SettlementStatus = settlementStatus
	s.ReviewNote = note
	s.ReviewTime = &now
	return true, nil
}

func (m *memSubStore) Expire(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
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

// --- task store mock ---

type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*models.MainTask
}

func newMemTaskStore(tasks ...*models.MainTask) *memTaskStore {
	m := &memTaskStore{tasks: make(map[string]*models.MainTask)}
	for _, t := range tasks {
		cp := *t
		m.tasks[t.OrderNumber] = &cp
	}
	return m
}

func (m *memTaskStore) GetByOrderNumber(_ context.Context, orderNumber string) (*models.MainTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[orderNumber]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

// --- terminal reporter recorder ---

type terminalRecorder struct {
	mu    sync.Mutex
	calls []*models.SubOrder
	err   error
}

func (r *terminalRecorder) OnSubOrderTerminal(_ context.Context, _ *models.MainTask, sub *models.SubOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := *sub
	r.calls = append(r.calls, &cp)
	return nil
}

func (r *terminalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// --- fixture ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMachineFixture() (*SubOrderMachine, *models.MainTask, *models.SubOrder, *terminalRecorder) {
	task := &models.MainTask{
		ID:             uuid.New(),
		OrderNumber:    "T001",
		PublisherID:    uuid.New(),
		UnitPriceCents: 1000,
		Quantity:       1,
		Status:         models.TaskStatusProgress,
		Deadline:       time.Now().Add(24 * time.Hour),
	}
	sub := &models.SubOrder{
		ID:               uuid.New(),
		OrderNumber:      "T001-001",
		ParentOrderNo:    "T001",
		Status:           models.SubStatusWaitingCollect,
		SettlementStatus: models.SettlementNone,
	}
	recorder := &terminalRecorder{}
	m := NewSubOrderMachine(newMemSubStore(sub), newMemTaskStore(task), recorder, discardLogger())
	return m, task, sub, recorder
}

// ---------------------------------------------------------------------------
// Claim
// ---------------------------------------------------------------------------

func TestClaim(t *testing.T) {
	m, _, _, _ := newMachineFixture()
	worker := uuid.New()

	sub, err := m.Claim(context.Background(), "T001-001", worker)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if sub.Status != models.SubStatusProgress {
		t.Errorf("status: got %s, want sub_progress", sub.Status)
	}
	if sub.CommenterID == nil || *sub.CommenterID != worker {
		t.Error("commenter should be the claiming worker")
	}
	if sub.ClaimTime == nil {
		t.Error("claim time should be set")
	}
}

func TestClaimConcurrent(t *testing.T) {
	m, _, _, _ := newMachineFixture()

	const workers = 50
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Claim(context.Background(), "T001-001", uuid.New())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var won, lost int
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyClaimed):
			lost++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != workers-1 {
		t.Errorf("exactly one claimer must win: won=%d lost=%d", won, lost)
	}
}

func TestClaimAlreadyClaimed(t *testing.T) {
	m, _, _, _ := newMachineFixture()
	ctx := context.Background()

	if _, err := m.Claim(ctx, "T001-001", uuid.New()); err != nil {
		t.Fatalf("first Claim: %v", err)
	}
	if _, err := m.Claim(ctx, "T001-001", uuid.New()); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got: %v", err)
	}
}

func TestClaimPastDeadline(t *testing.T) {
	m, task, _, _ := newMachineFixture()
	m.Now = func() time.Time { return task.Deadline.Add(time.Minute) }

	if _, err := m.Claim(context.Background(), "T001-001", uuid.New()); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got: %v", err)
	}
}

func TestClaimNotFound(t *testing.T) {
	m, _, _, _ := newMachineFixture()
	if _, err := m.Claim(context.Background(), "NOPE", uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

func TestSubmit(t *testing.T) {
	m, _, _, _ := newMachineFixture()
	worker := uuid.New()
	ctx := context.Background()

	if _, err := m.Claim(ctx, "T001-001", worker); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	sub, err := m.Submit(ctx, "T001-001", worker, "great product", "https://img.example/1.png")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != models.SubStatusPendingReview {
		t.Errorf("status: got %s, want sub_pending_review", sub.Status)
	}
	if sub.CommentContent != "great product" {
		t.Errorf("content not stored: %q", sub.CommentContent)
	}
}

func TestSubmitNotOwner(t *testing.T) {
	m, _, _, _ := newMachineFixture()
	ctx := context.Background()

	if _, err := m.Claim(ctx, "T001-001", uuid.New()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := m.Submit(ctx, "T001-001", uuid.New(), "x", ""); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got: %v", err)
	}
}

func TestSubmitWrongState(t *testing.T) {
	m, _, _, _ := newMachineFixture()
	worker := uuid.New()
	ctx := context.Background()

	if _, err := m.Claim(ctx, "T001-001", worker); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := m.Submit(ctx, "T001-001", worker, "x", ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Second submit while pending review.
	if _, err := m.Submit(ctx, "T001-001", worker, "y", ""); !errors.Is(err, ErrWrongState) {
		t.Errorf("expected ErrWrongState, got: %v", err)
	}
}

func TestResubmitAfterRejection(t *testing.T) {
	m, task, _, _ := newMachineFixture()
	worker := uuid.New()
	ctx := context.Background()

	if _, err := m.Claim(ctx, "T001-001", worker); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := m.Submit(ctx, "T001-001", worker, "first try", ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := m.Review(ctx, "T001-001", task.PublisherID, false, "needs a screenshot"); err != nil {
		t.Fatalf("Review reject: %v", err)
	}
	sub, err := m.Submit(ctx, "T001-001", worker, "second try", "https://img.example/2.png")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if sub.Status != models.SubStatusPendingReview {
		t.Errorf("status after resubmit: got %s, want sub_pending_review", sub.Status)
	}
}

// ---------------------------------------------------------------------------
// Review
// ---------------------------------------------------------------------------

func submitFixture(t *testing.T, m *SubOrderMachine) uuid.UUID {
	t.Helper()
	worker := uuid.New()
	ctx := context.Background()
	if _, err := m.Claim(ctx, "T001-001", worker); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := m.Submit(ctx, "T001-001", worker, "done", ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return worker
}

func TestReviewApprove(t *testing.T) {
	m, task, _, recorder := newMachineFixture()
	submitFixture(t, m)

	sub, err := m.Review(context.Background(), "T001-001", task.PublisherID, true, "looks good")
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if sub.Status != models.SubStatusCompleted {
		t.Errorf("status: got %s, want sub_completed", sub.Status)
	}
	if sub.SettlementStatus != models.SettlementPending {
		t.Errorf("approval must arm settlement: got %s", sub.SettlementStatus)
	}
	if sub.ReviewNote != "looks good" {
		t.Errorf("review note not stored: %q", sub.ReviewNote)
	}
	if recorder.count() != 1 {
		t.Errorf("terminal transition must be reported once, got %d", recorder.count())
	}
}

func TestReviewReject(t *testing.T) {
	m, task, _, recorder := newMachineFixture()
	submitFixture(t, m)

	sub, err := m.Review(context.Background(), "T001-001", task.PublisherID, false, "blurry screenshot")
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if sub.Status != models.SubStatusRejected {
		t.Errorf("status: got %s, want sub_rejected", sub.Status)
	}
	if sub.SettlementStatus != models.SettlementNone {
		t.Errorf("rejection must not arm settlement: got %s", sub.SettlementStatus)
	}
	if recorder.count() != 0 {
		t.Errorf("rejection is not terminal, got %d reports", recorder.count())
	}
}

func TestReviewNotPublisher(t *testing.T) {
	m, _, _, _ := newMachineFixture()
	submitFixture(t, m)

	if _, err := m.Review(context.Background(), "T001-001", uuid.New(), true, ""); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got: %v", err)
	}
}

func TestReviewWrongState(t *testing.T) {
	m, task, _, _ := newMachineFixture()

	if _, err := m.Review(context.Background(), "T001-001", task.PublisherID, true, ""); !errors.Is(err, ErrWrongState) {
		t.Errorf("expected ErrWrongState for waiting_collect, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Expire
// ---------------------------------------------------------------------------

func TestExpire(t *testing.T) {
	m, task, sub, recorder := newMachineFixture()

	ok, err := m.Expire(context.Background(), task, sub)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if !ok {
		t.Fatal("expected expire to win the compare-and-set")
	}
	expired, err := m.Subs.GetByOrderNumber(context.Background(), sub.OrderNumber)
	if err != nil {
		t.Fatalf("GetByOrderNumber: %v", err)
	}
	if expired.Status != models.SubStatusExpired || expired.SettlementStatus != models.SettlementPending {
		t.Errorf("expired unit: status=%s settlement=%s", expired.Status, expired.SettlementStatus)
	}
	if recorder.count() != 1 {
		t.Errorf("expiry is terminal and must be reported, got %d", recorder.count())
	}
}

func TestExpireLosesToCompletion(t *testing.T) {
	m, task, sub, recorder := newMachineFixture()
	submitFixture(t, m)
	if _, err := m.Review(context.Background(), "T001-001", task.PublisherID, true, ""); err != nil {
		t.Fatalf("Review: %v", err)
	}
	before := recorder.count()

	ok, err := m.Expire(context.Background(), task, sub)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if ok {
		t.Error("expire must not clobber a completed unit")
	}
	if recorder.count() != before {
		t.Error("losing expire must not report terminal")
	}
}
