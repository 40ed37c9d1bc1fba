package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/backend/internal/metrics"
	"github.com/taskhive/backend/internal/middleware"
	"github.com/taskhive/backend/internal/models"
	"github.com/taskhive/backend/internal/services"
)

// TaskEngine is the task aggregator surface the handler needs.
type TaskEngine interface {
	CreateTask(ctx context.Context, spec services.CreateTaskSpec) (*models.MainTask, []*models.SubOrder, error)
	Progress(ctx context.Context, orderNumber string) (*models.MainTask, []*models.SubOrder, error)
}

// SubOrderEngine is the state machine surface the handler needs.
type SubOrderEngine interface {
	Claim(ctx context.Context, subOrderNo string, workerID uuid.UUID) (*models.SubOrder, error)
	Submit(ctx context.Context, subOrderNo string, workerID uuid.UUID, content, screenshotURL string) (*models.SubOrder, error)
	Review(ctx context.Context, subOrderNo string, reviewerID uuid.UUID, approved bool, note string) (*models.SubOrder, error)
}

// TaskHandler serves the task and sub-order endpoints.
type TaskHandler struct {
	Tasks  TaskEngine
	Subs   SubOrderEngine
	Logger *slog.Logger
}

// --- POST /api/v1/tasks ---

type createTaskRequest struct {
	TaskType       string          `json:"task_type"`
	UnitPriceCents int64           `json:"unit_price_cents"`
	Quantity       int             `json:"quantity"`
	Deadline       time.Time       `json:"deadline"`
	Requirements   json.RawMessage `json:"requirements"`
}

type createTaskResponse struct {
	OrderNumber     string   `json:"order_number"`
	SubOrderNumbers []string `json:"sub_order_numbers"`
	Status          string   `json:"status"`
}

// CreateTask handles POST /api/v1/tasks. Escrow for the full task cost is
// reserved before anything is created; insufficient balance rejects the
// whole request.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	task, subs, err := h.Tasks.CreateTask(r.Context(), services.CreateTaskSpec{
		PublisherID:    p.UserID,
		TaskType:       req.TaskType,
		UnitPriceCents: req.UnitPriceCents,
		Quantity:       req.Quantity,
		Deadline:       req.Deadline,
		Requirements:   req.Requirements,
	})
	if err != nil {
		metrics.TasksCreated.WithLabelValues("error").Inc()
		switch {
		case errors.Is(err, services.ErrInsufficientBalance):
			http.Error(w, `{"error":"insufficient balance"}`, http.StatusPaymentRequired)
		case errors.Is(err, services.ErrWalletFrozen):
			http.Error(w, `{"error":"wallet is frozen"}`, http.StatusLocked)
		case errors.Is(err, services.ErrInvalidQuantity),
			errors.Is(err, services.ErrInvalidAmount),
			errors.Is(err, services.ErrInvalidDeadline),
			errors.Is(err, services.ErrValidation):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			h.Logger.Error("create task", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	metrics.TasksCreated.WithLabelValues("ok").Inc()
	h.Logger.Info("task created",
		"order_number", task.OrderNumber,
		"publisher_id", p.UserID,
		"total_cents", middleware.TotalCostFromCtx(r.Context()))

	subNos := make([]string, len(subs))
	for i, s := range subs {
		subNos[i] = s.OrderNumber
	}
	writeJSON(w, http.StatusCreated, createTaskResponse{
		OrderNumber:     task.OrderNumber,
		SubOrderNumbers: subNos,
		Status:          task.Status,
	})
}

// --- GET /api/v1/tasks/{orderNo} ---

type taskProgressResponse struct {
	Task      *models.MainTask   `json:"task"`
	SubOrders []*models.SubOrder `json:"sub_orders"`
}

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, subs, err := h.Tasks.Progress(r.Context(), r.PathValue("orderNo"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get task", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, taskProgressResponse{Task: task, SubOrders: subs})
}

// --- POST /api/v1/sub-orders/{orderNo}/claim ---

func (h *TaskHandler) ClaimSubOrder(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	sub, err := h.Subs.Claim(r.Context(), r.PathValue("orderNo"), p.UserID)
	if err != nil {
		metrics.SubOrderClaims.WithLabelValues(claimResult(err)).Inc()
		h.writeSubOrderError(w, err, "claim sub-order")
		return
	}
	metrics.SubOrderClaims.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, sub)
}

// --- POST /api/v1/sub-orders/{orderNo}/submit ---

type submitRequest struct {
	Content       string `json:"content"`
	ScreenshotURL string `json:"screenshot_url"`
}

func (h *TaskHandler) SubmitSubOrder(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, `{"error":"content is required"}`, http.StatusBadRequest)
		return
	}
	sub, err := h.Subs.Submit(r.Context(), r.PathValue("orderNo"), p.UserID, req.Content, req.ScreenshotURL)
	if err != nil {
		h.writeSubOrderError(w, err, "submit sub-order")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// --- POST /api/v1/sub-orders/{orderNo}/review ---

type reviewRequest struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note"`
}

func (h *TaskHandler) ReviewSubOrder(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	sub, err := h.Subs.Review(r.Context(), r.PathValue("orderNo"), p.UserID, req.Approved, req.Note)
	if err != nil {
		h.writeSubOrderError(w, err, "review sub-order")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// --- helpers ---

func (h *TaskHandler) writeSubOrderError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		http.Error(w, `{"error":"sub-order not found"}`, http.StatusNotFound)
	case errors.Is(err, services.ErrAlreadyClaimed):
		http.Error(w, `{"error":"already claimed"}`, http.StatusConflict)
	case errors.Is(err, services.ErrExpired):
		http.Error(w, `{"error":"expired"}`, http.StatusConflict)
	case errors.Is(err, services.ErrWrongState), errors.Is(err, services.ErrConflictingTransition):
		http.Error(w, `{"error":"wrong state, re-read and try again"}`, http.StatusConflict)
	case errors.Is(err, services.ErrNotOwner):
		http.Error(w, `{"error":"not the owner"}`, http.StatusForbidden)
	default:
		h.Logger.Error(op, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func claimResult(err error) string {
	switch {
	case errors.Is(err, services.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, services.ErrExpired):
		return "expired"
	default:
		return "error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
