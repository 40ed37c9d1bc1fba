package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/taskhive/backend/internal/metrics"
	"github.com/taskhive/backend/internal/middleware"
	"github.com/taskhive/backend/internal/models"
	"github.com/taskhive/backend/internal/services"
)

// WalletStore serves balance lookups and the admin freeze switch.
type WalletStore interface {
	Ensure(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	SetStatus(ctx context.Context, userID uuid.UUID, status string) error
}

// TransactionLister pages a user's ledger history.
type TransactionLister interface {
	ListByUser(ctx context.Context, userID uuid.UUID, txType string, page, size int) ([]*models.Transaction, int, error)
}

// WithdrawalOps is the money-movement workflow surface the handler needs.
type WithdrawalOps interface {
	RequestWithdrawal(ctx context.Context, userID uuid.UUID, amountCents int64, method string) (*models.WithdrawalApplication, error)
	ReviewWithdrawal(ctx context.Context, applicationID uuid.UUID, approved bool, remark string) (*models.WithdrawalApplication, error)
	Recharge(ctx context.Context, userID uuid.UUID, amountCents int64, channel string) (*models.Transaction, error)
	ListApplications(ctx context.Context, status string) ([]*models.WithdrawalApplication, error)
}

// WalletHandler serves wallet, transaction, recharge, and withdrawal endpoints.
type WalletHandler struct {
	Wallets     WalletStore
	Txns        TransactionLister
	Withdrawals WithdrawalOps
	Logger      *slog.Logger
}

// GetWallet handles GET /api/v1/wallet. The wallet row is created lazily on
// first read, so every authenticated user always has one.
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	wallet, err := h.Wallets.Ensure(r.Context(), p.UserID)
	if err != nil {
		h.Logger.Error("get wallet", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// --- GET /api/v1/wallet/transactions ---

type transactionPage struct {
	Items []*models.Transaction `json:"items"`
	Total int                   `json:"total"`
	Page  int                   `json:"page"`
	Size  int                   `json:"size"`
}

// ListTransactions handles GET /api/v1/wallet/transactions with optional
// ?type=, ?page=, ?size= query parameters.
func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	page := queryInt(r, "page", 1)
	size := queryInt(r, "size", 20)
	if size > 100 {
		size = 100
	}
	items, total, err := h.Txns.ListByUser(r.Context(), p.UserID, r.URL.Query().Get("type"), page, size)
	if err != nil {
		h.Logger.Error("list transactions", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, transactionPage{Items: items, Total: total, Page: page, Size: size})
}

// --- POST /api/v1/wallet/recharge ---

type rechargeRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Channel     string `json:"channel"`
}

func (h *WalletHandler) Recharge(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req rechargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	txn, err := h.Withdrawals.Recharge(r.Context(), p.UserID, req.AmountCents, req.Channel)
	if err != nil {
		h.writeWalletError(w, err, "recharge")
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// --- POST /api/v1/withdrawals ---

type withdrawRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
}

func (h *WalletHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	app, err := h.Withdrawals.RequestWithdrawal(r.Context(), p.UserID, req.AmountCents, req.Method)
	if err != nil {
		h.writeWalletError(w, err, "request withdrawal")
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

// --- GET /api/v1/withdrawals (admin review queue) ---

func (h *WalletHandler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.WithdrawalPending
	}
	apps, err := h.Withdrawals.ListApplications(r.Context(), status)
	if err != nil {
		h.Logger.Error("list withdrawals", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

// --- POST /api/v1/withdrawals/{id}/review (admin) ---

type reviewWithdrawalRequest struct {
	Approved bool   `json:"approved"`
	Remark   string `json:"remark"`
}

func (h *WalletHandler) ReviewWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid application id"}`, http.StatusBadRequest)
		return
	}
	var req reviewWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	app, err := h.Withdrawals.ReviewWithdrawal(r.Context(), id, req.Approved, req.Remark)
	if err != nil {
		h.writeWalletError(w, err, "review withdrawal")
		return
	}
	decision := "rejected"
	if req.Approved {
		decision = "approved"
	}
	metrics.WithdrawalsReviewed.WithLabelValues(decision).Inc()
	writeJSON(w, http.StatusOK, app)
}

// --- POST /api/v1/wallets/{userID}/status (admin) ---

type walletStatusRequest struct {
	Status string `json:"status"`
}

// SetWalletStatus freezes or unfreezes a wallet. A frozen wallet rejects
// every mutating ledger operation until unfrozen.
func (h *WalletHandler) SetWalletStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	var req walletStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Status != models.WalletStatusActive && req.Status != models.WalletStatusFrozen {
		http.Error(w, `{"error":"status must be ACTIVE or FROZEN"}`, http.StatusBadRequest)
		return
	}
	if _, err := h.Wallets.Ensure(r.Context(), userID); err != nil {
		h.Logger.Error("ensure wallet", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if err := h.Wallets.SetStatus(r.Context(), userID, req.Status); err != nil {
		h.Logger.Error("set wallet status", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	h.Logger.Info("wallet status changed", "user_id", userID, "status", req.Status)
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID.String(), "status": req.Status})
}

// --- helpers ---

func (h *WalletHandler) writeWalletError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, services.ErrInsufficientBalance):
		http.Error(w, `{"error":"insufficient balance"}`, http.StatusPaymentRequired)
	case errors.Is(err, services.ErrWalletFrozen):
		http.Error(w, `{"error":"wallet is frozen"}`, http.StatusLocked)
	case errors.Is(err, services.ErrInvalidAmount), errors.Is(err, services.ErrInvalidMethod):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrNotFound):
		http.Error(w, `{"error":"application not found"}`, http.StatusNotFound)
	case errors.Is(err, services.ErrAlreadyProcessed):
		http.Error(w, `{"error":"application already processed"}`, http.StatusConflict)
	default:
		h.Logger.Error(op, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
