package models

import (
	"time"

	"github.com/google/uuid"
)

// PlatformWalletID is the system wallet that collects platform fees.
var PlatformWalletID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Wallet status enums.
const (
	WalletStatusActive = "ACTIVE"
	WalletStatusFrozen = "FROZEN"
)

// Transaction type enums.
const (
	TxTypeRecharge    = "RECHARGE"
	TxTypeWithdraw    = "WITHDRAW"
	TxTypeTaskPayment = "TASK_PAYMENT"
	TxTypeTaskIncome  = "TASK_INCOME"
	TxTypePlatformFee = "PLATFORM_FEE"
	TxTypeRefund      = "REFUND"
)

// Transaction status enums. A transaction only ever moves
// PENDING -> {SUCCESS, FAILED, CANCELLED} and is never reopened.
const (
	TxStatusPending   = "PENDING"
	TxStatusSuccess   = "SUCCESS"
	TxStatusFailed    = "FAILED"
	TxStatusCancelled = "CANCELLED"
)

// Balance column a transaction was recorded against.
const (
	BalanceAvailable = "available"
	BalanceFrozen    = "frozen"
)

// Wallet holds one user's balances. All amounts are integer cents so no
// floating-point accumulation can occur. Created on first access, never
// deleted; status flips gate every mutating ledger call.
type Wallet struct {
	UserID            uuid.UUID `json:"user_id"`
	AvailableCents    int64     `json:"available_cents"`
	FrozenCents       int64     `json:"frozen_cents"`
	TotalIncomeCents  int64     `json:"total_income_cents"`
	TotalExpenseCents int64     `json:"total_expense_cents"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Transaction is an immutable ledger entry. OrderNo is the idempotency key:
// a repeated ledger call with the same reference replays the stored row
// instead of mutating again. AmountCents is signed w.r.t. the balance column
// it recorded against; AfterCents = BeforeCents + AmountCents.
type Transaction struct {
	ID            uuid.UUID `json:"id"`
	OrderNo       string    `json:"order_no"`
	UserID        uuid.UUID `json:"user_id"`
	Type          string    `json:"type"`
	AmountCents   int64     `json:"amount_cents"`
	BalanceColumn string    `json:"balance_column"`
	BeforeCents   int64     `json:"before_cents"`
	AfterCents    int64     `json:"after_cents"`
	Status        string    `json:"status"`
	Channel       string    `json:"channel,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
