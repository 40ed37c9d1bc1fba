package models

import (
	"time"

	"github.com/google/uuid"
)

// Withdrawal application status enums. An application is decided exactly
// once; approved and rejected are immutable.
const (
	WithdrawalPending  = "pending"
	WithdrawalApproved = "approved"
	WithdrawalRejected = "rejected"
)

// WithdrawalApplication is a human-reviewed request to move funds off the
// platform. The requested amount sits in the wallet's frozen balance (held
// via the WITHDRAW transaction identified by OrderNo) until an admin decides.
type WithdrawalApplication struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	AmountCents int64      `json:"amount_cents"`
	Method      string     `json:"method"`
	OrderNo     string     `json:"order_no"`
	Status      string     `json:"status"`
	Remark      string     `json:"remark,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
