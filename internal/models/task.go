package models

import (
	"time"

	"github.com/google/uuid"
)

// Main task status enums.
const (
	TaskStatusProgress  = "main_progress"
	TaskStatusCompleted = "main_completed"
)

// Sub-order status enums. waiting_collect is the initial state; sub_completed
// and sub_expired are terminal and irreversible.
const (
	SubStatusWaitingCollect = "waiting_collect"
	SubStatusProgress       = "sub_progress"
	SubStatusPendingReview  = "sub_pending_review"
	SubStatusCompleted      = "sub_completed"
	SubStatusRejected       = "sub_rejected"
	SubStatusExpired        = "sub_expired"
)

// Settlement marker on a sub-order. A sub-order that reached sub_completed
// stays settlement_pending until every leg of the escrow saga has landed.
const (
	SettlementNone    = "none"
	SettlementPending = "pending"
	SettlementSettled = "settled"
)

// Task types with a requirements schema the platform accepts.
const (
	TaskTypeProductReview = "product_review"
	TaskTypeSocialShare   = "social_share"
	TaskTypeSurvey        = "survey"
)

// MainTask is a publisher's funded task, split into Quantity claimable
// sub-orders. CompletedQuantity is derived from sub-orders reaching
// sub_completed and only ever mutated by the task aggregator.
type MainTask struct {
	ID                uuid.UUID `json:"id"`
	OrderNumber       string    `json:"order_number"`
	PublisherID       uuid.UUID `json:"publisher_id"`
	TaskType          string    `json:"task_type"`
	UnitPriceCents    int64     `json:"unit_price_cents"`
	Quantity          int       `json:"quantity"`
	CompletedQuantity int       `json:"completed_quantity"`
	Status            string    `json:"status"`
	Deadline          time.Time `json:"deadline"`
	Requirements      []byte    `json:"requirements,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SubOrder is one claimable unit of a main task. CommenterID is nil only in
// waiting_collect. Every status change is a compare-and-set on
// (id, expected current status).
type SubOrder struct {
	ID               uuid.UUID  `json:"id"`
	OrderNumber      string     `json:"order_number"`
	ParentOrderNo    string     `json:"parent_order_number"`
	CommenterID      *uuid.UUID `json:"commenter_id,omitempty"`
	Status           string     `json:"status"`
	SettlementStatus string     `json:"settlement_status"`
	CommentContent   string     `json:"comment_content,omitempty"`
	ScreenshotURL    string     `json:"screenshot_url,omitempty"`
	ReviewNote       string     `json:"review_note,omitempty"`
	ClaimTime        *time.Time `json:"claim_time,omitempty"`
	SubmitTime       *time.Time `json:"submit_time,omitempty"`
	ReviewTime       *time.Time `json:"review_time,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Terminal reports whether the sub-order is in a terminal status.
func (s *SubOrder) Terminal() bool {
	return s.Status == SubStatusCompleted || s.Status == SubStatusExpired
}
