package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhive/backend/internal/models"
)

type SubOrderRepo struct {
	pool *pgxpool.Pool
}

func NewSubOrderRepo(pool *pgxpool.Pool) *SubOrderRepo {
	return &SubOrderRepo{pool: pool}
}

const subOrderColumns = `id, order_number, parent_order_number, commenter_id, status, settlement_status, comment_content, screenshot_url, review_note, claim_time, submit_time, review_time, created_at, updated_at`

func scanSubOrder(row pgx.Row) (*models.SubOrder, error) {
	var s models.SubOrder
	err := row.Scan(&s.ID, &s.OrderNumber, &s.ParentOrderNo, &s.CommenterID, &s.Status, &s.SettlementStatus, &s.CommentContent, &s.ScreenshotURL, &s.ReviewNote, &s.ClaimTime, &s.SubmitTime, &s.ReviewTime, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateBatchTx inserts all sub-orders of a task inside the create-task
// transaction.
func (r *SubOrderRepo) CreateBatchTx(ctx context.Context, tx pgx.Tx, subs []*models.SubOrder) error {
	for _, s := range subs {
		if err := tx.QueryRow(ctx, `
			INSERT INTO sub_orders (id, order_number, parent_order_number, status, settlement_status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at
		`, s.ID, s.OrderNumber, s.ParentOrderNo, s.Status, s.SettlementStatus).Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r *SubOrderRepo) GetByOrderNumber(ctx context.Context, orderNumber string) (*models.SubOrder, error) {
	return scanSubOrder(r.pool.QueryRow(ctx, `
		SELECT `+subOrderColumns+` FROM sub_orders WHERE order_number = $1
	`, orderNumber))
}

func (r *SubOrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.SubOrder, error) {
	return scanSubOrder(r.pool.QueryRow(ctx, `
		SELECT `+subOrderColumns+` FROM sub_orders WHERE id = $1
	`, id))
}

func (r *SubOrderRepo) ListByParent(ctx context.Context, parentOrderNo string) ([]*models.SubOrder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+subOrderColumns+` FROM sub_orders
		WHERE parent_order_number = $1 ORDER BY created_at, order_number
	`, parentOrderNo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubOrders(rows)
}

// ListNonTerminalByParent returns the sub-orders a deadline closeout still
// has to expire.
func (r *SubOrderRepo) ListNonTerminalByParent(ctx context.Context, parentOrderNo string) ([]*models.SubOrder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+subOrderColumns+` FROM sub_orders
		WHERE parent_order_number = $1 AND status NOT IN ('sub_completed', 'sub_expired')
	`, parentOrderNo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubOrders(rows)
}

// ListPendingSettlement returns completed sub-orders whose settlement saga
// has not landed after the grace interval, for the background sweep.
func (r *SubOrderRepo) ListPendingSettlement(ctx context.Context, olderThan time.Time, limit int) ([]*models.SubOrder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+subOrderColumns+` FROM sub_orders
		WHERE settlement_status = 'pending' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubOrders(rows)
}

func collectSubOrders(rows pgx.Rows) ([]*models.SubOrder, error) {
	var list []*models.SubOrder
	for rows.Next() {
		var s models.SubOrder
		if err := rows.Scan(&s.ID, &s.OrderNumber, &s.ParentOrderNo, &s.CommenterID, &s.Status, &s.SettlementStatus, &s.CommentContent, &s.ScreenshotURL, &s.ReviewNote, &s.ClaimTime, &s.SubmitTime, &s.ReviewTime, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &s)
	}
	return list, rows.Err()
}

// Claim assigns the sub-order to a worker if and only if it is still
// unclaimed. The conditional UPDATE is the compare-and-set: of N racing
// claimers exactly one sees RowsAffected = 1.
func (r *SubOrderRepo) Claim(ctx context.Context, id, commenterID uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sub_orders
		SET status = 'sub_progress', commenter_id = $2, claim_time = $3, updated_at = now()
		WHERE id = $1 AND status = 'waiting_collect'
	`, id, commenterID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Submit moves the sub-order to review. fromStatus is sub_progress for a
// first submission and sub_rejected for a resubmission.
func (r *SubOrderRepo) Submit(ctx context.Context, id uuid.UUID, fromStatus, content, screenshotURL string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sub_orders
		SET status = 'sub_pending_review', comment_content = $3, screenshot_url = $4, submit_time = $5, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, fromStatus, content, screenshotURL, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Review decides a pending submission. Approval also arms the settlement
// marker so the saga sweep can find the unit until its legs land.
func (r *SubOrderRepo) Review(ctx context.Context, id uuid.UUID, nextStatus, settlementStatus, note string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sub_orders
		SET status = $2, settlement_status = $3, review_note = $4, review_time = $5, updated_at = now()
		WHERE id = $1 AND status = 'sub_pending_review'
	`, id, nextStatus, settlementStatus, note, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Expire force-terminates a sub-order from any of the expirable states and
// arms the refund marker.
func (r *SubOrderRepo) Expire(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sub_orders
		SET status = 'sub_expired', settlement_status = 'pending', updated_at = now()
		WHERE id = $1 AND status IN ('waiting_collect', 'sub_progress', 'sub_rejected')
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSettledTx records that every leg of the unit's settlement saga landed.
// The compare-and-set on the pending marker tells the caller whether it won
// the flip, so follow-up bookkeeping in the same transaction runs exactly
// once per unit.
func (r *SubOrderRepo) MarkSettledTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE sub_orders SET settlement_status = 'settled', updated_at = now()
		WHERE id = $1 AND settlement_status = 'pending'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
