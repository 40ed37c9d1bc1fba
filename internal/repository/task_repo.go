package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhive/backend/internal/models"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `id, order_number, publisher_id, task_type, unit_price_cents, quantity, completed_quantity, status, deadline, requirements, created_at, updated_at`

func scanTask(row pgx.Row) (*models.MainTask, error) {
	var t models.MainTask
	err := row.Scan(&t.ID, &t.OrderNumber, &t.PublisherID, &t.TaskType, &t.UnitPriceCents, &t.Quantity, &t.CompletedQuantity, &t.Status, &t.Deadline, &t.Requirements, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTx inserts the main task inside the create-task transaction.
func (r *TaskRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.MainTask) error {
	return tx.QueryRow(ctx, `
		INSERT INTO main_tasks (id, order_number, publisher_id, task_type, unit_price_cents, quantity, completed_quantity, status, deadline, requirements)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, t.ID, t.OrderNumber, t.PublisherID, t.TaskType, t.UnitPriceCents, t.Quantity, t.CompletedQuantity, t.Status, t.Deadline, t.Requirements).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TaskRepo) GetByOrderNumber(ctx context.Context, orderNumber string) (*models.MainTask, error) {
	return scanTask(r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM main_tasks WHERE order_number = $1
	`, orderNumber))
}

// IncrementCompletedTx bumps completed_quantity by one and flips the task to
// main_completed when the last unit lands, in a single atomic UPDATE. Runs
// inside the settlement transaction so the counter and the settled marker
// commit together. Returns the new completed_quantity and status.
func (r *TaskRepo) IncrementCompletedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (completed int, status string, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE main_tasks
		SET completed_quantity = completed_quantity + 1,
		    status = CASE WHEN completed_quantity + 1 >= quantity THEN 'main_completed' ELSE status END,
		    updated_at = now()
		WHERE id = $1 AND completed_quantity < quantity
		RETURNING completed_quantity, status
	`, id).Scan(&completed, &status)
	return completed, status, err
}

// MarkCompleted closes the task regardless of completed_quantity (deadline
// closeout). Returns false when the task already left main_progress.
func (r *TaskRepo) MarkCompleted(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE main_tasks SET status = 'main_completed', updated_at = now()
		WHERE id = $1 AND status = 'main_progress'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListExpired returns in-progress tasks whose deadline has passed.
func (r *TaskRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.MainTask, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM main_tasks
		WHERE status = 'main_progress' AND deadline < $1
		ORDER BY deadline
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.MainTask
	for rows.Next() {
		var t models.MainTask
		if err := rows.Scan(&t.ID, &t.OrderNumber, &t.PublisherID, &t.TaskType, &t.UnitPriceCents, &t.Quantity, &t.CompletedQuantity, &t.Status, &t.Deadline, &t.Requirements, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
