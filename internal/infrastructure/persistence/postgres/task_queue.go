package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ANALYSIS TASK QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// TaskQueue implements progression.TaskQueue on the analysis_tasks table.
// Workers lease rows with FOR UPDATE SKIP LOCKED so concurrent workers never
// pick the same task.
type TaskQueue struct {
	conn *Connection
}

// NewTaskQueue creates a new TaskQueue.
func NewTaskQueue(conn *Connection) *TaskQueue {
	return &TaskQueue{conn: conn}
}

const taskColumns = `
	id, user_id, idempotency_key, status, explicit, attempts,
	next_attempt_at, last_error, created_at, completed_at
`

// Submit inserts the task or returns the existing one for the same key.
// A finished task is requeued only by an explicit submission.
func (q *TaskQueue) Submit(ctx context.Context, task *progression.AnalysisTask) (*progression.AnalysisTask, bool, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.IdempotencyKey == "" {
		task.IdempotencyKey = progression.IdempotencyKey(task.UserID)
	}

	query := `
		INSERT INTO analysis_tasks (id, user_id, idempotency_key, explicit)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			status = 'pending',
			explicit = TRUE,
			attempts = 0,
			next_attempt_at = NOW(),
			lease_until = NULL,
			last_error = '',
			completed_at = NULL,
			updated_at = NOW()
		WHERE analysis_tasks.status IN ('succeeded', 'failed') AND EXCLUDED.explicit
		RETURNING ` + taskColumns

	saved, err := scanTask(q.conn.QueryRow(ctx, query, task.ID, task.UserID, task.IdempotencyKey, task.Explicit))
	if err == nil {
		return saved, true, nil
	}
	if !IsNoRows(err) {
		return nil, false, shared.WrapError("progression", "SubmitTask", shared.ErrPersistence, "failed to submit analysis task", err)
	}

	existing, err := scanTask(q.conn.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM analysis_tasks WHERE idempotency_key = $1`, task.IdempotencyKey))
	if err != nil {
		return nil, false, shared.WrapError("progression", "SubmitTask", shared.ErrPersistence, "failed to load existing analysis task", err)
	}
	return existing, false, nil
}

// Lease claims up to limit due tasks. Tasks whose lease expired are
// picked up again, which covers workers that died mid-run.
func (q *TaskQueue) Lease(ctx context.Context, limit int, lease time.Duration) ([]*progression.AnalysisTask, error) {
	var tasks []*progression.AnalysisTask

	err := q.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		query := `
			UPDATE analysis_tasks SET
				status = 'running',
				attempts = attempts + 1,
				lease_until = NOW() + make_interval(secs => $2),
				updated_at = NOW()
			WHERE id IN (
				SELECT id FROM analysis_tasks
				WHERE (status = 'pending' AND next_attempt_at <= NOW())
				   OR (status = 'running' AND lease_until < NOW())
				ORDER BY next_attempt_at
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING ` + taskColumns

		rows, err := tx.Query(ctx, query, limit, lease.Seconds())
		if err != nil {
			return fmt.Errorf("failed to lease tasks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("failed to scan task: %w", err)
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, shared.WrapError("progression", "LeaseTasks", shared.ErrPersistence, "failed to lease analysis tasks", err)
	}
	return tasks, nil
}

// Complete marks the task succeeded.
func (q *TaskQueue) Complete(ctx context.Context, taskID string) error {
	query := `
		UPDATE analysis_tasks
		SET status = 'succeeded', lease_until = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	return q.exec(ctx, "CompleteTask", query, taskID)
}

// Reschedule puts the task back to pending until at.
func (q *TaskQueue) Reschedule(ctx context.Context, taskID string, at time.Time, lastErr string) error {
	query := `
		UPDATE analysis_tasks
		SET status = 'pending', next_attempt_at = $2, lease_until = NULL, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`
	return q.exec(ctx, "RescheduleTask", query, taskID, at, lastErr)
}

// Fail marks the task permanently failed.
func (q *TaskQueue) Fail(ctx context.Context, taskID string, lastErr string) error {
	query := `
		UPDATE analysis_tasks
		SET status = 'failed', lease_until = NULL, last_error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	return q.exec(ctx, "FailTask", query, taskID, lastErr)
}

func (q *TaskQueue) exec(ctx context.Context, op, query string, args ...interface{}) error {
	tag, err := q.conn.Exec(ctx, query, args...)
	if err != nil {
		return shared.WrapError("progression", op, shared.ErrPersistence, "failed to update analysis task", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (*progression.AnalysisTask, error) {
	var (
		t      progression.AnalysisTask
		status string
	)
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.IdempotencyKey,
		&status,
		&t.Explicit,
		&t.Attempts,
		&t.NextAttemptAt,
		&t.LastError,
		&t.CreatedAt,
		&t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = progression.TaskStatus(status)
	return &t, nil
}
