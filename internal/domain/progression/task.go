package progression

import (
	"context"
	"time"
)

// TaskStatus - статус задачи анализа в очереди.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// AnalysisTask - отложенный запуск ретроактивного анализа.
// На пользователя существует не больше одной задачи с данным ключом.
type AnalysisTask struct {
	ID             string
	UserID         string
	IdempotencyKey string
	Status         TaskStatus
	Explicit       bool
	Attempts       int
	NextAttemptAt  time.Time
	LastError      string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// IdempotencyKey возвращает ключ задачи анализа пользователя.
func IdempotencyKey(userID string) string {
	return "retroactive-analysis:" + userID
}

// TaskQueue - очередь задач анализа.
type TaskQueue interface {
	// Submit добавляет задачу. Повторная отправка с тем же ключом возвращает
	// существующую задачу и created=false.
	Submit(ctx context.Context, task *AnalysisTask) (existing *AnalysisTask, created bool, err error)

	// Lease забирает до limit готовых задач и продлевает их аренду на lease.
	Lease(ctx context.Context, limit int, lease time.Duration) ([]*AnalysisTask, error)

	// Complete помечает задачу выполненной.
	Complete(ctx context.Context, taskID string) error

	// Reschedule возвращает задачу в очередь на время at.
	Reschedule(ctx context.Context, taskID string, at time.Time, lastErr string) error

	// Fail окончательно помечает задачу проваленной.
	Fail(ctx context.Context, taskID string, lastErr string) error
}
