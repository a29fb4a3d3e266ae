package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/shared"
)

// TaskQueue implements progression.TaskQueue with the same requeue and
// lease rules as the SQL queue.
type TaskQueue struct {
	mu    sync.Mutex
	tasks map[string]*queuedTask
	byKey map[string]string
	now   func() time.Time
}

type queuedTask struct {
	task       progression.AnalysisTask
	leaseUntil time.Time
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		tasks: make(map[string]*queuedTask),
		byKey: make(map[string]string),
		now:   time.Now,
	}
}

// SetClock replaces the time source.
func (q *TaskQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Submit inserts the task or returns the existing one for its key.
func (q *TaskQueue) Submit(_ context.Context, task *progression.AnalysisTask) (*progression.AnalysisTask, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task.IdempotencyKey == "" {
		task.IdempotencyKey = progression.IdempotencyKey(task.UserID)
	}
	now := q.now()

	if id, ok := q.byKey[task.IdempotencyKey]; ok {
		existing := q.tasks[id]
		finished := existing.task.Status == progression.TaskSucceeded || existing.task.Status == progression.TaskFailed
		if !finished || !task.Explicit {
			c := existing.task
			return &c, false, nil
		}
		existing.task.Status = progression.TaskPending
		existing.task.Explicit = true
		existing.task.Attempts = 0
		existing.task.NextAttemptAt = now
		existing.task.LastError = ""
		existing.task.CompletedAt = nil
		existing.leaseUntil = time.Time{}
		c := existing.task
		return &c, true, nil
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	t := progression.AnalysisTask{
		ID:             task.ID,
		UserID:         task.UserID,
		IdempotencyKey: task.IdempotencyKey,
		Status:         progression.TaskPending,
		Explicit:       task.Explicit,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}
	q.tasks[t.ID] = &queuedTask{task: t}
	q.byKey[t.IdempotencyKey] = t.ID
	c := t
	return &c, true, nil
}

// Lease claims up to limit due tasks, oldest due first.
func (q *TaskQueue) Lease(_ context.Context, limit int, lease time.Duration) ([]*progression.AnalysisTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due []*queuedTask
	for _, qt := range q.tasks {
		switch qt.task.Status {
		case progression.TaskPending:
			if !qt.task.NextAttemptAt.After(now) {
				due = append(due, qt)
			}
		case progression.TaskRunning:
			if qt.leaseUntil.Before(now) {
				due = append(due, qt)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].task.NextAttemptAt.Before(due[j].task.NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*progression.AnalysisTask, 0, len(due))
	for _, qt := range due {
		qt.task.Status = progression.TaskRunning
		qt.task.Attempts++
		qt.leaseUntil = now.Add(lease)
		c := qt.task
		out = append(out, &c)
	}
	return out, nil
}

// Complete marks the task succeeded.
func (q *TaskQueue) Complete(_ context.Context, taskID string) error {
	return q.update(taskID, func(t *progression.AnalysisTask, now time.Time) {
		t.Status = progression.TaskSucceeded
		t.CompletedAt = &now
	})
}

// Reschedule puts the task back to pending at the given time.
func (q *TaskQueue) Reschedule(_ context.Context, taskID string, at time.Time, lastErr string) error {
	return q.update(taskID, func(t *progression.AnalysisTask, _ time.Time) {
		t.Status = progression.TaskPending
		t.NextAttemptAt = at
		t.LastError = lastErr
	})
}

// Fail marks the task failed permanently.
func (q *TaskQueue) Fail(_ context.Context, taskID string, lastErr string) error {
	return q.update(taskID, func(t *progression.AnalysisTask, now time.Time) {
		t.Status = progression.TaskFailed
		t.LastError = lastErr
		t.CompletedAt = &now
	})
}

// Get returns a copy of a task.
func (q *TaskQueue) Get(taskID string) (*progression.AnalysisTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, ok := q.tasks[taskID]
	if !ok {
		return nil, false
	}
	c := qt.task
	return &c, true
}

func (q *TaskQueue) update(taskID string, fn func(*progression.AnalysisTask, time.Time)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, ok := q.tasks[taskID]
	if !ok {
		return shared.ErrNotFound
	}
	fn(&qt.task, q.now())
	qt.leaseUntil = time.Time{}
	return nil
}
