package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/reminder"
	"github.com/studyquest/study-companion/internal/domain/shared"
)

func totalsOf(points int) progression.Totals {
	return progression.Aggregate([]progression.ScoredEvent{
		{EventID: "e1", Category: progression.CategoryStudies, Points: points},
	})
}

func TestProgressStore_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	store := NewProgressStore()

	_, err := store.Get(ctx, "u1")
	assert.ErrorIs(t, err, shared.ErrProgressNotFound)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := store.ClaimAndScore(ctx, "u1", totalsOf(40))
			require.NoError(t, err)
			if claim.Claimed {
				assert.Equal(t, 40, claim.TotalPoints)
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	st, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 40, st.TotalPoints)
	assert.True(t, st.RetroactiveDone)
	assert.Equal(t, progression.StatusCompleted, st.Status)
	assert.Equal(t, 40, st.PointsByCategory["studies"])
}

func TestProgressStore_BlockLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewProgressStore()

	require.NoError(t, store.MarkBlocked(ctx, "u1", "denied"))
	st, _ := store.Get(ctx, "u1")
	assert.True(t, st.IsBlocked())

	blocked, err := store.ListBlocked(ctx, 10)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "denied", blocked[0].BlockedReason)

	require.NoError(t, store.ClearBlocked(ctx, "u1"))
	st, _ = store.Get(ctx, "u1")
	assert.Equal(t, progression.StatusPending, st.Status)

	// A done analysis is never blocked again.
	_, _ = store.ClaimAndScore(ctx, "u1", totalsOf(5))
	require.NoError(t, store.MarkBlocked(ctx, "u1", "late"))
	st, _ = store.Get(ctx, "u1")
	assert.False(t, st.IsBlocked())
	assert.True(t, st.RetroactiveDone)
}

func TestTaskQueue_SubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := NewTaskQueue()

	first, created, err := q.Submit(ctx, &progression.AnalysisTask{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "retroactive-analysis:u1", first.IdempotencyKey)

	again, created, err := q.Submit(ctx, &progression.AnalysisTask{UserID: "u1", Explicit: true})
	require.NoError(t, err)
	assert.False(t, created, "pending task is not duplicated")
	assert.Equal(t, first.ID, again.ID)

	require.NoError(t, q.Complete(ctx, first.ID))

	_, created, err = q.Submit(ctx, &progression.AnalysisTask{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, created, "automatic resubmission keeps the finished task")

	requeued, created, err := q.Submit(ctx, &progression.AnalysisTask{UserID: "u1", Explicit: true})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, requeued.ID)
	assert.Equal(t, progression.TaskPending, requeued.Status)
}

func TestTaskQueue_LeaseAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewTaskQueue()
	q.SetClock(func() time.Time { return now })

	task, _, err := q.Submit(ctx, &progression.AnalysisTask{UserID: "u1"})
	require.NoError(t, err)

	leased, err := q.Lease(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, 1, leased[0].Attempts)

	leased, err = q.Lease(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leased, "leased task is not handed out twice")

	now = now.Add(2 * time.Minute)
	leased, err = q.Lease(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1, "expired lease is picked up again")
	assert.Equal(t, 2, leased[0].Attempts)

	require.NoError(t, q.Reschedule(ctx, task.ID, now.Add(time.Hour), "boom"))
	leased, _ = q.Lease(ctx, 10, time.Minute)
	assert.Empty(t, leased)

	require.NoError(t, q.Fail(ctx, task.ID, "gave up"))
	got, ok := q.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, progression.TaskFailed, got.Status)
	assert.ErrorIs(t, q.Complete(ctx, "missing"), shared.ErrNotFound)
}

func TestGoalsAndReminderLog(t *testing.T) {
	ctx := context.Background()
	goals := NewGoalRepository()

	due := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, goals.Create(ctx, &reminder.Goal{ID: "g1", UserID: "u1", Title: "Partiel", DueDate: due}))
	require.NoError(t, goals.Create(ctx, &reminder.Goal{ID: "g2", UserID: "u2", Title: "Oral", DueDate: due.AddDate(0, 1, 0)}))
	assert.ErrorIs(t, goals.Create(ctx, &reminder.Goal{ID: "g1"}), shared.ErrAlreadyExists)

	upcoming, err := goals.ListUpcoming(ctx, due.AddDate(0, 0, -1), due)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, "g1", upcoming[0].ID)

	mine, err := goals.ListByUser(ctx, "u2", due)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	log := NewReminderLog()
	first, err := log.MarkSent(ctx, "g1", 7)
	require.NoError(t, err)
	second, err := log.MarkSent(ctx, "g1", 7)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
}
