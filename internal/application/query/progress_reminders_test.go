package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/reminder"
	"github.com/studyquest/study-companion/internal/infrastructure/persistence/memory"
)

func TestGetProgress(t *testing.T) {
	ctx := context.Background()
	store := memory.NewProgressStore()
	h := NewGetProgressHandler(store, nil)

	dto, err := h.Handle(ctx, GetProgressQuery{UserID: otherUser})
	require.NoError(t, err)
	assert.Equal(t, 0, dto.TotalPoints)
	assert.Equal(t, 1, dto.Level.Level)
	assert.Equal(t, progression.StatusPending, dto.AnalysisStatus)
	assert.False(t, dto.RetroactiveDone)

	totals := progression.Aggregate([]progression.ScoredEvent{{EventID: "e", Category: progression.CategoryStudies, Points: 320}})
	_, err = store.ClaimAndScore(ctx, testUser, totals)
	require.NoError(t, err)

	dto, err = h.Handle(ctx, GetProgressQuery{UserID: testUser})
	require.NoError(t, err)
	assert.Equal(t, 320, dto.TotalPoints)
	assert.Equal(t, 3, dto.Level.Level)
	assert.Equal(t, "Régulier", dto.Level.Name)
	assert.True(t, dto.RetroactiveDone)
	assert.Equal(t, 320, dto.PointsByCategory["studies"])

	_, err = h.Handle(ctx, GetProgressQuery{})
	assert.Error(t, err)
}

func TestListReminders(t *testing.T) {
	ctx := context.Background()
	goals := memory.NewGoalRepository()
	loc := paris

	require.NoError(t, goals.Create(ctx, &reminder.Goal{ID: "g1", UserID: testUser, Title: "Partiel", DueDate: time.Date(2024, 10, 21, 0, 0, 0, 0, time.UTC)}))
	require.NoError(t, goals.Create(ctx, &reminder.Goal{ID: "g2", UserID: testUser, Title: "Oral", DueDate: time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)}))
	require.NoError(t, goals.Create(ctx, &reminder.Goal{ID: "old", UserID: testUser, Title: "Ancien", DueDate: time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)}))

	h := NewListRemindersHandler(goals, loc)
	out, err := h.Handle(ctx, ListRemindersQuery{UserID: testUser, Today: time.Date(2024, 10, 14, 10, 0, 0, 0, loc)})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "g1", out[0].GoalID)
	assert.Equal(t, "2024-10-21", out[0].DueDate)
	assert.Equal(t, 7, out[0].DaysLeft)
	require.Len(t, out[0].Active, 1)
	assert.Equal(t, 7, out[0].Active[0].OffsetDays)
	assert.Empty(t, out[1].Active)
}
