package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/study-companion/internal/application/saga"
	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/reminder"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/internal/infrastructure/persistence/memory"
)

var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

const (
	testUser  = "6f1c2b9e-8d4a-4c1e-9b7a-2f5d3e8c1a00"
	otherUser = "0b7e4c1d-3a2f-4e9b-8c6d-5f1a2b3c4d5e"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type fakeRunner struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []saga.RetroactiveAnalysisInput
}

func (r *fakeRunner) Execute(_ context.Context, in saga.RetroactiveAnalysisInput) (*saga.RetroactiveAnalysisResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, in)
	if err := r.errs[in.UserID]; err != nil {
		return nil, err
	}
	return &saga.RetroactiveAnalysisResult{UserID: in.UserID}, nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []shared.Event
	err    error
}

func (b *recordingBus) Publish(e shared.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, e)
	return nil
}

func newQueue() *memory.TaskQueue {
	q := memory.NewTaskQueue()
	q.SetClock(func() time.Time { return testNow })
	return q
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBMIT ANALYSIS
// ══════════════════════════════════════════════════════════════════════════════

func TestSubmitAnalysis_IsIdempotentPerUser(t *testing.T) {
	ctx := context.Background()
	h := NewSubmitAnalysisHandler(newQueue(), nil, nil)

	first, err := h.Handle(ctx, SubmitAnalysisCommand{UserID: testUser})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, progression.TaskPending, first.Status)

	second, err := h.Handle(ctx, SubmitAnalysisCommand{UserID: testUser})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestSubmitAnalysis_AutoTriggerGate(t *testing.T) {
	ctx := context.Background()
	h := NewSubmitAnalysisHandler(newQueue(), func(string) bool { return false }, nil)

	_, err := h.Handle(ctx, SubmitAnalysisCommand{UserID: testUser})
	assert.ErrorIs(t, err, ErrAutoTriggerDisabled)

	_, err = h.Handle(ctx, SubmitAnalysisCommand{UserID: testUser, Explicit: true, Automatic: true})
	assert.ErrorIs(t, err, ErrAutoTriggerDisabled)

	res, err := h.Handle(ctx, SubmitAnalysisCommand{UserID: testUser, Explicit: true})
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestSubmitAnalysis_RequiresUser(t *testing.T) {
	h := NewSubmitAnalysisHandler(newQueue(), nil, nil)
	_, err := h.Handle(context.Background(), SubmitAnalysisCommand{})
	assert.True(t, shared.IsValidation(err))
}

// ══════════════════════════════════════════════════════════════════════════════
// PROCESS ANALYSIS TASKS
// ══════════════════════════════════════════════════════════════════════════════

func newProcessor(q *memory.TaskQueue, r AnalysisRunner, maxAttempts int) *ProcessAnalysisTasksHandler {
	h := NewProcessAnalysisTasksHandler(q, r, ProcessTasksConfig{
		BatchSize:      10,
		LeaseDuration:  time.Minute,
		MaxAttempts:    maxAttempts,
		RetryBaseDelay: 30 * time.Second,
		RetryMaxDelay:  10 * time.Minute,
	}, nil)
	h.now = func() time.Time { return testNow }
	return h
}

func submit(t *testing.T, q *memory.TaskQueue, userID string) string {
	t.Helper()
	task, _, err := q.Submit(context.Background(), &progression.AnalysisTask{UserID: userID})
	require.NoError(t, err)
	return task.ID
}

func TestProcessTasks_Outcomes(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	okID := submit(t, q, "ok")
	blockedID := submit(t, q, "blocked")
	flakyID := submit(t, q, "flaky")
	invalidID := submit(t, q, "invalid")

	runner := &fakeRunner{errs: map[string]error{
		"blocked": shared.WrapError("progression", "Analyze", shared.ErrAnalysisBlocked, "needs reconnect", shared.ErrCalendarAccessDenied),
		"flaky":   shared.WrapError("progression", "Save", shared.ErrPersistence, "db down", errors.New("conn reset")),
		"invalid": shared.NewDomainError("saga", "Validate", shared.ErrInvalidID, "bad id"),
	}}

	res, err := newProcessor(q, runner, 3).Handle(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProcessTasksResult{Leased: 4, Succeeded: 1, Blocked: 1, Rescheduled: 1, Failed: 1}, *res)

	task, _ := q.Get(okID)
	assert.Equal(t, progression.TaskSucceeded, task.Status)

	task, _ = q.Get(blockedID)
	assert.Equal(t, progression.TaskSucceeded, task.Status)

	task, _ = q.Get(invalidID)
	assert.Equal(t, progression.TaskFailed, task.Status)

	task, _ = q.Get(flakyID)
	assert.Equal(t, progression.TaskPending, task.Status)
	assert.Equal(t, testNow.Add(30*time.Second), task.NextAttemptAt)
	assert.Contains(t, task.LastError, "conn reset")
}

func TestProcessTasks_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	now := testNow
	q := memory.NewTaskQueue()
	q.SetClock(func() time.Time { return now })
	id := submit(t, q, "flaky")

	runner := &fakeRunner{errs: map[string]error{"flaky": shared.ErrPersistence}}
	h := NewProcessAnalysisTasksHandler(q, runner, ProcessTasksConfig{
		MaxAttempts:    2,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Second,
	}, nil)
	h.now = func() time.Time { return now }

	_, err := h.Handle(ctx)
	require.NoError(t, err)
	task, _ := q.Get(id)
	require.Equal(t, progression.TaskPending, task.Status)

	now = now.Add(time.Minute)
	_, err = h.Handle(ctx)
	require.NoError(t, err)
	task, _ = q.Get(id)
	assert.Equal(t, progression.TaskFailed, task.Status)
	assert.Equal(t, 2, task.Attempts)
	assert.Len(t, runner.calls, 2)
}

func TestProcessTasks_PassesExplicitFlag(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	_, _, err := q.Submit(ctx, &progression.AnalysisTask{UserID: testUser, Explicit: true})
	require.NoError(t, err)

	runner := &fakeRunner{}
	_, err = newProcessor(q, runner, 3).Handle(ctx)
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.True(t, runner.calls[0].Explicit)
}

func TestProcessTasks_EmptyQueue(t *testing.T) {
	res, err := newProcessor(newQueue(), &fakeRunner{}, 3).Handle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Leased)
}

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCH REMINDERS
// ══════════════════════════════════════════════════════════════════════════════

func TestDispatchReminders_SendsEachReminderOnce(t *testing.T) {
	ctx := context.Background()
	goals := memory.NewGoalRepository()
	require.NoError(t, goals.Create(ctx, &reminder.Goal{
		ID: "g1", UserID: testUser, Title: "Partiel d'analyse",
		DueDate: time.Date(2026, 10, 21, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, goals.Create(ctx, &reminder.Goal{
		ID: "g2", UserID: otherUser, Title: "Rendu de projet",
		DueDate: time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
	}))

	bus := &recordingBus{}
	h := NewDispatchRemindersHandler(goals, memory.NewReminderLog(), bus, time.UTC, nil)

	res, err := h.Handle(ctx, DispatchRemindersCommand{Now: testNow})
	require.NoError(t, err)
	assert.Equal(t, 1, res.GoalsScanned)
	assert.Equal(t, 1, res.Dispatched)

	require.Len(t, bus.events, 1)
	due, ok := bus.events[0].(shared.ReminderDueEvent)
	require.True(t, ok)
	assert.Equal(t, "g1", due.GoalID)
	assert.Equal(t, 7, due.OffsetDays)

	// Hourly reruns on the same day stay silent.
	res, err = h.Handle(ctx, DispatchRemindersCommand{Now: testNow.Add(time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, res.Dispatched)
	assert.Equal(t, 1, res.AlreadySent)
	assert.Len(t, bus.events, 1)
}

func TestDispatchReminders_CatchesUpYesterday(t *testing.T) {
	ctx := context.Background()
	goals := memory.NewGoalRepository()
	// Offsets 5 and 4 fall on Oct 13 and Oct 14.
	require.NoError(t, goals.Create(ctx, &reminder.Goal{
		ID: "g1", UserID: testUser, Title: "Oral",
		DueDate: time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC),
	}))

	bus := &recordingBus{}
	h := NewDispatchRemindersHandler(goals, memory.NewReminderLog(), bus, time.UTC, nil)

	res, err := h.Handle(ctx, DispatchRemindersCommand{Now: testNow})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dispatched)
}

func TestDispatchReminders_PublishFailureIsCounted(t *testing.T) {
	ctx := context.Background()
	goals := memory.NewGoalRepository()
	require.NoError(t, goals.Create(ctx, &reminder.Goal{
		ID: "g1", UserID: testUser, Title: "Examen",
		DueDate: time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC),
	}))

	bus := &recordingBus{err: errors.New("bus closed")}
	h := NewDispatchRemindersHandler(goals, memory.NewReminderLog(), bus, time.UTC, nil)

	res, err := h.Handle(ctx, DispatchRemindersCommand{Now: testNow})
	require.NoError(t, err)
	assert.Zero(t, res.Dispatched)
	assert.Positive(t, res.Errors)
}

// ══════════════════════════════════════════════════════════════════════════════
// CONNECT CALENDAR & CREATE GOAL
// ══════════════════════════════════════════════════════════════════════════════

func TestConnectCalendar_StoresFeedAndQueuesExplicitAnalysis(t *testing.T) {
	ctx := context.Background()
	conns := memory.NewCalendarConnections()
	q := newQueue()
	h := NewConnectCalendarHandler(conns, NewSubmitAnalysisHandler(q, nil, nil), nil)

	res, err := h.Handle(ctx, ConnectCalendarCommand{UserID: testUser, FeedURL: " https://example.org/cal.ics "})
	require.NoError(t, err)
	require.NotNil(t, res.Analysis)

	conn, err := conns.Get(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/cal.ics", conn.FeedURL)

	task, ok := q.Get(res.Analysis.TaskID)
	require.True(t, ok)
	assert.True(t, task.Explicit)
}

func TestConnectCalendar_AutoTriggerOffQueuesNothing(t *testing.T) {
	ctx := context.Background()
	conns := memory.NewCalendarConnections()
	q := newQueue()
	var asked []string
	gate := func(userID string) bool {
		asked = append(asked, userID)
		return false
	}
	h := NewConnectCalendarHandler(conns, NewSubmitAnalysisHandler(q, gate, nil), nil)

	res, err := h.Handle(ctx, ConnectCalendarCommand{UserID: testUser, FeedURL: "https://example.org/cal.ics"})
	require.NoError(t, err)
	assert.Nil(t, res.Analysis)
	assert.Equal(t, []string{testUser}, asked)

	_, err = conns.Get(ctx, testUser)
	require.NoError(t, err, "the connection is kept even when no analysis is queued")

	leased, err := q.Lease(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestConnectCalendar_RejectsBadURL(t *testing.T) {
	h := NewConnectCalendarHandler(memory.NewCalendarConnections(), nil, nil)
	for _, u := range []string{"", "not a url", "ftp://example.org/cal.ics"} {
		_, err := h.Handle(context.Background(), ConnectCalendarCommand{UserID: testUser, FeedURL: u})
		assert.True(t, shared.IsValidation(err), u)
	}
}

func TestCreateGoal(t *testing.T) {
	ctx := context.Background()
	goals := memory.NewGoalRepository()
	h := NewCreateGoalHandler(goals)

	g, err := h.Handle(ctx, CreateGoalCommand{UserID: testUser, Title: " Partiel ", DueDate: "2026-11-02"})
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, "Partiel", g.Title)

	_, err = h.Handle(ctx, CreateGoalCommand{UserID: testUser, Title: "x", DueDate: "02/11/2026"})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(ctx, CreateGoalCommand{UserID: testUser, Title: "  ", DueDate: "2026-11-02"})
	assert.True(t, shared.IsValidation(err))
}
