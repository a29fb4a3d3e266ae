package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/study-companion/internal/application/command"
	"github.com/studyquest/study-companion/internal/application/query"
	"github.com/studyquest/study-companion/internal/application/saga"
	"github.com/studyquest/study-companion/internal/domain/calendar"
	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/internal/infrastructure/persistence/memory"
	"github.com/studyquest/study-companion/internal/interface/http/handlers"
)

var paris, _ = time.LoadLocation("Europe/Paris")

const (
	testUser  = "6f1c2b9e-8d4a-4c1e-9b7a-2f5d3e8c1a00"
	otherUser = "0b7e4c1d-3a2f-4e9b-8c6d-5f1a2b3c4d5e"
)

type stubRunner struct {
	result *saga.RetroactiveAnalysisResult
	err    error
	input  saga.RetroactiveAnalysisInput
}

func (s *stubRunner) Execute(_ context.Context, in saga.RetroactiveAnalysisInput) (*saga.RetroactiveAnalysisResult, error) {
	s.input = in
	return s.result, s.err
}

type stubBusy struct {
	intervals []calendar.BusyInterval
	err       error
}

func (s stubBusy) QueryBusy(context.Context, string, time.Time, time.Time) ([]calendar.BusyInterval, error) {
	return s.intervals, s.err
}

type fixture struct {
	server   *Server
	runner   *stubRunner
	progress *memory.ProgressStore
	queue    *memory.TaskQueue
	goals    *memory.GoalRepository
	conns    *memory.CalendarConnections
}

func newFixture(t *testing.T, busy calendar.BusySource) *fixture {
	t.Helper()

	f := &fixture{
		runner:   &stubRunner{},
		progress: memory.NewProgressStore(),
		queue:    memory.NewTaskQueue(),
		goals:    memory.NewGoalRepository(),
		conns:    memory.NewCalendarConnections(),
	}
	if busy == nil {
		busy = stubBusy{}
	}

	defaults := query.DefaultSlotDefaults()
	defaults.Location = paris
	// Monday 14 October 2024, before opening.
	now := time.Date(2024, 10, 14, 8, 10, 0, 0, paris)

	submit := command.NewSubmitAnalysisHandler(f.queue, nil, nil)
	cfg := DefaultConfig()
	cfg.RateLimitRPS = 0

	health := handlers.NewCompositeHealthChecker("test")
	f.server = NewServer(cfg, Dependencies{
		Analysis:        f.runner,
		SubmitAnalysis:  submit,
		ConnectCalendar: command.NewConnectCalendarHandler(f.conns, submit, nil),
		CreateGoal:      command.NewCreateGoalHandler(f.goals),
		GetProgress:     query.NewGetProgressHandler(f.progress, progression.DefaultLadder()),
		FindFreeSlots:   query.NewFindFreeSlotsHandler(busy, defaults, nil).WithClock(func() time.Time { return now }),
		ListReminders:   query.NewListRemindersHandler(f.goals, paris),
		HealthChecker:   health,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, JSONResponse) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var resp JSONResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, nil)

	rec, resp := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, rec.Header().Get(handlers.RequestIDHeader))

	rec, _ = f.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReady_FailsOnRequiredCheck(t *testing.T) {
	health := handlers.NewCompositeHealthChecker("test")
	health.AddCheck("database", func(context.Context) error { return errors.New("down") })
	health.AddOptionalCheck("redis", func(context.Context) error { return errors.New("down") })

	s := NewServer(DefaultConfig(), Dependencies{HealthChecker: health})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	status := health.Check(context.Background())
	assert.False(t, status.Ready)
	assert.Equal(t, "Some checks failed: database, redis", status.Message)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/api/v1/users/"+testUser+"/progress", "")

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/api/v1/users/{userID}/progress"`)
}

func TestRunAnalysis(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.result = &saga.RetroactiveAnalysisResult{UserID: testUser, TotalPoints: 120, EventCount: 8}

	rec, resp := f.do(t, http.MethodPost, "/api/v1/users/"+testUser+"/analysis", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.runner.input.Explicit)
	assert.Equal(t, testUser, f.runner.input.UserID)

	data := resp.Data.(map[string]interface{})
	assert.EqualValues(t, 120, data["total_points"])
}

func TestRunAnalysis_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{
			name: "blocked wins over authorization",
			err:  shared.WrapError("progression", "Analyze", shared.ErrAnalysisBlocked, "needs reconnect", shared.ErrCalendarAccessDenied),
			want: http.StatusConflict,
			code: "analysis_blocked",
		},
		{"authorization", shared.ErrClassifierAccessDenied, http.StatusForbidden, "reconnect_required"},
		{"validation", shared.NewDomainError("saga", "Validate", shared.ErrInvalidID, "user id is required"), http.StatusBadRequest, "validation_error"},
		{"upstream", shared.ErrCalendarUnavailable, http.StatusBadGateway, "upstream_error"},
		{"persistence", shared.ErrProgressSave, http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.runner.err = tt.err

			rec, resp := f.do(t, http.MethodPost, "/api/v1/users/"+testUser+"/analysis", "")
			assert.Equal(t, tt.want, rec.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestMalformedUserID_IsBadRequest(t *testing.T) {
	f := newFixture(t, nil)

	requests := []struct{ method, target, body string }{
		{http.MethodPost, "/api/v1/users/abc/analysis/tasks", ""},
		{http.MethodGet, "/api/v1/users/abc/progress", ""},
		{http.MethodGet, "/api/v1/users/abc/free-slots?duration=30", ""},
		{http.MethodGet, "/api/v1/users/abc/reminders", ""},
		{http.MethodPut, "/api/v1/users/abc/calendar", `{"feed_url":"https://example.org/abc.ics"}`},
		{http.MethodPost, "/api/v1/users/abc/goals", `{"title":"Partiel","due_date":"2026-12-01"}`},
	}
	for _, r := range requests {
		rec, resp := f.do(t, r.method, r.target, r.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, r.target)
		require.NotNil(t, resp.Error, r.target)
		assert.Equal(t, "validation_error", resp.Error.Code, r.target)
	}
	leased, err := f.queue.Lease(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestUserID_IsCaseInsensitive(t *testing.T) {
	f := newFixture(t, nil)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/users/"+strings.ToUpper(testUser)+"/analysis/tasks", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	data := resp.Data.(map[string]interface{})
	task, ok := f.queue.Get(data["task_id"].(string))
	require.True(t, ok)
	assert.Equal(t, testUser, task.UserID)
}

func TestSubmitAnalysis_Accepted(t *testing.T) {
	f := newFixture(t, nil)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/users/"+testUser+"/analysis/tasks", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := resp.Data.(map[string]interface{})
	assert.Equal(t, true, first["created"])

	_, resp = f.do(t, http.MethodPost, "/api/v1/users/"+testUser+"/analysis/tasks?explicit=false", "")
	second := resp.Data.(map[string]interface{})
	assert.Equal(t, false, second["created"])
	assert.Equal(t, first["task_id"], second["task_id"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/users/"+testUser+"/analysis/tasks?explicit=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetProgress(t *testing.T) {
	f := newFixture(t, nil)

	rec, resp := f.do(t, http.MethodGet, "/api/v1/users/"+testUser+"/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.EqualValues(t, 0, data["total_points"])
	assert.Equal(t, "pending", data["analysis_status"])

	_, err := f.progress.ClaimAndScore(context.Background(), otherUser, progression.Totals{TotalPoints: 320, EventCount: 4})
	require.NoError(t, err)

	_, resp = f.do(t, http.MethodGet, "/api/v1/users/"+otherUser+"/progress", "")
	data = resp.Data.(map[string]interface{})
	assert.EqualValues(t, 320, data["total_points"])
	level := data["level"].(map[string]interface{})
	assert.Equal(t, "Régulier", level["name"])
}

func TestFindFreeSlots(t *testing.T) {
	f := newFixture(t, stubBusy{intervals: []calendar.BusyInterval{{
		Start: time.Date(2024, 10, 14, 9, 0, 0, 0, paris),
		End:   time.Date(2024, 10, 14, 10, 0, 0, 0, paris),
	}}})

	rec, resp := f.do(t, http.MethodGet, "/api/v1/users/"+testUser+"/free-slots?duration=30&max_slots=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]interface{})
	slots := data["slots"].([]interface{})
	require.Len(t, slots, 2)
	first := slots[0].(map[string]interface{})
	assert.Equal(t, "lun. 14 oct. · 10:00–10:30", first["label"])
}

func TestFindFreeSlots_BadRequests(t *testing.T) {
	f := newFixture(t, nil)

	for _, target := range []string{
		"/api/v1/users/"+testUser+"/free-slots",
		"/api/v1/users/"+testUser+"/free-slots?duration=abc",
		"/api/v1/users/"+testUser+"/free-slots?duration=0",
		"/api/v1/users/"+testUser+"/free-slots?duration=30&work_start=19&work_end=8",
		"/api/v1/users/"+testUser+"/free-slots?duration=30&start=tomorrow",
		"/api/v1/users/"+testUser+"/free-slots?duration=30&start=2024-10-20&end=2024-10-18",
	} {
		rec, _ := f.do(t, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestFindFreeSlots_FetchFailure(t *testing.T) {
	f := newFixture(t, stubBusy{err: shared.ErrCalendarUnavailable})

	rec, resp := f.do(t, http.MethodGet, "/api/v1/users/"+testUser+"/free-slots?duration=30", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "upstream_error", resp.Error.Code)
}

func TestConnectCalendar(t *testing.T) {
	f := newFixture(t, nil)

	rec, resp := f.do(t, http.MethodPut, "/api/v1/users/"+testUser+"/calendar", `{"feed_url":"https://example.org/u1.ics"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.NotNil(t, data["analysis"])

	conn, err := f.conns.Get(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/u1.ics", conn.FeedURL)

	rec, _ = f.do(t, http.MethodPut, "/api/v1/users/"+testUser+"/calendar", `{"feed_url":"ftp://x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPut, "/api/v1/users/"+testUser+"/calendar", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGoalsAndReminders(t *testing.T) {
	f := newFixture(t, nil)
	due := time.Now().In(paris).AddDate(0, 0, 7).Format("2006-01-02")

	rec, resp := f.do(t, http.MethodPost, "/api/v1/users/"+testUser+"/goals", `{"title":"Partiel","due_date":"`+due+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	goal := resp.Data.(map[string]interface{})
	assert.Equal(t, due, goal["due_date"])

	rec, resp = f.do(t, http.MethodGet, "/api/v1/users/"+testUser+"/reminders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := resp.Data.([]interface{})
	require.Len(t, list, 1)
	entry := list[0].(map[string]interface{})
	assert.Equal(t, "Partiel", entry["title"])

	_, resp = f.do(t, http.MethodGet, "/api/v1/users/"+otherUser+"/reminders", "")
	assert.Empty(t, resp.Data)
}

func TestRoutingErrors(t *testing.T) {
	f := newFixture(t, nil)

	rec, resp := f.do(t, http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", resp.Error.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/users/"+testUser+"/analysis", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/users/"+testUser+"/analysis", nil)
	req.Header.Set("Origin", "https://app.example.org")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 2
	s := NewServer(cfg, Dependencies{})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRecoverFromPanic(t *testing.T) {
	h := handlers.Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
