package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/studyquest/study-companion/internal/application/command"
	"github.com/studyquest/study-companion/internal/application/query"
	"github.com/studyquest/study-companion/internal/application/saga"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/internal/interface/http/handlers"
	"github.com/studyquest/study-companion/pkg/logger"
	"github.com/studyquest/study-companion/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker == nil {
		writeJSON(w, r, http.StatusOK, map[string]interface{}{
			"healthy": true,
			"uptime":  s.Uptime().Round(time.Second).String(),
			"version": s.config.Version,
		})
		return
	}

	status := s.deps.HealthChecker.Check(r.Context())
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, status)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker != nil {
		status := s.deps.HealthChecker.Check(r.Context())
		if !status.Ready {
			writeJSONError(w, http.StatusServiceUnavailable, "not_ready", status.Message)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// ══════════════════════════════════════════════════════════════════════════════
// ANALYSIS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRunAnalysis runs the analysis in the request. A user request is
// explicit, so it also retries after a reconnection.
func (s *Server) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analysis == nil {
		writeNotConfigured(w)
		return
	}

	result, err := s.deps.Analysis.Execute(r.Context(), saga.RetroactiveAnalysisInput{
		UserID:   userID(r),
		Explicit: true,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleSubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.deps.SubmitAnalysis == nil {
		writeNotConfigured(w)
		return
	}

	explicit, err := boolParam(r, "explicit", true)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	result, err := s.deps.SubmitAnalysis.Handle(r.Context(), command.SubmitAnalysisCommand{
		UserID:   userID(r),
		Explicit: explicit,
	})
	if err != nil {
		if errors.Is(err, command.ErrAutoTriggerDisabled) {
			writeJSONError(w, http.StatusConflict, "auto_trigger_disabled", err.Error())
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, result)
}

// ══════════════════════════════════════════════════════════════════════════════
// CALENDAR & GOAL HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

type connectCalendarRequest struct {
	FeedURL string `json:"feed_url"`
}

func (s *Server) handleConnectCalendar(w http.ResponseWriter, r *http.Request) {
	if s.deps.ConnectCalendar == nil {
		writeNotConfigured(w)
		return
	}

	var req connectCalendarRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	result, err := s.deps.ConnectCalendar.Handle(r.Context(), command.ConnectCalendarCommand{
		UserID:  userID(r),
		FeedURL: req.FeedURL,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

type createGoalRequest struct {
	Title   string `json:"title"`
	DueDate string `json:"due_date"`
}

type goalResponse struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	DueDate string `json:"due_date"`
}

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	if s.deps.CreateGoal == nil {
		writeNotConfigured(w)
		return
	}

	var req createGoalRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	goal, err := s.deps.CreateGoal.Handle(r.Context(), command.CreateGoalCommand{
		UserID:  userID(r),
		Title:   req.Title,
		DueDate: req.DueDate,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, goalResponse{
		ID:      goal.ID,
		Title:   goal.Title,
		DueDate: goal.DueDate.Format(timeutil.FormatDate),
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERY HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetProgress == nil {
		writeNotConfigured(w)
		return
	}

	progress, err := s.deps.GetProgress.Handle(r.Context(), query.GetProgressQuery{UserID: userID(r)})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, progress)
}

// handleFindFreeSlots accepts duration (minutes, required), start and end
// (RFC 3339 or YYYY-MM-DD; a bare end date includes that day), work_start,
// work_end, exclude_weekends and max_slots.
func (s *Server) handleFindFreeSlots(w http.ResponseWriter, r *http.Request) {
	if s.deps.FindFreeSlots == nil {
		writeNotConfigured(w)
		return
	}

	q, err := parseFreeSlotsQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	result, err := s.deps.FindFreeSlots.Handle(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

func parseFreeSlotsQuery(r *http.Request) (query.FindFreeSlotsQuery, error) {
	q := query.FindFreeSlotsQuery{UserID: userID(r)}

	raw := r.URL.Query().Get("duration")
	if raw == "" {
		return q, errors.New("duration is required")
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil {
		return q, fmt.Errorf("duration must be a number of minutes")
	}
	q.Duration = time.Duration(minutes) * time.Minute

	if q.Options.StartDate, err = timeParam(r, "start", false); err != nil {
		return q, err
	}
	if q.Options.EndDate, err = timeParam(r, "end", true); err != nil {
		return q, err
	}
	if q.Options.WorkingHoursStart, err = intPtrParam(r, "work_start"); err != nil {
		return q, err
	}
	if q.Options.WorkingHoursEnd, err = intPtrParam(r, "work_end"); err != nil {
		return q, err
	}
	if v := r.URL.Query().Get("exclude_weekends"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return q, fmt.Errorf("exclude_weekends must be a boolean")
		}
		q.Options.ExcludeWeekends = &b
	}
	maxSlots, err := intPtrParam(r, "max_slots")
	if err != nil {
		return q, err
	}
	if maxSlots != nil {
		q.Options.MaxSlots = *maxSlots
	}
	return q, nil
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	if s.deps.ListReminders == nil {
		writeNotConfigured(w)
		return
	}

	goals, err := s.deps.ListReminders.Handle(r.Context(), query.ListRemindersQuery{UserID: userID(r)})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if goals == nil {
		goals = []query.GoalRemindersDTO{}
	}
	writeJSON(w, r, http.StatusOK, goals)
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSES
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse is the envelope of every API response.
type JSONResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONResponse{
		Success:   status >= 200 && status < 300,
		Data:      data,
		RequestID: handlers.GetRequestID(r.Context()),
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeAPIError(w, status, &APIError{Code: code, Message: message})
}

func writeAPIError(w http.ResponseWriter, status int, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONResponse{Success: false, Error: apiErr})
}

func writeNotConfigured(w http.ResponseWriter) {
	writeJSONError(w, http.StatusNotImplemented, "not_configured", "This endpoint is not available")
}

// writeDomainError maps an error kind to a status. Blocked is checked
// before authorization: a blocked run wraps the calendar denial.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)

	apiErr := &APIError{Code: code, Message: publicMessage(err, status)}
	if status == http.StatusConflict {
		var de *shared.DomainError
		if errors.As(err, &de) && de.Err != nil {
			apiErr.Details = map[string]string{"reason": de.Err.Error()}
		}
	}

	log := logger.FromContext(r.Context())
	if status >= 500 {
		log.Error("request failed", logger.UserID(userID(r)), logger.Int("status", status), logger.Err(err))
	} else {
		log.Debug("request rejected", logger.UserID(userID(r)), logger.Int("status", status), logger.Err(err))
	}
	writeAPIError(w, status, apiErr)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrAnalysisBlocked):
		return http.StatusConflict, "analysis_blocked"
	case shared.IsValidation(err):
		return http.StatusBadRequest, "validation_error"
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case shared.IsAuthorization(err):
		return http.StatusForbidden, "reconnect_required"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, shared.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case shared.IsExternalService(err):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// publicMessage hides internal error text behind 5xx responses.
func publicMessage(err error, status int) string {
	if status >= 500 && status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		return "An unexpected error occurred"
	}
	var de *shared.DomainError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return err.Error()
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// userID returns the path user id in canonical lower case. Handlers leave
// format checks to the command or query they call.
func userID(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(mux.Vars(r)["userID"]))
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("malformed JSON: %w", err)
	}
	return nil
}

func boolParam(r *http.Request, key string, def bool) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}

func intPtrParam(r *http.Request, key string) (*int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	return &n, nil
}

// timeParam parses RFC 3339 or a date in the configured zone. endOfDay
// moves a bare date to the following midnight.
func timeParam(r *http.Request, key string, endOfDay bool) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := timeutil.ParseDate(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339 or YYYY-MM-DD", key)
	}
	if endOfDay {
		d = d.AddDate(0, 0, 1)
	}
	return d, nil
}
