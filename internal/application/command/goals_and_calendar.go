package command

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/studyquest/study-companion/internal/domain/calendar"
	"github.com/studyquest/study-companion/internal/domain/reminder"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/pkg/logger"
	"github.com/studyquest/study-companion/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONNECT CALENDAR COMMAND
// Stores the user's ICS feed and queues the retroactive analysis.
// ══════════════════════════════════════════════════════════════════════════════

// ConnectCalendarCommand contains the feed to connect.
type ConnectCalendarCommand struct {
	UserID  string
	FeedURL string
}

// Validate validates the command.
func (c ConnectCalendarCommand) Validate() error {
	if err := shared.ValidateUserID("command", "ConnectCalendar", c.UserID); err != nil {
		return err
	}
	u, err := url.Parse(strings.TrimSpace(c.FeedURL))
	if err != nil || u.Host == "" {
		return shared.NewDomainError("command", "ConnectCalendar", shared.ErrInvalidInput, "feed url is invalid")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "webcal":
	default:
		return shared.NewDomainError("command", "ConnectCalendar", shared.ErrInvalidInput, "feed url must be http(s) or webcal")
	}
	return nil
}

// ConnectCalendarResult describes the connection.
type ConnectCalendarResult struct {
	UserID      string                `json:"user_id"`
	ConnectedAt time.Time             `json:"connected_at"`
	Analysis    *SubmitAnalysisResult `json:"analysis,omitempty"`
}

// ConnectCalendarHandler handles ConnectCalendarCommand.
type ConnectCalendarHandler struct {
	conns  calendar.ConnectionRepository
	submit *SubmitAnalysisHandler
	logger *logger.Logger
}

// NewConnectCalendarHandler creates a new handler. submit may be nil.
func NewConnectCalendarHandler(conns calendar.ConnectionRepository, submit *SubmitAnalysisHandler, log *logger.Logger) *ConnectCalendarHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &ConnectCalendarHandler{conns: conns, submit: submit, logger: log.With(logger.Component("connect_calendar"))}
}

// Handle saves the connection and queues an analysis when the auto-trigger
// allows it. Reconnecting is a user action, so the queued run may clear a
// blocked state.
func (h *ConnectCalendarHandler) Handle(ctx context.Context, cmd ConnectCalendarCommand) (*ConnectCalendarResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	conn := &calendar.Connection{
		UserID:      cmd.UserID,
		FeedURL:     strings.TrimSpace(cmd.FeedURL),
		ConnectedAt: time.Now().UTC(),
	}
	if err := h.conns.Upsert(ctx, conn); err != nil {
		return nil, err
	}

	res := &ConnectCalendarResult{UserID: cmd.UserID, ConnectedAt: conn.ConnectedAt}
	if h.submit != nil {
		analysis, err := h.submit.Handle(ctx, SubmitAnalysisCommand{UserID: cmd.UserID, Explicit: true, Automatic: true})
		switch {
		case errors.Is(err, ErrAutoTriggerDisabled):
			h.logger.Debug("analysis not queued, auto-trigger is off", logger.UserID(cmd.UserID))
		case err != nil:
			// The connection is saved; the analysis can be requested later.
			h.logger.Warn("failed to queue analysis after connect", logger.UserID(cmd.UserID), logger.Err(err))
		default:
			res.Analysis = analysis
		}
	}
	return res, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CREATE GOAL COMMAND
// ══════════════════════════════════════════════════════════════════════════════

// CreateGoalCommand contains a dated goal.
type CreateGoalCommand struct {
	UserID string
	Title  string
	// DueDate in YYYY-MM-DD.
	DueDate string
}

// CreateGoalHandler handles CreateGoalCommand.
type CreateGoalHandler struct {
	goals reminder.GoalRepository
}

// NewCreateGoalHandler creates a new handler.
func NewCreateGoalHandler(goals reminder.GoalRepository) *CreateGoalHandler {
	return &CreateGoalHandler{goals: goals}
}

// Handle validates and stores the goal.
func (h *CreateGoalHandler) Handle(ctx context.Context, cmd CreateGoalCommand) (*reminder.Goal, error) {
	if err := shared.ValidateUserID("command", "CreateGoal", cmd.UserID); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(cmd.Title)
	if title == "" || len(title) > 200 {
		return nil, shared.NewDomainError("command", "CreateGoal", shared.ErrInvalidInput, "title must be 1-200 characters")
	}
	due, err := timeutil.ParseDate(cmd.DueDate)
	if err != nil {
		return nil, shared.WrapError("command", "CreateGoal", shared.ErrInvalidInput, "due date must be YYYY-MM-DD", err)
	}

	goal := &reminder.Goal{
		UserID:  cmd.UserID,
		Title:   title,
		DueDate: due,
	}
	if err := h.goals.Create(ctx, goal); err != nil {
		return nil, err
	}
	return goal, nil
}
