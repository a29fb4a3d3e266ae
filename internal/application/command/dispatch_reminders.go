package command

import (
	"context"
	"time"

	"github.com/studyquest/study-companion/internal/domain/reminder"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/internal/infrastructure/metrics"
	"github.com/studyquest/study-companion/pkg/logger"
	"github.com/studyquest/study-companion/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCH REMINDERS COMMAND
// Publishes reminder.due for every active (goal, offset) not sent yet.
// The sent log claim makes each reminder go out at most once.
// ══════════════════════════════════════════════════════════════════════════════

// DispatchRemindersCommand contains the dispatch parameters.
type DispatchRemindersCommand struct {
	// Now - zero means the current time.
	Now time.Time
}

// DispatchRemindersResult summarizes a dispatch.
type DispatchRemindersResult struct {
	GoalsScanned int
	Dispatched   int
	AlreadySent  int
	Errors       int
}

// DispatchRemindersHandler handles DispatchRemindersCommand.
type DispatchRemindersHandler struct {
	goals    reminder.GoalRepository
	sent     reminder.SentLog
	eventBus shared.EventPublisher
	loc      *time.Location
	logger   *logger.Logger
}

// NewDispatchRemindersHandler creates a new handler.
func NewDispatchRemindersHandler(
	goals reminder.GoalRepository,
	sent reminder.SentLog,
	eventBus shared.EventPublisher,
	loc *time.Location,
	log *logger.Logger,
) *DispatchRemindersHandler {
	if loc == nil {
		loc = timeutil.Location()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DispatchRemindersHandler{
		goals:    goals,
		sent:     sent,
		eventBus: eventBus,
		loc:      loc,
		logger:   log.With(logger.Component("reminders")),
	}
}

// Handle dispatches due reminders. A failure on one goal does not stop
// the others; claimed reminders are never re-sent.
func (h *DispatchRemindersHandler) Handle(ctx context.Context, cmd DispatchRemindersCommand) (*DispatchRemindersResult, error) {
	now := cmd.Now
	if now.IsZero() {
		now = time.Now()
	}
	today := timeutil.StartOfDay(now.In(h.loc))

	// Largest offset is 14 days; yesterday's windows are still active.
	maxOffset := reminder.Offsets[0]
	goals, err := h.goals.ListUpcoming(ctx, today.AddDate(0, 0, -1), today.AddDate(0, 0, maxOffset+1))
	if err != nil {
		return nil, err
	}

	res := &DispatchRemindersResult{GoalsScanned: len(goals)}
	for _, g := range goals {
		for _, w := range reminder.ActiveReminders(g.DueDate, today, h.loc) {
			if err := ctx.Err(); err != nil {
				return res, err
			}

			claimed, err := h.sent.MarkSent(ctx, g.ID, w.OffsetDays)
			if err != nil {
				res.Errors++
				h.logger.Error("failed to claim reminder", logger.GoalID(g.ID), logger.Int("offset_days", w.OffsetDays), logger.Err(err))
				continue
			}
			if !claimed {
				res.AlreadySent++
				continue
			}

			if h.eventBus != nil {
				if err := h.eventBus.Publish(shared.NewReminderDueEvent(g.UserID, g.ID, g.Title, w.OffsetDays, g.DueDate)); err != nil {
					res.Errors++
					h.logger.Error("failed to publish reminder", logger.GoalID(g.ID), logger.Err(err))
					continue
				}
			}
			res.Dispatched++
			metrics.RemindersDispatched.Inc()
		}
	}

	if res.Dispatched > 0 || res.Errors > 0 {
		h.logger.Info("reminders dispatched",
			logger.Int("goals", res.GoalsScanned),
			logger.Int("dispatched", res.Dispatched),
			logger.Int("already_sent", res.AlreadySent),
			logger.Int("errors", res.Errors),
		)
	}
	return res, nil
}
