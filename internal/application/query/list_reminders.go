package query

import (
	"context"
	"time"

	"github.com/studyquest/study-companion/internal/domain/reminder"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// LIST REMINDERS QUERY
// Цели пользователя и напоминания, активные сегодня.
// ══════════════════════════════════════════════════════════════════════════════

// ListRemindersQuery содержит параметры запроса.
type ListRemindersQuery struct {
	UserID string

	// Today - нулевое значение означает текущий день.
	Today time.Time
}

// GoalRemindersDTO - цель и её напоминания.
type GoalRemindersDTO struct {
	GoalID   string            `json:"goal_id"`
	Title    string            `json:"title"`
	DueDate  string            `json:"due_date"`
	DaysLeft int               `json:"days_left"`
	Active   []reminder.Window `json:"active"`
}

// ListRemindersHandler обрабатывает запросы напоминаний.
type ListRemindersHandler struct {
	goals reminder.GoalRepository
	loc   *time.Location
}

// NewListRemindersHandler создаёт новый обработчик.
func NewListRemindersHandler(goals reminder.GoalRepository, loc *time.Location) *ListRemindersHandler {
	if loc == nil {
		loc = timeutil.Location()
	}
	return &ListRemindersHandler{goals: goals, loc: loc}
}

// Handle возвращает цели, срок которых не раньше вчерашнего дня.
func (h *ListRemindersHandler) Handle(ctx context.Context, q ListRemindersQuery) ([]GoalRemindersDTO, error) {
	if err := shared.ValidateUserID("query", "ListReminders", q.UserID); err != nil {
		return nil, err
	}
	today := q.Today
	if today.IsZero() {
		today = time.Now()
	}
	today = timeutil.StartOfDay(today.In(h.loc))

	// Yesterday's offset-0 reminder is still active today.
	goals, err := h.goals.ListByUser(ctx, q.UserID, today.AddDate(0, 0, -1))
	if err != nil {
		return nil, err
	}

	out := make([]GoalRemindersDTO, 0, len(goals))
	for _, g := range goals {
		active := reminder.ActiveReminders(g.DueDate, today, h.loc)
		if active == nil {
			active = []reminder.Window{}
		}
		out = append(out, GoalRemindersDTO{
			GoalID:   g.ID,
			Title:    g.Title,
			DueDate:  g.DueDate.Format(timeutil.FormatDate),
			DaysLeft: timeutil.DaysBetween(today, g.DueDate, h.loc),
			Active:   active,
		})
	}
	return out, nil
}
