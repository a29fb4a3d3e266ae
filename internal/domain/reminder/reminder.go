// Package reminder рассчитывает напоминания о целях с фиксированными
// отступами до даты цели.
package reminder

import (
	"context"
	"time"

	"github.com/studyquest/study-companion/pkg/timeutil"
)

// Offsets - отступы в днях до даты цели, от дальнего к ближнему.
var Offsets = []int{14, 7, 5, 4, 3, 2, 1, 0}

// Window - одно напоминание для цели.
type Window struct {
	OffsetDays int       `json:"offset_days"`
	Date       time.Time `json:"date"`
	IsDue      bool      `json:"is_due"`
}

// ActiveReminders возвращает напоминания, дата которых - сегодня или вчера.
// «Вчера» подхватывает напоминание, пропущенное из-за простоя планировщика.
// Сравнение идёт по календарным дням в зоне loc.
func ActiveReminders(goalDate, today time.Time, loc *time.Location) []Window {
	if loc == nil {
		loc = timeutil.Location()
	}
	goalDay := timeutil.StartOfDay(goalDate.In(loc))

	var out []Window
	for _, offset := range Offsets {
		date := time.Date(goalDay.Year(), goalDay.Month(), goalDay.Day()-offset, 0, 0, 0, 0, loc)
		diff := timeutil.DaysBetween(date, today, loc)
		if diff == 0 || diff == 1 {
			out = append(out, Window{OffsetDays: offset, Date: date, IsDue: true})
		}
	}
	return out
}

// Goal - цель пользователя с датой (экзамен, сдача проекта).
type Goal struct {
	ID        string
	UserID    string
	Title     string
	DueDate   time.Time
	CreatedAt time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// ══════════════════════════════════════════════════════════════════════════════

// GoalRepository - хранилище целей.
type GoalRepository interface {
	// ListUpcoming возвращает цели с датой в [from, to].
	ListUpcoming(ctx context.Context, from, to time.Time) ([]*Goal, error)

	// ListByUser возвращает цели пользователя с датой не раньше from.
	ListByUser(ctx context.Context, userID string, from time.Time) ([]*Goal, error)

	// Create сохраняет новую цель.
	Create(ctx context.Context, goal *Goal) error
}

// SentLog - журнал отправленных напоминаний с ключом (goalID, offsetDays).
type SentLog interface {
	// MarkSent атомарно записывает отправку. Возвращает false, если
	// запись уже существовала: напоминание отправлять не нужно.
	MarkSent(ctx context.Context, goalID string, offsetDays int) (bool, error)
}
