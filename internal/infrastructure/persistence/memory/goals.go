package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studyquest/study-companion/internal/domain/calendar"
	"github.com/studyquest/study-companion/internal/domain/reminder"
	"github.com/studyquest/study-companion/internal/domain/shared"
)

// GoalRepository implements reminder.GoalRepository.
type GoalRepository struct {
	mu    sync.RWMutex
	goals map[string]*reminder.Goal
}

// NewGoalRepository creates an empty repository.
func NewGoalRepository() *GoalRepository {
	return &GoalRepository{goals: make(map[string]*reminder.Goal)}
}

// Create saves a goal. An empty ID is generated.
func (r *GoalRepository) Create(_ context.Context, goal *reminder.Goal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if goal.ID == "" {
		goal.ID = uuid.NewString()
	}
	if _, ok := r.goals[goal.ID]; ok {
		return shared.ErrAlreadyExists
	}
	if goal.CreatedAt.IsZero() {
		goal.CreatedAt = time.Now().UTC()
	}
	c := *goal
	r.goals[goal.ID] = &c
	return nil
}

// ListUpcoming returns goals whose due day lies in [from, to].
func (r *GoalRepository) ListUpcoming(_ context.Context, from, to time.Time) ([]*reminder.Goal, error) {
	return r.list(func(g *reminder.Goal) bool {
		return !dateOf(g.DueDate).Before(dateOf(from)) && !dateOf(g.DueDate).After(dateOf(to))
	}), nil
}

// ListByUser returns the user's goals due on or after from.
func (r *GoalRepository) ListByUser(_ context.Context, userID string, from time.Time) ([]*reminder.Goal, error) {
	return r.list(func(g *reminder.Goal) bool {
		return g.UserID == userID && !dateOf(g.DueDate).Before(dateOf(from))
	}), nil
}

func (r *GoalRepository) list(keep func(*reminder.Goal) bool) []*reminder.Goal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*reminder.Goal
	for _, g := range r.goals {
		if keep(g) {
			c := *g
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// dateOf truncates to the calendar date, like a SQL DATE column.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ReminderLog implements reminder.SentLog.
type ReminderLog struct {
	mu   sync.Mutex
	sent map[reminderKey]time.Time
}

type reminderKey struct {
	goalID string
	offset int
}

// NewReminderLog creates an empty log.
func NewReminderLog() *ReminderLog {
	return &ReminderLog{sent: make(map[reminderKey]time.Time)}
}

// MarkSent records the dispatch; false means it was already recorded.
func (l *ReminderLog) MarkSent(_ context.Context, goalID string, offsetDays int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := reminderKey{goalID: goalID, offset: offsetDays}
	if _, ok := l.sent[k]; ok {
		return false, nil
	}
	l.sent[k] = time.Now()
	return true, nil
}

// CalendarConnections implements calendar.ConnectionRepository.
type CalendarConnections struct {
	mu    sync.RWMutex
	conns map[string]calendar.Connection
}

// NewCalendarConnections creates an empty repository.
func NewCalendarConnections() *CalendarConnections {
	return &CalendarConnections{conns: make(map[string]calendar.Connection)}
}

// Get returns shared.ErrCalendarNotConnected for unknown users.
func (c *CalendarConnections) Get(_ context.Context, userID string) (*calendar.Connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conn, ok := c.conns[userID]
	if !ok {
		return nil, shared.ErrCalendarNotConnected
	}
	return &conn, nil
}

// Upsert creates or replaces the connection.
func (c *CalendarConnections) Upsert(_ context.Context, conn *calendar.Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	saved := *conn
	if saved.ConnectedAt.IsZero() {
		saved.ConnectedAt = time.Now().UTC()
	}
	c.conns[conn.UserID] = saved
	return nil
}
