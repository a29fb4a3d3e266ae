package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/studyquest/study-companion/internal/domain/reminder"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GOAL REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// GoalRepository implements reminder.GoalRepository for PostgreSQL.
type GoalRepository struct {
	conn *Connection
}

// NewGoalRepository creates a new GoalRepository.
func NewGoalRepository(conn *Connection) *GoalRepository {
	return &GoalRepository{conn: conn}
}

// Create saves a new goal. An empty ID is generated.
func (r *GoalRepository) Create(ctx context.Context, goal *reminder.Goal) error {
	if goal.ID == "" {
		goal.ID = uuid.NewString()
	}
	if goal.CreatedAt.IsZero() {
		goal.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO goals (id, user_id, title, due_date, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.conn.Exec(ctx, query, goal.ID, goal.UserID, goal.Title, goal.DueDate, goal.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create goal: %w", err)
	}
	return nil
}

// ListUpcoming returns goals due in [from, to].
func (r *GoalRepository) ListUpcoming(ctx context.Context, from, to time.Time) ([]*reminder.Goal, error) {
	query := `
		SELECT id, user_id, title, due_date, created_at
		FROM goals
		WHERE due_date BETWEEN $1::date AND $2::date
		ORDER BY due_date, id
	`
	rows, err := r.conn.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query upcoming goals: %w", err)
	}
	return collectGoals(rows)
}

// ListByUser returns the user's goals due on or after from.
func (r *GoalRepository) ListByUser(ctx context.Context, userID string, from time.Time) ([]*reminder.Goal, error) {
	query := `
		SELECT id, user_id, title, due_date, created_at
		FROM goals
		WHERE user_id = $1 AND due_date >= $2::date
		ORDER BY due_date, id
	`
	rows, err := r.conn.Query(ctx, query, userID, from)
	if err != nil {
		return nil, fmt.Errorf("failed to query user goals: %w", err)
	}
	return collectGoals(rows)
}

func collectGoals(rows pgx.Rows) ([]*reminder.Goal, error) {
	defer rows.Close()

	var goals []*reminder.Goal
	for rows.Next() {
		var g reminder.Goal
		if err := rows.Scan(&g.ID, &g.UserID, &g.Title, &g.DueDate, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		// DATE comes back as UTC midnight; re-anchor it in the app zone.
		g.DueDate = time.Date(g.DueDate.Year(), g.DueDate.Month(), g.DueDate.Day(), 0, 0, 0, 0, timeutil.Location())
		goals = append(goals, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating goals: %w", err)
	}
	return goals, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REMINDER LOG
// ══════════════════════════════════════════════════════════════════════════════

// ReminderLog implements reminder.SentLog for PostgreSQL.
type ReminderLog struct {
	conn *Connection
}

// NewReminderLog creates a new ReminderLog.
func NewReminderLog(conn *Connection) *ReminderLog {
	return &ReminderLog{conn: conn}
}

// MarkSent claims (goalID, offsetDays). Only the first caller gets true.
func (r *ReminderLog) MarkSent(ctx context.Context, goalID string, offsetDays int) (bool, error) {
	query := `
		INSERT INTO reminder_log (goal_id, offset_days)
		VALUES ($1, $2)
		ON CONFLICT (goal_id, offset_days) DO NOTHING
	`
	tag, err := r.conn.Exec(ctx, query, goalID, offsetDays)
	if err != nil {
		return false, shared.WrapError("reminder", "MarkSent", shared.ErrPersistence, "failed to record reminder", err)
	}
	return tag.RowsAffected() == 1, nil
}
