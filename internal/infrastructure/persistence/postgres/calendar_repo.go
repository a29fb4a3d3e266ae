package postgres

import (
	"context"

	"github.com/studyquest/study-companion/internal/domain/calendar"
	"github.com/studyquest/study-companion/internal/domain/shared"
)

// CalendarConnectionRepository implements calendar.ConnectionRepository for PostgreSQL.
type CalendarConnectionRepository struct {
	conn *Connection
}

// NewCalendarConnectionRepository creates a new CalendarConnectionRepository.
func NewCalendarConnectionRepository(conn *Connection) *CalendarConnectionRepository {
	return &CalendarConnectionRepository{conn: conn}
}

// Get returns the user's calendar connection.
func (r *CalendarConnectionRepository) Get(ctx context.Context, userID string) (*calendar.Connection, error) {
	query := `
		SELECT user_id, feed_url, connected_at
		FROM calendar_connections
		WHERE user_id = $1
	`

	var c calendar.Connection
	err := r.conn.QueryRow(ctx, query, userID).Scan(&c.UserID, &c.FeedURL, &c.ConnectedAt)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrCalendarNotConnected
		}
		return nil, shared.WrapError("calendar", "Get", shared.ErrPersistence, "failed to load calendar connection", err)
	}
	return &c, nil
}

// Upsert creates or replaces the user's calendar connection.
func (r *CalendarConnectionRepository) Upsert(ctx context.Context, c *calendar.Connection) error {
	query := `
		INSERT INTO calendar_connections (user_id, feed_url, connected_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			feed_url = EXCLUDED.feed_url,
			connected_at = EXCLUDED.connected_at
	`
	if _, err := r.conn.Exec(ctx, query, c.UserID, c.FeedURL, c.ConnectedAt); err != nil {
		return shared.WrapError("calendar", "Upsert", shared.ErrPersistence, "failed to save calendar connection", err)
	}
	return nil
}
