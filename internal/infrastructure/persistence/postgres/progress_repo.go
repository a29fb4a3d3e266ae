package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ProgressRepository implements progression.Store for PostgreSQL.
type ProgressRepository struct {
	conn *Connection
}

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(conn *Connection) *ProgressRepository {
	return &ProgressRepository{conn: conn}
}

const progressColumns = `
	user_id, total_points, points_by_category, event_count, retroactive_done,
	analysis_status, blocked_reason, completed_at, created_at, updated_at
`

// GetOrCreate returns the user's state, inserting an empty row if absent.
func (r *ProgressRepository) GetOrCreate(ctx context.Context, userID string) (*progression.State, error) {
	insert := `
		INSERT INTO progress_states (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := r.conn.Exec(ctx, insert, userID); err != nil {
		return nil, shared.WrapError("progression", "GetOrCreate", shared.ErrPersistence, "failed to create progress state", err)
	}

	state, err := r.Get(ctx, userID)
	if err != nil {
		if shared.IsNotFound(err) {
			return nil, shared.WrapError("progression", "GetOrCreate", shared.ErrPersistence, "progress state vanished after insert", err)
		}
		return nil, err
	}
	return state, nil
}

// Get returns the user's state without creating it.
func (r *ProgressRepository) Get(ctx context.Context, userID string) (*progression.State, error) {
	query := `SELECT ` + progressColumns + ` FROM progress_states WHERE user_id = $1`

	state, err := scanProgress(r.conn.QueryRow(ctx, query, userID))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrProgressNotFound
		}
		return nil, shared.WrapError("progression", "Get", shared.ErrPersistence, "failed to load progress state", err)
	}
	return state, nil
}

// ClaimAndScore marks the analysis done and awards the totals in one
// statement. Only the caller that flips retroactive_done gets a row back,
// carrying the totals as written.
func (r *ProgressRepository) ClaimAndScore(ctx context.Context, userID string, totals progression.Totals) (progression.Claim, error) {
	byCategory, err := json.Marshal(totals.PointsByCategory())
	if err != nil {
		return progression.Claim{}, fmt.Errorf("failed to marshal category points: %w", err)
	}

	query := `
		INSERT INTO progress_states (
			user_id, total_points, points_by_category, event_count,
			retroactive_done, analysis_status, blocked_reason, completed_at
		) VALUES ($1, $2, $3, $4, TRUE, 'completed', '', NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			total_points = progress_states.total_points + EXCLUDED.total_points,
			points_by_category = progress_states.points_by_category || EXCLUDED.points_by_category,
			event_count = EXCLUDED.event_count,
			retroactive_done = TRUE,
			analysis_status = 'completed',
			blocked_reason = '',
			completed_at = EXCLUDED.completed_at
		WHERE progress_states.retroactive_done = FALSE
		RETURNING total_points, points_by_category
	`

	var (
		claim      = progression.Claim{Claimed: true}
		categories []byte
	)
	err = r.conn.QueryRow(ctx, query, userID, totals.TotalPoints, byCategory, totals.EventCount).
		Scan(&claim.TotalPoints, &categories)
	if err != nil {
		if IsNoRows(err) {
			return progression.Claim{}, nil
		}
		return progression.Claim{}, shared.WrapError("progression", "ClaimAndScore", shared.ErrPersistence, "failed to persist analysis result", err)
	}
	if err := json.Unmarshal(categories, &claim.PointsByCategory); err != nil {
		return progression.Claim{}, shared.WrapError("progression", "ClaimAndScore", shared.ErrPersistence, "stored category points are unreadable", err)
	}
	return claim, nil
}

// MarkBlocked records that the user has to reconnect before analysis can run.
func (r *ProgressRepository) MarkBlocked(ctx context.Context, userID, reason string) error {
	query := `
		INSERT INTO progress_states (user_id, analysis_status, blocked_reason)
		VALUES ($1, 'blocked_needs_reconnect', $2)
		ON CONFLICT (user_id) DO UPDATE SET
			analysis_status = 'blocked_needs_reconnect',
			blocked_reason = EXCLUDED.blocked_reason
		WHERE progress_states.retroactive_done = FALSE
	`
	if _, err := r.conn.Exec(ctx, query, userID, reason); err != nil {
		return shared.WrapError("progression", "MarkBlocked", shared.ErrPersistence, "failed to mark analysis blocked", err)
	}
	return nil
}

// ClearBlocked returns a blocked user to pending.
func (r *ProgressRepository) ClearBlocked(ctx context.Context, userID string) error {
	query := `
		UPDATE progress_states
		SET analysis_status = 'pending', blocked_reason = ''
		WHERE user_id = $1 AND analysis_status = 'blocked_needs_reconnect'
	`
	if _, err := r.conn.Exec(ctx, query, userID); err != nil {
		return shared.WrapError("progression", "ClearBlocked", shared.ErrPersistence, "failed to clear blocked state", err)
	}
	return nil
}

// ListBlocked returns users waiting for a calendar reconnection.
func (r *ProgressRepository) ListBlocked(ctx context.Context, limit int) ([]*progression.State, error) {
	query := `SELECT ` + progressColumns + `
		FROM progress_states
		WHERE analysis_status = 'blocked_needs_reconnect'
		ORDER BY updated_at
		LIMIT $1`

	rows, err := r.conn.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocked users: %w", err)
	}
	defer rows.Close()

	var out []*progression.State
	for rows.Next() {
		s, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress state: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanProgress(row pgx.Row) (*progression.State, error) {
	var (
		s          progression.State
		byCategory []byte
		status     string
		completed  *time.Time
	)
	err := row.Scan(
		&s.UserID,
		&s.TotalPoints,
		&byCategory,
		&s.EventCount,
		&s.RetroactiveDone,
		&status,
		&s.BlockedReason,
		&completed,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status = progression.AnalysisStatus(status)
	s.CompletedAt = completed
	s.PointsByCategory = map[string]int{}
	if len(byCategory) > 0 {
		if err := json.Unmarshal(byCategory, &s.PointsByCategory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal category points: %w", err)
		}
	}
	return &s, nil
}
