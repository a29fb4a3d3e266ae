package query

import (
	"context"
	"time"

	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROGRESS QUERY
// Текущие очки, уровень и статус ретроактивного анализа пользователя.
// ══════════════════════════════════════════════════════════════════════════════

// GetProgressQuery содержит параметры запроса.
type GetProgressQuery struct {
	UserID string
}

// ProgressDTO - прогресс пользователя.
type ProgressDTO struct {
	UserID           string                     `json:"user_id"`
	TotalPoints      int                        `json:"total_points"`
	PointsByCategory map[string]int             `json:"points_by_category"`
	EventCount       int                        `json:"event_count"`
	Level            progression.LevelInfo      `json:"level"`
	RetroactiveDone  bool                       `json:"retroactive_done"`
	AnalysisStatus   progression.AnalysisStatus `json:"analysis_status"`
	BlockedReason    string                     `json:"blocked_reason,omitempty"`
	CompletedAt      *time.Time                 `json:"completed_at,omitempty"`
}

// GetProgressHandler обрабатывает запросы прогресса.
type GetProgressHandler struct {
	reader progression.Reader
	ladder *progression.Ladder
}

// NewGetProgressHandler создаёт новый обработчик.
func NewGetProgressHandler(reader progression.Reader, ladder *progression.Ladder) *GetProgressHandler {
	if ladder == nil {
		ladder = progression.DefaultLadder()
	}
	return &GetProgressHandler{reader: reader, ladder: ladder}
}

// Handle возвращает прогресс. Пользователь без сохранённого состояния
// получает нулевой прогресс со статусом pending.
func (h *GetProgressHandler) Handle(ctx context.Context, q GetProgressQuery) (*ProgressDTO, error) {
	if err := shared.ValidateUserID("query", "GetProgress", q.UserID); err != nil {
		return nil, err
	}

	state, err := h.reader.Get(ctx, q.UserID)
	if err != nil {
		if !shared.IsNotFound(err) {
			return nil, err
		}
		state = progression.NewState(q.UserID, time.Now().UTC())
	}

	byCategory := state.PointsByCategory
	if byCategory == nil {
		byCategory = map[string]int{}
	}
	return &ProgressDTO{
		UserID:           state.UserID,
		TotalPoints:      state.TotalPoints,
		PointsByCategory: byCategory,
		EventCount:       state.EventCount,
		Level:            h.ladder.LevelFor(state.TotalPoints),
		RetroactiveDone:  state.RetroactiveDone,
		AnalysisStatus:   state.Status,
		BlockedReason:    state.BlockedReason,
		CompletedAt:      state.CompletedAt,
	}, nil
}
