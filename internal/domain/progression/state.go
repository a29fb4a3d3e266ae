package progression

import (
	"context"
	"time"
)

// AnalysisStatus - статус ретроактивного анализа пользователя.
type AnalysisStatus string

const (
	// StatusPending - анализ ещё не выполнен.
	StatusPending AnalysisStatus = "pending"
	// StatusCompleted - анализ выполнен, опыт начислен.
	StatusCompleted AnalysisStatus = "completed"
	// StatusBlocked - анализ остановлен ошибкой авторизации,
	// нужно переподключить календарь.
	StatusBlocked AnalysisStatus = "blocked_needs_reconnect"
)

// State - сохранённое состояние прогресса пользователя.
// RetroactiveDone никогда не возвращается в false.
type State struct {
	UserID           string
	TotalPoints      int
	PointsByCategory map[string]int
	EventCount       int
	RetroactiveDone  bool
	Status           AnalysisStatus
	BlockedReason    string
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewState создаёт пустое состояние.
func NewState(userID string, now time.Time) *State {
	return &State{
		UserID:           userID,
		PointsByCategory: map[string]int{},
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// IsBlocked проверяет, ожидает ли пользователь переподключения.
func (s *State) IsBlocked() bool {
	return !s.RetroactiveDone && s.Status == StatusBlocked
}

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Реализации находятся в infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// Claim - итог ClaimAndScore. Для выигранного claim TotalPoints и
// PointsByCategory - значения, записанные хранилищем.
type Claim struct {
	Claimed          bool
	TotalPoints      int
	PointsByCategory map[string]int
}

// Store - хранилище прогресса.
type Store interface {
	// GetOrCreate возвращает состояние пользователя, создавая пустое при отсутствии.
	GetOrCreate(ctx context.Context, userID string) (*State, error)

	// ClaimAndScore атомарно помечает анализ выполненным и начисляет очки.
	// Claim.Claimed == false, если анализ уже был выполнен (никаких изменений).
	// Ошибки хранилища имеют kind shared.ErrPersistence.
	ClaimAndScore(ctx context.Context, userID string, totals Totals) (Claim, error)

	// MarkBlocked переводит невыполненный анализ в StatusBlocked.
	MarkBlocked(ctx context.Context, userID, reason string) error

	// ClearBlocked снимает блокировку после явного действия пользователя.
	ClearBlocked(ctx context.Context, userID string) error
}

// Reader читает состояние без побочных эффектов.
type Reader interface {
	// Get возвращает shared.ErrProgressNotFound, если состояния нет.
	Get(ctx context.Context, userID string) (*State, error)
}
