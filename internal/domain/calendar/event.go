// Package calendar описывает снимки событий календаря и интервалы занятости,
// а также порты к внешнему провайдеру календаря.
package calendar

import (
	"context"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// EventSnapshot - снимок одного события календаря на момент анализа.
// Живёт только в рамках одного прогона и никогда не сохраняется.
type EventSnapshot struct {
	// ID - идентификатор события у провайдера (для повторений: UID + время начала).
	ID string

	// Title - заголовок события.
	Title string

	// Description - описание (может быть пустым).
	Description string

	// Start, End - границы события.
	Start time.Time
	End   time.Time

	// IsRecurring - событие является вхождением повторяющейся серии.
	IsRecurring bool
}

// DurationMinutes возвращает длительность события в минутах (не меньше 0).
func (e EventSnapshot) DurationMinutes() int {
	if e.End.Before(e.Start) {
		return 0
	}
	return int(e.End.Sub(e.Start) / time.Minute)
}

// EndedBefore проверяет, закончилось ли событие строго до t.
func (e EventSnapshot) EndedBefore(t time.Time) bool {
	return !e.End.IsZero() && e.End.Before(t)
}

// BusyInterval - интервал занятости. Нулевое значение Start или End
// означает, что граница отсутствует, и такой интервал игнорируется.
type BusyInterval struct {
	Start time.Time
	End   time.Time
}

// IsComplete проверяет наличие обеих границ.
func (b BusyInterval) IsComplete() bool {
	return !b.Start.IsZero() && !b.End.IsZero()
}

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// Реализации находятся в infrastructure/external.
// ══════════════════════════════════════════════════════════════════════════════

// Source выдаёт события календаря пользователя.
type Source interface {
	// ListEvents возвращает события в окне [start, end], не более maxResults.
	// Ошибки авторизации имеют kind shared.ErrAuthorization.
	ListEvents(ctx context.Context, userID string, start, end time.Time, maxResults int) ([]EventSnapshot, error)
}

// BusySource выдаёт интервалы занятости пользователя.
type BusySource interface {
	// QueryBusy возвращает интервалы занятости в окне [start, end].
	QueryBusy(ctx context.Context, userID string, start, end time.Time) ([]BusyInterval, error)
}

// Connection - подключённый календарь пользователя.
type Connection struct {
	UserID      string
	FeedURL     string
	ConnectedAt time.Time
}

// ConnectionRepository хранит подключения календарей.
type ConnectionRepository interface {
	// Get возвращает подключение пользователя.
	// Возвращает shared.ErrCalendarNotConnected, если подключения нет.
	Get(ctx context.Context, userID string) (*Connection, error)

	// Upsert создаёт или заменяет подключение.
	Upsert(ctx context.Context, conn *Connection) error
}
