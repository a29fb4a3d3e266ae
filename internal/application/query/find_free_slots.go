// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"time"

	"github.com/studyquest/study-companion/internal/domain/calendar"
	"github.com/studyquest/study-companion/internal/domain/scheduling"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/internal/infrastructure/metrics"
	"github.com/studyquest/study-companion/pkg/logger"
	"github.com/studyquest/study-companion/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// FIND FREE SLOTS QUERY
// Ищет свободные окна заданной длительности в рабочих часах пользователя.
// Один запрос занятости, дальше чистые вычисления.
// ══════════════════════════════════════════════════════════════════════════════

// SlotOptions - необязательные параметры поиска. Нулевые значения
// заменяются значениями по умолчанию.
type SlotOptions struct {
	StartDate time.Time
	EndDate   time.Time

	// WorkingHoursStart, WorkingHoursEnd - nil означает значение по умолчанию.
	WorkingHoursStart *int
	WorkingHoursEnd   *int

	ExcludeWeekends *bool

	MaxSlots int
}

// FindFreeSlotsQuery содержит параметры запроса.
type FindFreeSlotsQuery struct {
	UserID   string
	Duration time.Duration
	Options  SlotOptions
}

// SlotDefaults - значения по умолчанию и ограничения поиска.
type SlotDefaults struct {
	WindowDays        int
	WorkingHoursStart int
	WorkingHoursEnd   int
	ExcludeWeekends   bool
	MaxSlots          int

	// CandidatePool - сколько кандидатов генерировать до фильтрации.
	CandidatePool int

	// Location - зона рабочих часов и подписей.
	Location *time.Location

	// Labels включает подписи вида "lun. 14 oct. · 09:00–09:30".
	Labels bool
}

// DefaultSlotDefaults returns the defaults: next 7 days, 09–18, weekends excluded, 5 slots.
func DefaultSlotDefaults() SlotDefaults {
	return SlotDefaults{
		WindowDays:        7,
		WorkingHoursStart: 9,
		WorkingHoursEnd:   18,
		ExcludeWeekends:   true,
		MaxSlots:          5,
		CandidatePool:     500,
		Location:          timeutil.Location(),
		Labels:            true,
	}
}

// FreeSlotsResult содержит найденные окна в хронологическом порядке.
type FreeSlotsResult struct {
	UserID          string            `json:"user_id"`
	DurationMinutes int               `json:"duration_minutes"`
	From            time.Time         `json:"from"`
	To              time.Time         `json:"to"`
	Slots           []scheduling.Slot `json:"slots"`
}

// FindFreeSlotsHandler обрабатывает запросы поиска окон.
// Не хранит изменяемого состояния и безопасен для параллельного использования.
type FindFreeSlotsHandler struct {
	busy     calendar.BusySource
	defaults SlotDefaults
	logger   *logger.Logger
	now      func() time.Time
}

// NewFindFreeSlotsHandler создаёт новый обработчик.
func NewFindFreeSlotsHandler(busy calendar.BusySource, defaults SlotDefaults, log *logger.Logger) *FindFreeSlotsHandler {
	if defaults.Location == nil {
		defaults.Location = timeutil.Location()
	}
	if defaults.CandidatePool < defaults.MaxSlots {
		defaults.CandidatePool = defaults.MaxSlots
	}
	if log == nil {
		log = logger.Nop()
	}
	return &FindFreeSlotsHandler{
		busy:     busy,
		defaults: defaults,
		logger:   log.With(logger.Component("free_slots")),
		now:      time.Now,
	}
}

// WithClock заменяет источник времени.
func (h *FindFreeSlotsHandler) WithClock(now func() time.Time) *FindFreeSlotsHandler {
	c := *h
	c.now = now
	return &c
}

// resolved - параметры после подстановки значений по умолчанию.
type resolved struct {
	start, end     time.Time
	hoursStart     int
	hoursEnd       int
	excludeWeekend bool
	maxSlots       int
}

func (h *FindFreeSlotsHandler) resolve(q FindFreeSlotsQuery) (resolved, error) {
	if err := shared.ValidateUserID("scheduling", "Validate", q.UserID); err != nil {
		return resolved{}, err
	}
	if q.Duration <= 0 {
		return resolved{}, shared.ErrInvalidDuration
	}

	r := resolved{
		start:          q.Options.StartDate,
		end:            q.Options.EndDate,
		hoursStart:     h.defaults.WorkingHoursStart,
		hoursEnd:       h.defaults.WorkingHoursEnd,
		excludeWeekend: h.defaults.ExcludeWeekends,
		maxSlots:       q.Options.MaxSlots,
	}
	if r.start.IsZero() {
		r.start = h.now()
	}
	if r.end.IsZero() {
		r.end = r.start.AddDate(0, 0, h.defaults.WindowDays)
	}
	if q.Options.WorkingHoursStart != nil {
		r.hoursStart = *q.Options.WorkingHoursStart
	}
	if q.Options.WorkingHoursEnd != nil {
		r.hoursEnd = *q.Options.WorkingHoursEnd
	}
	if q.Options.ExcludeWeekends != nil {
		r.excludeWeekend = *q.Options.ExcludeWeekends
	}
	if r.maxSlots <= 0 {
		r.maxSlots = h.defaults.MaxSlots
	}

	if r.hoursStart < 0 || r.hoursEnd > 24 || r.hoursStart >= r.hoursEnd {
		return resolved{}, shared.ErrInvalidWorkingHour
	}
	if !r.end.After(r.start) {
		return resolved{}, shared.ErrInvalidWindow
	}
	return r, nil
}

// Handle выполняет поиск. Ошибка получения занятости фатальна:
// частичный результат не возвращается.
func (h *FindFreeSlotsHandler) Handle(ctx context.Context, q FindFreeSlotsQuery) (*FreeSlotsResult, error) {
	r, err := h.resolve(q)
	if err != nil {
		metrics.FreeSlotRequests.WithLabelValues("invalid").Inc()
		return nil, err
	}

	busy, err := h.busy.QueryBusy(ctx, q.UserID, r.start, r.end)
	if err != nil {
		metrics.FreeSlotRequests.WithLabelValues("fetch_error").Inc()
		h.logger.Warn("busy interval fetch failed", logger.UserID(q.UserID), logger.Err(err))
		return nil, shared.WrapError("scheduling", "FindFreeSlots", shared.ErrSlotFetch, "failed to fetch busy intervals", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	maxCandidates := h.defaults.CandidatePool
	if maxCandidates < r.maxSlots {
		maxCandidates = r.maxSlots
	}
	candidates := scheduling.Generate(scheduling.GenerateParams{
		Start:             r.start,
		End:               r.end,
		WorkingHoursStart: r.hoursStart,
		WorkingHoursEnd:   r.hoursEnd,
		ExcludeWeekends:   r.excludeWeekend,
		Duration:          q.Duration,
		MaxCandidates:     maxCandidates,
		Location:          h.defaults.Location,
	})

	free := scheduling.Filter(candidates, busy)
	if len(free) > r.maxSlots {
		free = free[:r.maxSlots]
	}
	if h.defaults.Labels {
		for i := range free {
			free[i].Label = timeutil.FormatSlotFr(free[i].Start, free[i].End, h.defaults.Location)
		}
	}
	if free == nil {
		free = []scheduling.Slot{}
	}

	metrics.FreeSlotRequests.WithLabelValues("ok").Inc()
	h.logger.Debug("free slots computed",
		logger.UserID(q.UserID),
		logger.Int("candidates", len(candidates)),
		logger.Int("busy", len(busy)),
		logger.Int("slots", len(free)),
	)

	return &FreeSlotsResult{
		UserID:          q.UserID,
		DurationMinutes: int(q.Duration / time.Minute),
		From:            r.start,
		To:              r.end,
		Slots:           free,
	}, nil
}
