// Package scheduling строит свободные окна заданной длительности
// в рабочих часах, обходя интервалы занятости.
package scheduling

import (
	"time"

	"github.com/studyquest/study-companion/pkg/timeutil"
)

// Step - шаг сетки кандидатов. Кандидаты с шагом меньше длительности
// перекрываются, так вызывающий видит все варианты начала.
const Step = 30 * time.Minute

// Slot - временное окно. Label заполняется сервисом поиска.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Label string    `json:"label,omitempty"`
}

// Duration возвращает длительность окна.
func (s Slot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// GenerateParams - параметры генерации кандидатов.
type GenerateParams struct {
	Start time.Time
	End   time.Time

	// WorkingHoursStart, WorkingHoursEnd - часы открытия и закрытия, 0..24.
	WorkingHoursStart int
	WorkingHoursEnd   int

	ExcludeWeekends bool
	Duration        time.Duration
	MaxCandidates   int

	// Location - зона, в которой трактуются рабочие часы и выходные.
	// nil означает зону Start.
	Location *time.Location
}

// Generate перечисляет кандидатов по порядку времени.
//
// Курсор выравнивается вверх к сетке Step. Выходные (если исключены),
// время до открытия и после закрытия переносят курсор на ближайшее
// открытие; кандидат, не помещающийся до закрытия, переносит курсор
// на следующий день. Генерация останавливается, когда курсор выходит
// за End, набрано MaxCandidates кандидатов или сделано MaxCandidates*10
// попыток.
func Generate(p GenerateParams) []Slot {
	if p.MaxCandidates <= 0 || p.Duration <= 0 || !p.End.After(p.Start) {
		return nil
	}
	if p.WorkingHoursStart < 0 || p.WorkingHoursEnd > 24 || p.WorkingHoursStart >= p.WorkingHoursEnd {
		return nil
	}

	loc := p.Location
	if loc == nil {
		loc = p.Start.Location()
	}

	cursor := timeutil.CeilToStep(p.Start.In(loc), Step)
	maxAttempts := p.MaxCandidates * 10
	out := make([]Slot, 0, min(p.MaxCandidates, 64))

	for attempt := 0; attempt < maxAttempts && len(out) < p.MaxCandidates; attempt++ {
		if cursor.After(p.End) {
			break
		}

		if p.ExcludeWeekends && timeutil.IsWeekend(cursor) {
			cursor = timeutil.NextDayAtHour(cursor, p.WorkingHoursStart)
			continue
		}

		opening := timeutil.AtHour(cursor, p.WorkingHoursStart)
		closing := timeutil.AtHour(cursor, p.WorkingHoursEnd)
		if cursor.Before(opening) {
			cursor = opening
			continue
		}
		if !cursor.Before(closing) {
			cursor = timeutil.NextDayAtHour(cursor, p.WorkingHoursStart)
			continue
		}

		end := cursor.Add(p.Duration)
		if end.After(closing) {
			cursor = timeutil.NextDayAtHour(cursor, p.WorkingHoursStart)
			continue
		}
		if end.After(p.End) {
			break
		}

		out = append(out, Slot{Start: cursor, End: end})
		cursor = cursor.Add(Step)
	}

	return out
}
