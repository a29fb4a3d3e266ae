package scheduling

import (
	"github.com/studyquest/study-companion/internal/domain/calendar"
)

// Overlaps - проверка пересечения полуоткрытых интервалов:
// касание границ пересечением не считается.
func Overlaps(s Slot, b calendar.BusyInterval) bool {
	return s.Start.Before(b.End) && s.End.After(b.Start)
}

// Filter отбрасывает кандидатов, пересекающихся хотя бы с одним интервалом
// занятости. Интервалы без начала или конца игнорируются. Порядок
// кандидатов сохраняется.
func Filter(candidates []Slot, busy []calendar.BusyInterval) []Slot {
	complete := make([]calendar.BusyInterval, 0, len(busy))
	for _, b := range busy {
		if b.IsComplete() {
			complete = append(complete, b)
		}
	}

	out := make([]Slot, 0, len(candidates))
	for _, c := range candidates {
		free := true
		for _, b := range complete {
			if Overlaps(c, b) {
				free = false
				break
			}
		}
		if free {
			out = append(out, c)
		}
	}
	return out
}
