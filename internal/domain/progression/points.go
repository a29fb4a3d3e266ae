package progression

import (
	"math"
)

// ══════════════════════════════════════════════════════════════════════════════
// POINTS CALCULATOR
// ══════════════════════════════════════════════════════════════════════════════

// Rules - параметры экономики очков. Загружаются из файла правил,
// иначе используются DefaultRules.
type Rules struct {
	// PointsPerHour - базовая ставка за час при весе категории 1.0.
	PointsPerHour float64 `yaml:"points_per_hour"`

	// DiminishingAfterMinutes - порог, после которого минуты
	// учитываются с убывающей отдачей.
	DiminishingAfterMinutes int `yaml:"diminishing_after_minutes"`

	// RecurringFactor - множитель для повторяющихся событий (0..1].
	RecurringFactor float64 `yaml:"recurring_factor"`

	// Weights - вес каждой категории.
	Weights map[Category]float64 `yaml:"weights"`
}

// DefaultRules возвращает правила по умолчанию.
func DefaultRules() Rules {
	return Rules{
		PointsPerHour:           10,
		DiminishingAfterMinutes: 120,
		RecurringFactor:         0.5,
		Weights: map[Category]float64{
			CategoryStudies:      1.5,
			CategorySport:        1.2,
			CategoryProfessional: 1.0,
			CategoryPersonal:     0.8,
			CategoryUnknown:      0.3,
		},
	}
}

// Weight возвращает вес категории; отсутствующий или отрицательный вес - 0.
func (r Rules) Weight(c Category) float64 {
	w, ok := r.Weights[c]
	if !ok || w < 0 || math.IsNaN(w) {
		return 0
	}
	return w
}

// EffectiveMinutes применяет убывающую отдачу: до порога минуты идут
// один к одному, сверху - cap*(1+ln(d/cap)). Кривая непрерывна и монотонна.
func (r Rules) EffectiveMinutes(durationMinutes int) float64 {
	if durationMinutes <= 0 {
		return 0
	}
	d := float64(durationMinutes)
	limit := float64(r.DiminishingAfterMinutes)
	if limit <= 0 || d <= limit {
		return d
	}
	return limit * (1 + math.Log(d/limit))
}

// ScoreEvent возвращает неотрицательное целое число очков за событие.
func (r Rules) ScoreEvent(category Category, durationMinutes int, isRecurring bool, confidence float64) int {
	minutes := r.EffectiveMinutes(durationMinutes)
	if minutes == 0 {
		return 0
	}

	raw := minutes / 60 * r.PointsPerHour * r.Weight(ParseCategory(string(category)))
	if isRecurring {
		f := r.RecurringFactor
		if f < 0 || math.IsNaN(f) {
			f = 0
		}
		raw *= f
	}
	raw *= ClampConfidence(confidence)

	if raw <= 0 || math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0
	}
	return int(math.Floor(raw + 0.5))
}

// ScoreEvent считает очки по правилам по умолчанию.
func ScoreEvent(category Category, durationMinutes int, isRecurring bool, confidence float64) int {
	return DefaultRules().ScoreEvent(category, durationMinutes, isRecurring, confidence)
}

// ScoredEvent - событие после классификации и расчёта очков.
type ScoredEvent struct {
	EventID  string
	Category Category
	Points   int
}

// CategoryTally - агрегат по одной категории.
type CategoryTally struct {
	Count  int `json:"count"`
	Points int `json:"points"`
}

// Totals - итог агрегации за прогон.
type Totals struct {
	TotalPoints int                        `json:"total_points"`
	EventCount  int                        `json:"event_count"`
	ByCategory  map[Category]CategoryTally `json:"by_category"`
}

// PointsByCategory возвращает очки по категориям как map строк.
func (t Totals) PointsByCategory() map[string]int {
	out := make(map[string]int, len(t.ByCategory))
	for c, tally := range t.ByCategory {
		out[string(c)] = tally.Points
	}
	return out
}

// Aggregate - чистая свёртка: общий итог и разбивка по категориям.
// Отрицательные очки не вносят вклада.
func Aggregate(events []ScoredEvent) Totals {
	totals := Totals{ByCategory: make(map[Category]CategoryTally)}
	for _, e := range events {
		pts := e.Points
		if pts < 0 {
			pts = 0
		}
		c := ParseCategory(string(e.Category))
		tally := totals.ByCategory[c]
		tally.Count++
		tally.Points += pts
		totals.ByCategory[c] = tally
		totals.TotalPoints += pts
		totals.EventCount++
	}
	return totals
}
