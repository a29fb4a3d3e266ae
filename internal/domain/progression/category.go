// Package progression содержит экономику очков и уровней:
// категории событий, расчёт очков, лестницу уровней и состояние прогресса.
package progression

import (
	"context"
	"math"
	"strings"
	"time"
)

// Category - категория события после классификации.
type Category string

const (
	CategoryStudies      Category = "studies"
	CategorySport        Category = "sport"
	CategoryProfessional Category = "professional"
	CategoryPersonal     Category = "personal"
	CategoryUnknown      Category = "unknown"
)

// AllCategories возвращает все категории в стабильном порядке.
func AllCategories() []Category {
	return []Category{CategoryStudies, CategorySport, CategoryProfessional, CategoryPersonal, CategoryUnknown}
}

// IsValid проверяет, что категория известна.
func (c Category) IsValid() bool {
	switch c {
	case CategoryStudies, CategorySport, CategoryProfessional, CategoryPersonal, CategoryUnknown:
		return true
	}
	return false
}

// ParseCategory нормализует строку в категорию; незнакомые значения - unknown.
func ParseCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return CategoryUnknown
	}
	return c
}

// UnknownConfidence - уверенность, выставляемая при деградации классификации.
const UnknownConfidence = 0.1

// ClassificationResult - результат классификации одного события.
type ClassificationResult struct {
	Category    Category `json:"category"`
	Subcategory string   `json:"subcategory,omitempty"`
	Confidence  float64  `json:"confidence"`
}

// Unknown возвращает результат по умолчанию для неклассифицированного события.
func Unknown() ClassificationResult {
	return ClassificationResult{Category: CategoryUnknown, Confidence: UnknownConfidence}
}

// Normalize приводит результат к инвариантам: известная категория,
// уверенность в [0, 1].
func (r ClassificationResult) Normalize() ClassificationResult {
	r.Category = ParseCategory(string(r.Category))
	r.Confidence = ClampConfidence(r.Confidence)
	return r
}

// ClampConfidence ограничивает уверенность отрезком [0, 1]; NaN даёт 0.
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// ClassificationInput - данные события, передаваемые классификатору.
type ClassificationInput struct {
	ID              string
	Title           string
	Description     string
	Date            time.Time
	DurationMinutes int
}

// Classifier - порт к внешнему классификатору событий.
type Classifier interface {
	// ClassifyBatch классифицирует пачку событий. В ответе могут отсутствовать
	// некоторые ID: вызывающая сторона трактует их как unknown.
	ClassifyBatch(ctx context.Context, events []ClassificationInput) (map[string]ClassificationResult, error)
}
