package progression

import (
	"sort"

	"github.com/studyquest/study-companion/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEVEL / TIER CALCULATOR
// ══════════════════════════════════════════════════════════════════════════════

// Tier - ступень лестницы уровней.
type Tier struct {
	Threshold int    `yaml:"threshold" json:"threshold"`
	Name      string `yaml:"name" json:"name"`
}

// Ladder - статическая лестница с порогами строго по возрастанию.
type Ladder struct {
	tiers []Tier
}

// DefaultTiers - лестница по умолчанию.
func DefaultTiers() []Tier {
	return []Tier{
		{Threshold: 0, Name: "Débutant"},
		{Threshold: 100, Name: "Apprenti"},
		{Threshold: 300, Name: "Régulier"},
		{Threshold: 700, Name: "Assidu"},
		{Threshold: 1500, Name: "Expert"},
		{Threshold: 3000, Name: "Maître"},
		{Threshold: 6000, Name: "Légende"},
	}
}

// NewLadder проверяет пороги: первый равен 0, далее строго по возрастанию.
func NewLadder(tiers []Tier) (*Ladder, error) {
	if len(tiers) == 0 || tiers[0].Threshold != 0 {
		return nil, shared.ErrInvalidTierLadder
	}
	for i := 1; i < len(tiers); i++ {
		if tiers[i].Threshold <= tiers[i-1].Threshold {
			return nil, shared.ErrInvalidTierLadder
		}
	}
	copied := make([]Tier, len(tiers))
	copy(copied, tiers)
	return &Ladder{tiers: copied}, nil
}

// DefaultLadder возвращает лестницу по умолчанию.
func DefaultLadder() *Ladder {
	l, _ := NewLadder(DefaultTiers())
	return l
}

// Tiers возвращает копию ступеней.
func (l *Ladder) Tiers() []Tier {
	out := make([]Tier, len(l.tiers))
	copy(out, l.tiers)
	return out
}

// MaxLevel - номер последней ступени.
func (l *Ladder) MaxLevel() int {
	return len(l.tiers)
}

// LevelInfo - уровень пользователя для заданного количества очков.
type LevelInfo struct {
	Level int    `json:"level"`
	Name  string `json:"name"`
	// NextLevelThreshold - nil на последней ступени.
	NextLevelThreshold *int `json:"next_level_threshold"`
	// ProgressPercent - прогресс к следующему порогу, 0..100.
	ProgressPercent int `json:"progress_percent"`
}

// IsMax проверяет, достигнута ли последняя ступень.
func (i LevelInfo) IsMax() bool {
	return i.NextLevelThreshold == nil
}

// LevelFor возвращает уровень для totalPoints. Отрицательные значения
// считаются нулём. Функция монотонна по totalPoints.
func (l *Ladder) LevelFor(totalPoints int) LevelInfo {
	if totalPoints < 0 {
		totalPoints = 0
	}

	// Индекс первой ступени с порогом больше totalPoints.
	idx := sort.Search(len(l.tiers), func(i int) bool {
		return l.tiers[i].Threshold > totalPoints
	})
	current := l.tiers[idx-1]

	info := LevelInfo{Level: idx, Name: current.Name}
	if idx == len(l.tiers) {
		info.ProgressPercent = 100
		return info
	}

	next := l.tiers[idx].Threshold
	info.NextLevelThreshold = &next
	span := next - current.Threshold
	info.ProgressPercent = (totalPoints - current.Threshold) * 100 / span
	if info.ProgressPercent > 100 {
		info.ProgressPercent = 100
	}
	return info
}
