package progression

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/study-companion/internal/domain/shared"
)

func TestScoreEvent_ScenarioB(t *testing.T) {
	studies := ScoreEvent(CategoryStudies, 90, false, 0.9)
	sport := ScoreEvent(CategorySport, 60, false, 0.7)

	assert.Equal(t, 20, studies)
	assert.Equal(t, 8, sport)

	totals := Aggregate([]ScoredEvent{
		{EventID: "a", Category: CategoryStudies, Points: studies},
		{EventID: "b", Category: CategorySport, Points: sport},
	})

	assert.Equal(t, studies+sport, totals.TotalPoints)
	assert.Equal(t, 2, totals.EventCount)
	assert.Equal(t, 1, totals.ByCategory[CategoryStudies].Count)
	assert.Equal(t, 1, totals.ByCategory[CategorySport].Count)
	assert.Equal(t, studies, totals.ByCategory[CategoryStudies].Points)
	assert.Equal(t, map[string]int{"studies": 20, "sport": 8}, totals.PointsByCategory())
}

func TestScoreEvent_DiminishingReturns(t *testing.T) {
	atCap := ScoreEvent(CategoryStudies, 120, false, 1)
	long := ScoreEvent(CategoryStudies, 240, false, 1)

	assert.Equal(t, 30, atCap)
	assert.Greater(t, long, atCap)
	assert.Less(t, long, 2*atCap)

	prev := 0
	for d := 0; d <= 24*60; d += 5 {
		got := ScoreEvent(CategoryStudies, d, false, 1)
		assert.GreaterOrEqual(t, got, prev, "duration %d", d)
		prev = got
	}
}

func TestScoreEvent_RecurringDiscount(t *testing.T) {
	assert.Equal(t, 15, ScoreEvent(CategoryStudies, 60, false, 1))
	assert.Equal(t, 8, ScoreEvent(CategoryStudies, 60, true, 1))
}

func TestScoreEvent_NeverNegative(t *testing.T) {
	durations := []int{-120, -1, 0, 1, 29, 60, 600, 100000}
	confidences := []float64{-3, 0, 0.1, 0.5, 1, 7, math.NaN(), math.Inf(1)}

	for _, c := range append(AllCategories(), Category("bogus")) {
		for _, d := range durations {
			for _, conf := range confidences {
				for _, rec := range []bool{false, true} {
					assert.GreaterOrEqual(t, ScoreEvent(c, d, rec, conf), 0)
				}
			}
		}
	}

	assert.Equal(t, 0, ScoreEvent(CategoryStudies, 0, false, 1))
	assert.Equal(t, 0, ScoreEvent(CategoryStudies, 60, false, 0))
}

func TestRules_CustomWeights(t *testing.T) {
	r := DefaultRules()
	r.Weights[CategorySport] = -4
	assert.Equal(t, 0, r.ScoreEvent(CategorySport, 60, false, 1))

	r.RecurringFactor = 1
	assert.Equal(t, 15, r.ScoreEvent(CategoryStudies, 60, true, 1))
}

func TestAggregate_Empty(t *testing.T) {
	totals := Aggregate(nil)
	assert.Equal(t, 0, totals.TotalPoints)
	assert.Equal(t, 0, totals.EventCount)
	assert.Empty(t, totals.ByCategory)
}

func TestAggregate_IgnoresNegativeAndNormalizesCategory(t *testing.T) {
	totals := Aggregate([]ScoredEvent{
		{Category: "Studies", Points: 10},
		{Category: "weird", Points: 3},
		{Category: CategoryUnknown, Points: -7},
	})
	assert.Equal(t, 13, totals.TotalPoints)
	assert.Equal(t, CategoryTally{Count: 1, Points: 10}, totals.ByCategory[CategoryStudies])
	assert.Equal(t, CategoryTally{Count: 2, Points: 3}, totals.ByCategory[CategoryUnknown])
}

func TestClassificationResult_Normalize(t *testing.T) {
	r := ClassificationResult{Category: "SPORT", Confidence: 1.4}.Normalize()
	assert.Equal(t, CategorySport, r.Category)
	assert.Equal(t, 1.0, r.Confidence)

	u := Unknown()
	assert.Equal(t, CategoryUnknown, u.Category)
	assert.Equal(t, UnknownConfidence, u.Confidence)
}

func TestLadder_ScenarioA(t *testing.T) {
	info := DefaultLadder().LevelFor(0)
	assert.Equal(t, 1, info.Level)
	assert.Equal(t, "Débutant", info.Name)
	require.NotNil(t, info.NextLevelThreshold)
	assert.Equal(t, 100, *info.NextLevelThreshold)
	assert.Equal(t, 0, info.ProgressPercent)
}

func TestLadder_LevelFor(t *testing.T) {
	l := DefaultLadder()

	cases := []struct {
		total    int
		level    int
		name     string
		progress int
	}{
		{-10, 1, "Débutant", 0},
		{50, 1, "Débutant", 50},
		{99, 1, "Débutant", 99},
		{100, 2, "Apprenti", 0},
		{200, 2, "Apprenti", 50},
		{5999, 6, "Maître", 99},
	}
	for _, tc := range cases {
		info := l.LevelFor(tc.total)
		assert.Equal(t, tc.level, info.Level, "total %d", tc.total)
		assert.Equal(t, tc.name, info.Name, "total %d", tc.total)
		assert.Equal(t, tc.progress, info.ProgressPercent, "total %d", tc.total)
	}

	top := l.LevelFor(6000)
	assert.Equal(t, 7, top.Level)
	assert.Equal(t, "Légende", top.Name)
	assert.Nil(t, top.NextLevelThreshold)
	assert.True(t, top.IsMax())
	assert.Equal(t, 100, top.ProgressPercent)
	assert.Equal(t, top, l.LevelFor(1_000_000))
}

func TestLadder_Monotonic(t *testing.T) {
	l := DefaultLadder()
	prev := l.LevelFor(0).Level
	for p := 0; p <= 10000; p += 7 {
		lvl := l.LevelFor(p).Level
		assert.GreaterOrEqual(t, lvl, prev)
		prev = lvl
	}
}

func TestNewLadder_Validation(t *testing.T) {
	_, err := NewLadder(nil)
	assert.ErrorIs(t, err, shared.ErrInvalidTierLadder)

	_, err = NewLadder([]Tier{{Threshold: 10, Name: "a"}})
	assert.ErrorIs(t, err, shared.ErrInvalidTierLadder)

	_, err = NewLadder([]Tier{{Threshold: 0, Name: "a"}, {Threshold: 50, Name: "b"}, {Threshold: 50, Name: "c"}})
	assert.ErrorIs(t, err, shared.ErrInvalidTierLadder)

	l, err := NewLadder([]Tier{{Threshold: 0, Name: "a"}, {Threshold: 50, Name: "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, l.MaxLevel())
	assert.Equal(t, "b", l.LevelFor(75).Name)
}

func TestState_IsBlocked(t *testing.T) {
	s := &State{Status: StatusBlocked}
	assert.True(t, s.IsBlocked())

	s.RetroactiveDone = true
	assert.False(t, s.IsBlocked())
}
