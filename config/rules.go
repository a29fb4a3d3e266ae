package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/studyquest/study-companion/internal/domain/progression"
)

// RulesFile is the on-disk shape of the scoring rules file.
//
//	points_per_hour: 10
//	diminishing_after_minutes: 120
//	recurring_factor: 0.5
//	weights:
//	  studies: 1.5
//	  sport: 1.2
//	tiers:
//	  - {threshold: 0, name: Débutant}
//	  - {threshold: 100, name: Apprenti}
type RulesFile struct {
	progression.Rules `yaml:",inline"`
	Tiers             []progression.Tier `yaml:"tiers"`
}

// LoadRules reads scoring rules and the tier ladder. An empty path returns
// the built-in defaults. Keys missing from the file keep their default value.
func LoadRules(path string) (progression.Rules, *progression.Ladder, error) {
	rules := progression.DefaultRules()
	if path == "" {
		return rules, progression.DefaultLadder(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a rules document on top of the defaults.
func ParseRules(data []byte) (progression.Rules, *progression.Ladder, error) {
	file := RulesFile{Rules: progression.DefaultRules()}
	defaultWeights := file.Rules.Weights
	file.Rules.Weights = nil

	if err := yaml.Unmarshal(data, &file); err != nil {
		return progression.Rules{}, nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	merged := defaultWeights
	for c, w := range file.Rules.Weights {
		if !c.IsValid() {
			return progression.Rules{}, nil, fmt.Errorf("unknown category %q in rules file", c)
		}
		merged[c] = w
	}
	file.Rules.Weights = merged

	if file.Rules.PointsPerHour <= 0 {
		return progression.Rules{}, nil, fmt.Errorf("points_per_hour must be positive")
	}
	if file.Rules.RecurringFactor < 0 || file.Rules.RecurringFactor > 1 {
		return progression.Rules{}, nil, fmt.Errorf("recurring_factor must be within [0, 1]")
	}

	tiers := file.Tiers
	if len(tiers) == 0 {
		tiers = progression.DefaultTiers()
	}
	ladder, err := progression.NewLadder(tiers)
	if err != nil {
		return progression.Rules{}, nil, err
	}

	return file.Rules, ladder, nil
}
