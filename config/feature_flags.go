package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
)

// Feature names.
const (
	// Queue a retroactive analysis as soon as a calendar is connected.
	FeatureAnalysisAutoTrigger = "analysis.auto_trigger"

	// Hourly goal reminder dispatch in the worker.
	FeatureRemindersDispatch = "reminders.dispatch"

	// Classifier result cache in front of the HTTP classifier.
	FeatureClassifierCache = "classifier.cache"

	// French labels on free slots.
	FeatureSlotLabels = "slots.labels"
)

// Feature is one toggle. RolloutPercent of users, bucketed by a hash of
// feature name and user ID, see it enabled; the bucket of a user never
// changes between processes.
type Feature struct {
	Name           string
	Description    string
	Enabled        bool
	RolloutPercent int
}

// FeatureContext scopes an evaluation to one user.
type FeatureContext struct {
	UserID string
}

// FeatureFlags is the resolved toggle set. It is read-only after
// LoadFeatureFlags and safe for concurrent use.
type FeatureFlags struct {
	features map[string]Feature
}

var defaultFeatures = []Feature{
	{Name: FeatureAnalysisAutoTrigger, Description: "Queue retroactive analysis when a calendar is connected"},
	{Name: FeatureRemindersDispatch, Description: "Dispatch goal reminders from the worker"},
	{Name: FeatureClassifierCache, Description: "Cache classifier results by event text"},
	{Name: FeatureSlotLabels, Description: "Attach localized labels to free slots"},
}

// LoadFeatureFlags enables every feature, then applies FEATURE_<NAME>
// variables: a boolean switches the feature fully on or off, an integer
// 0-100 is a rollout percentage. Unparsable values are ignored.
//
//	FEATURE_ANALYSIS_AUTO_TRIGGER=false
//	FEATURE_REMINDERS_DISPATCH=25
func LoadFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{features: make(map[string]Feature, len(defaultFeatures))}
	for _, f := range defaultFeatures {
		f.Enabled, f.RolloutPercent = true, 100
		if raw, ok := os.LookupEnv(featureEnvKey(f.Name)); ok {
			if pct, err := parseRollout(raw); err == nil {
				f.Enabled, f.RolloutPercent = pct > 0, pct
			}
		}
		ff.features[f.Name] = f
	}
	return ff
}

func featureEnvKey(name string) string {
	return "FEATURE_" + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))
}

func parseRollout(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if on, err := strconv.ParseBool(raw); err == nil {
		if on {
			return 100, nil
		}
		return 0, nil
	}
	pct, err := strconv.Atoi(raw)
	if err != nil || pct < 0 || pct > 100 {
		return 0, fmt.Errorf("rollout %q must be a boolean or 0-100", raw)
	}
	return pct, nil
}

// IsEnabled evaluates name for ctx. Unknown features are off. Without a
// user, a partial rollout counts as enabled.
func (ff *FeatureFlags) IsEnabled(name string, ctx *FeatureContext) bool {
	f, ok := ff.features[name]
	if !ok || !f.Enabled {
		return false
	}
	if f.RolloutPercent >= 100 || ctx == nil || ctx.UserID == "" {
		return f.RolloutPercent > 0
	}
	return rolloutBucket(name, ctx.UserID) < f.RolloutPercent
}

func rolloutBucket(name, userID string) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	h.Write([]byte(userID))
	return int(h.Sum32() % 100)
}

// Enabled is the global check. A nil set enables everything.
func (ff *FeatureFlags) Enabled(name string) bool {
	if ff == nil {
		return true
	}
	return ff.IsEnabled(name, nil)
}

// GetAllFeatures returns a copy of the resolved toggles.
func (ff *FeatureFlags) GetAllFeatures() map[string]Feature {
	out := make(map[string]Feature, len(ff.features))
	for k, v := range ff.features {
		out[k] = v
	}
	return out
}
