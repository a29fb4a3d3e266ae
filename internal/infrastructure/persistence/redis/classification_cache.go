package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/studyquest/study-companion/internal/domain/progression"
)

// TTLClassification is the default lifetime of a cached result.
const TTLClassification = 30 * 24 * time.Hour

// ClassificationKey is the Redis key of a result digest.
func ClassificationKey(digest string) string {
	return "classification:" + digest
}

// ClassificationCache stores classifier results keyed by event text digest.
// Values expire after ttl so stale categories age out.
type ClassificationCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewClassificationCache creates a ClassificationCache. ttl <= 0 uses TTLClassification.
func NewClassificationCache(cache *Cache, ttl time.Duration) *ClassificationCache {
	if ttl <= 0 {
		ttl = TTLClassification
	}
	return &ClassificationCache{cache: cache, ttl: ttl}
}

// GetMany returns the cached results for the given digests. Missing and
// undecodable entries are omitted.
func (c *ClassificationCache) GetMany(ctx context.Context, digests []string) (map[string]progression.ClassificationResult, error) {
	if len(digests) == 0 {
		return map[string]progression.ClassificationResult{}, nil
	}

	keys := make([]string, len(digests))
	for i, d := range digests {
		keys[i] = ClassificationKey(d)
	}

	raw, err := c.cache.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to read classification cache: %w", err)
	}

	out := make(map[string]progression.ClassificationResult, len(raw))
	for i, d := range digests {
		val, ok := raw[keys[i]]
		if !ok {
			continue
		}
		var res progression.ClassificationResult
		if err := json.Unmarshal([]byte(val), &res); err != nil {
			continue
		}
		out[d] = res.Normalize()
	}
	return out, nil
}

// SetMany stores results under their digests.
func (c *ClassificationCache) SetMany(ctx context.Context, entries map[string]progression.ClassificationResult) error {
	if len(entries) == 0 {
		return nil
	}

	pairs := make(map[string]interface{}, len(entries))
	for d, res := range entries {
		pairs[ClassificationKey(d)] = res
	}
	if err := c.cache.MSet(ctx, pairs, c.ttl); err != nil {
		return fmt.Errorf("failed to write classification cache: %w", err)
	}
	return nil
}
