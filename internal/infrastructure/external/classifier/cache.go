package classifier

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/blake2b"

	"github.com/studyquest/study-companion/internal/domain/progression"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESULT CACHE
// ══════════════════════════════════════════════════════════════════════════════

// ResultCache stores classification results keyed by Digest.
// MemoryCache and the Redis ClassificationCache implement it.
type ResultCache interface {
	GetMany(ctx context.Context, digests []string) (map[string]progression.ClassificationResult, error)
	SetMany(ctx context.Context, entries map[string]progression.ClassificationResult) error
}

// Digest returns the cache key of an event's text. Events with the same
// title and description share a classification.
func Digest(title, description string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(description))
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryCache is a size and TTL bounded LRU over golang-lru's expirable
// cache. Safe for concurrent use.
type MemoryCache struct {
	lru *expirable.LRU[string, progression.ClassificationResult]
}

// NewMemoryCache creates a MemoryCache. ttl <= 0 disables expiry.
func NewMemoryCache(maxSize int, ttl time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryCache{lru: expirable.NewLRU[string, progression.ClassificationResult](maxSize, nil, ttl)}
}

// GetMany returns the live entries among digests.
func (c *MemoryCache) GetMany(_ context.Context, digests []string) (map[string]progression.ClassificationResult, error) {
	out := make(map[string]progression.ClassificationResult, len(digests))
	for _, d := range digests {
		if res, ok := c.lru.Get(d); ok {
			out[d] = res
		}
	}
	return out, nil
}

// SetMany stores entries, evicting the least recently used beyond maxSize.
func (c *MemoryCache) SetMany(_ context.Context, entries map[string]progression.ClassificationResult) error {
	for d, res := range entries {
		c.lru.Add(d, res)
	}
	return nil
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}
