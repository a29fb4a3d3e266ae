package classifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/study-companion/internal/domain/progression"
)

func TestDigest(t *testing.T) {
	assert.Equal(t, Digest("Maths", "ch. 3"), Digest("Maths", "ch. 3"))
	assert.NotEqual(t, Digest("Maths", "ch. 3"), Digest("Maths ch. 3", ""))
	assert.Len(t, Digest("", ""), 64)
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, 0)
	res := progression.ClassificationResult{Category: progression.CategoryStudies, Confidence: 1}

	require.NoError(t, c.SetMany(ctx, map[string]progression.ClassificationResult{"a": res}))
	require.NoError(t, c.SetMany(ctx, map[string]progression.ClassificationResult{"b": res}))

	// touch a so b becomes the oldest
	got, _ := c.GetMany(ctx, []string{"a"})
	assert.Contains(t, got, "a")

	require.NoError(t, c.SetMany(ctx, map[string]progression.ClassificationResult{"c": res}))

	got, _ = c.GetMany(ctx, []string{"a", "b", "c"})
	assert.Contains(t, got, "a")
	assert.NotContains(t, got, "b")
	assert.Contains(t, got, "c")
	assert.Equal(t, 2, c.Len())
}

func TestMemoryCache_Expires(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10, 20*time.Millisecond)

	require.NoError(t, c.SetMany(ctx, map[string]progression.ClassificationResult{"a": progression.Unknown()}))

	got, _ := c.GetMany(ctx, []string{"a"})
	assert.Contains(t, got, "a")

	time.Sleep(50 * time.Millisecond)
	got, _ = c.GetMany(ctx, []string{"a"})
	assert.Empty(t, got)
}

func TestMemoryCache_OverwriteRefreshes(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10, 0)

	require.NoError(t, c.SetMany(ctx, map[string]progression.ClassificationResult{"a": progression.Unknown()}))
	studies := progression.ClassificationResult{Category: progression.CategoryStudies, Confidence: 0.8}
	require.NoError(t, c.SetMany(ctx, map[string]progression.ClassificationResult{"a": studies}))

	got, _ := c.GetMany(ctx, []string{"a", "missing"})
	assert.Equal(t, map[string]progression.ClassificationResult{"a": studies}, got)
	assert.Equal(t, 1, c.Len())
}
