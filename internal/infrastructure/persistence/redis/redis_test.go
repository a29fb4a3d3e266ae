package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/study-companion/internal/domain/progression"
)

func TestConfig_Addr(t *testing.T) {
	assert.Equal(t, "localhost:6379", DefaultConfig().Addr())
	assert.Equal(t, "[::1]:6380", Config{Host: "::1", Port: 6380}.Addr())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "classification:abc", ClassificationKey("abc"))
	assert.Equal(t, "lock:process-analysis-tasks", LockKey("process-analysis-tasks"))
}

func TestNewCache_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 1
	cfg.MaxRetries = -1
	cfg.DialTimeout = 200 * time.Millisecond

	_, err := NewCache(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCache_RejectsBadArguments(t *testing.T) {
	// Validation happens before any round trip.
	c := &Cache{}
	ctx := context.Background()

	_, err := c.SetNX(ctx, "", "v", time.Second)
	assert.ErrorIs(t, err, errEmptyKey)
	_, err = c.SetNX(ctx, "k", "v", -time.Second)
	assert.ErrorIs(t, err, errNegativeTTL)
	_, err = c.SetNX(ctx, "k", func() {}, time.Second)
	assert.ErrorIs(t, err, ErrEncode)

	assert.ErrorIs(t, c.MSet(ctx, map[string]interface{}{"k": 1}, -time.Second), errNegativeTTL)
	assert.ErrorIs(t, c.MSet(ctx, map[string]interface{}{"k": make(chan int)}, time.Second), ErrEncode)
	assert.NoError(t, c.MSet(ctx, nil, time.Second))

	got, err := c.MGet(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClassificationCache_EmptyBatches(t *testing.T) {
	cc := NewClassificationCache(&Cache{}, 0)
	assert.Equal(t, TTLClassification, cc.ttl)

	got, err := cc.GetMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, cc.SetMany(context.Background(), map[string]progression.ClassificationResult{}))
}
