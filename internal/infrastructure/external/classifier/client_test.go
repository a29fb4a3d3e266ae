package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/shared"
)

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.RateLimit = 0
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

func inputs(n int) []progression.ClassificationInput {
	out := make([]progression.ClassificationInput, n)
	for i := range out {
		out[i] = progression.ClassificationInput{
			ID:              fmt.Sprintf("ev-%d", i),
			Title:           fmt.Sprintf("Event %d", i),
			Date:            time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC),
			DurationMinutes: 60,
		}
	}
	return out
}

// echoServer classifies every event as studies with 0.8 confidence.
func echoServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "/v1/classify", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req classifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var resp classifyResponse
		for _, ev := range req.Events {
			resp.Results = append(resp.Results, resultDTO{ID: ev.ID, Category: "studies", Confidence: 0.8})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClassifyBatch_NormalizesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req classifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Events, 3)
		assert.Equal(t, "2024-09-02T10:00:00Z", req.Events[0].Date)
		assert.Equal(t, 60, req.Events[0].DurationMinutes)

		_ = json.NewEncoder(w).Encode(classifyResponse{Results: []resultDTO{
			{ID: "ev-0", Category: "SPORT", Subcategory: "running", Confidence: 1.4},
			{ID: "ev-1", Category: "gaming", Confidence: 0.6},
			{ID: "stranger", Category: "studies", Confidence: 1},
		}})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.APIKey = "secret"
	c := NewClient(cfg)

	got, err := c.ClassifyBatch(context.Background(), inputs(3))
	require.NoError(t, err)

	assert.Equal(t, progression.ClassificationResult{Category: progression.CategorySport, Subcategory: "running", Confidence: 1}, got["ev-0"])
	assert.Equal(t, progression.CategoryUnknown, got["ev-1"].Category)
	assert.NotContains(t, got, "ev-2")
	assert.NotContains(t, got, "stranger")
}

func TestClassifyBatch_Chunks(t *testing.T) {
	var calls int32
	srv := echoServer(t, &calls)

	cfg := testConfig(srv.URL)
	cfg.BatchSize = 20
	cfg.Concurrency = 2
	c := NewClient(cfg)

	got, err := c.ClassifyBatch(context.Background(), inputs(45))
	require.NoError(t, err)
	assert.Len(t, got, 45)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClassifyBatch_Empty(t *testing.T) {
	c := NewClient(testConfig("http://127.0.0.1:1"))
	got, err := c.ClassifyBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClassifyBatch_AccessDenied(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.ClassifyBatch(context.Background(), inputs(2))

	require.Error(t, err)
	assert.True(t, shared.IsAuthorization(err))
	assert.ErrorIs(t, err, shared.ErrClassifierAccessDenied)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "authorization failures are not retried")
}

func TestClassifyBatch_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(classifyResponse{Results: []resultDTO{
			{ID: "ev-0", Category: "personal", Confidence: 0.5},
		}})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	got, err := c.ClassifyBatch(context.Background(), inputs(1))

	require.NoError(t, err)
	assert.Equal(t, progression.CategoryPersonal, got["ev-0"].Category)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClassifyBatch_DegradesOnPersistentFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model overloaded"}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	got, err := c.ClassifyBatch(context.Background(), inputs(2))

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClassifyBatch_UsesCache(t *testing.T) {
	var calls int32
	srv := echoServer(t, &calls)

	cache := NewMemoryCache(100, time.Hour)
	c := NewClient(testConfig(srv.URL), WithCache(cache))

	first, err := c.ClassifyBatch(context.Background(), inputs(3))
	require.NoError(t, err)
	assert.Len(t, first, 3)
	assert.Equal(t, 3, cache.Len())

	second, err := c.ClassifyBatch(context.Background(), inputs(3))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClassifyBatch_Cancelled(t *testing.T) {
	var calls int32
	srv := echoServer(t, &calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(testConfig(srv.URL))
	_, err := c.ClassifyBatch(ctx, inputs(2))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
