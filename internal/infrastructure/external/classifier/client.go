// Package classifier implements the HTTP client of the event classification
// service. Requests are chunked, fanned out with bounded concurrency,
// throttled, retried and guarded by a circuit breaker. Results are cached
// by event text.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/internal/infrastructure/metrics"
	"github.com/studyquest/study-companion/pkg/circuitbreaker"
	"github.com/studyquest/study-companion/pkg/logger"
	"github.com/studyquest/study-companion/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains configuration for the classifier client.
type Config struct {
	// BaseURL is the classifier base URL, without the /v1 suffix.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration

	// BatchSize is the number of events per request.
	BatchSize int

	// Concurrency bounds in-flight requests of one ClassifyBatch call.
	Concurrency int

	// RateLimit is requests per second across the client, Burst its bucket size.
	RateLimit float64
	Burst     int

	// Retries
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Circuit breaker
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Timeout:        20 * time.Second,
		BatchSize:      20,
		Concurrency:    4,
		RateLimit:      2,
		Burst:          4,
		MaxAttempts:    3,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  10 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client implements progression.Classifier over HTTP.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	retrier    *retry.Retrier
	breaker    *circuitbreaker.CircuitBreaker
	cache      ResultCache
	log        *logger.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithCache enables result caching.
func WithCache(cache ResultCache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a new classifier client.
func NewClient(cfg Config, opts ...Option) *Client {
	def := DefaultConfig(cfg.BaseURL)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.retrier = retry.New(
		retry.WithMaxAttempts(cfg.MaxAttempts),
		retry.WithInitialDelay(cfg.RetryBaseDelay),
		retry.WithMaxDelay(cfg.RetryMaxDelay),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			c.log.Warn("classifier request failed, retrying",
				logger.Int("attempt", attempt),
				logger.Duration("delay", delay),
				logger.Err(err),
			)
		}),
	)
	c.breaker = circuitbreaker.ClassifierBreaker(
		func(name string, from, to circuitbreaker.State) {
			c.log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
		func(err error) bool { return !shared.IsAuthorization(err) },
		circuitbreaker.WithFailureThreshold(cfg.BreakerThreshold),
		circuitbreaker.WithTimeout(cfg.BreakerTimeout),
	)
	return c
}

// ClassifyBatch classifies events. Events whose chunk could not be
// classified are left out of the result; the caller treats them as unknown.
// Authorization failures and cancellation abort the whole call.
func (c *Client) ClassifyBatch(ctx context.Context, events []progression.ClassificationInput) (map[string]progression.ClassificationResult, error) {
	out := make(map[string]progression.ClassificationResult, len(events))
	if len(events) == 0 {
		return out, nil
	}

	digests := make(map[string]string, len(events))
	for _, ev := range events {
		digests[ev.ID] = Digest(ev.Title, ev.Description)
	}

	pending := c.fromCache(ctx, events, digests, out)

	var (
		mu    sync.Mutex
		fresh = make(map[string]progression.ClassificationResult)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)

	for _, chunk := range chunkInputs(pending, c.config.BatchSize) {
		g.Go(func() error {
			results, err := c.classifyChunk(gctx, chunk)
			if err != nil {
				if shared.IsAuthorization(err) || ctx.Err() != nil {
					return err
				}
				c.log.Warn("classifier chunk failed, events degrade to unknown",
					logger.Int("chunk_size", len(chunk)),
					logger.Err(err),
				)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for id, res := range results {
				out[id] = res
				fresh[digests[id]] = res
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if c.cache != nil && len(fresh) > 0 {
		if err := c.cache.SetMany(ctx, fresh); err != nil {
			c.log.Warn("failed to write classifier cache", logger.Err(err))
		}
	}
	return out, nil
}

// fromCache fills out with cached results and returns the events still to classify.
func (c *Client) fromCache(ctx context.Context, events []progression.ClassificationInput, digests map[string]string, out map[string]progression.ClassificationResult) []progression.ClassificationInput {
	if c.cache == nil {
		return events
	}

	keys := make([]string, 0, len(digests))
	seen := make(map[string]struct{}, len(digests))
	for _, d := range digests {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			keys = append(keys, d)
		}
	}

	cached, err := c.cache.GetMany(ctx, keys)
	if err != nil {
		c.log.Warn("failed to read classifier cache", logger.Err(err))
		return events
	}

	pending := make([]progression.ClassificationInput, 0, len(events))
	for _, ev := range events {
		if res, ok := cached[digests[ev.ID]]; ok {
			out[ev.ID] = res
			metrics.ClassifierCacheLookups.WithLabelValues("hit").Inc()
			continue
		}
		metrics.ClassifierCacheLookups.WithLabelValues("miss").Inc()
		pending = append(pending, ev)
	}
	return pending
}

func (c *Client) classifyChunk(ctx context.Context, chunk []progression.ClassificationInput) (map[string]progression.ClassificationResult, error) {
	req := classifyRequest{Events: make([]eventDTO, len(chunk))}
	for i, ev := range chunk {
		req.Events[i] = eventDTO{
			ID:              ev.ID,
			Title:           ev.Title,
			Description:     ev.Description,
			Date:            ev.Date.UTC().Format(time.RFC3339),
			DurationMinutes: ev.DurationMinutes,
		}
	}

	var resp classifyResponse
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
			return c.post(ctx, "/v1/classify", req, &resp)
		})
	})
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(chunk))
	for _, ev := range chunk {
		wanted[ev.ID] = struct{}{}
	}

	results := make(map[string]progression.ClassificationResult, len(resp.Results))
	for _, r := range resp.Results {
		if _, ok := wanted[r.ID]; !ok {
			continue
		}
		results[r.ID] = progression.ClassificationResult{
			Category:    progression.Category(r.Category),
			Subcategory: r.Subcategory,
			Confidence:  r.Confidence,
		}.Normalize()
	}
	return results, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// post performs a single JSON request. Errors are marked retryable or
// permanent for the retrier.
func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ClassifierRequests.WithLabelValues("network_error").Inc()
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		return retry.Retryable(shared.WrapError("classifier", "Classify", shared.ErrClassifierUnavailable, "request failed", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return retry.Retryable(shared.WrapError("classifier", "Classify", shared.ErrClassifierUnavailable, "read response", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		metrics.ClassifierRequests.WithLabelValues("ok").Inc()
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.ClassifierRequests.WithLabelValues("denied").Inc()
		return retry.Permanent(shared.WrapError("classifier", "Classify", shared.ErrClassifierAccessDenied,
			fmt.Sprintf("status %d", resp.StatusCode), nil))
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.ClassifierRequests.WithLabelValues("rate_limited").Inc()
		return retry.Retryable(shared.WrapError("classifier", "Classify", shared.ErrClassifierRateLimited,
			errorMessage(respBody, resp.StatusCode), nil))
	case resp.StatusCode >= 500:
		metrics.ClassifierRequests.WithLabelValues("server_error").Inc()
		return retry.Retryable(shared.WrapError("classifier", "Classify", shared.ErrClassifierUnavailable,
			errorMessage(respBody, resp.StatusCode), nil))
	default:
		metrics.ClassifierRequests.WithLabelValues("client_error").Inc()
		return retry.Permanent(shared.WrapError("classifier", "Classify", shared.ErrClassification,
			errorMessage(respBody, resp.StatusCode), nil))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return retry.Permanent(shared.WrapError("classifier", "Classify", shared.ErrClassification, "decode response", err))
	}
	return nil
}

func errorMessage(body []byte, status int) string {
	var e errorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Sprintf("status %d: %s", status, e.Error)
	}
	return fmt.Sprintf("status %d", status)
}

func chunkInputs(events []progression.ClassificationInput, size int) [][]progression.ClassificationInput {
	if size <= 0 {
		size = len(events)
	}
	var chunks [][]progression.ClassificationInput
	for start := 0; start < len(events); start += size {
		end := min(start+size, len(events))
		chunks = append(chunks, events[start:end])
	}
	return chunks
}

var _ progression.Classifier = (*Client)(nil)
