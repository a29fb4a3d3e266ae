// Package webhook delivers user notifications to an HTTP endpoint. The
// receiving service owns the actual channel (mail, push or chat).
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/studyquest/study-companion/internal/application/eventhandler"
	"github.com/studyquest/study-companion/pkg/circuitbreaker"
	"github.com/studyquest/study-companion/pkg/logger"
	"github.com/studyquest/study-companion/pkg/retry"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Signature-SHA256"

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains configuration for the webhook notifier.
type Config struct {
	URL string

	// Secret signs request bodies; empty disables signing.
	Secret string

	Timeout time.Duration

	MaxAttempts int
	RetryDelay  time.Duration

	// MaxRetryAfter caps how long a 429 Retry-After is honoured.
	MaxRetryAfter time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		Timeout:       10 * time.Second,
		MaxAttempts:   3,
		RetryDelay:    time.Second,
		MaxRetryAfter: 30 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFIER
// ══════════════════════════════════════════════════════════════════════════════

// Notifier implements eventhandler.Notifier over HTTP POST.
type Notifier struct {
	config     Config
	httpClient *http.Client
	retrier    *retry.Retrier
	breaker    *circuitbreaker.CircuitBreaker
	log        *logger.Logger
}

// NewNotifier creates a webhook notifier.
func NewNotifier(cfg Config, log *logger.Logger) *Notifier {
	def := DefaultConfig(cfg.URL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = def.MaxRetryAfter
	}
	if log == nil {
		log = logger.Nop()
	}

	n := &Notifier{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With(logger.Component("webhook_notifier")),
	}
	n.retrier = retry.New(
		retry.WithMaxAttempts(cfg.MaxAttempts),
		retry.WithInitialDelay(cfg.RetryDelay),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			n.log.Warn("webhook delivery failed, retrying",
				logger.Int("attempt", attempt),
				logger.Duration("delay", delay),
				logger.Err(err),
			)
		}),
	)
	n.breaker = circuitbreaker.New("webhook",
		circuitbreaker.WithFailureThreshold(5),
		circuitbreaker.WithTimeout(time.Minute),
	)
	return n
}

// WithHTTPClient replaces the HTTP client.
func (n *Notifier) WithHTTPClient(hc *http.Client) *Notifier {
	n.httpClient = hc
	return n
}

// payload is the JSON body posted to the endpoint.
type payload struct {
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Notify implements eventhandler.Notifier.
func (n *Notifier) Notify(ctx context.Context, note eventhandler.Notification) error {
	body, err := json.Marshal(payload{
		UserID:    note.UserID,
		Kind:      string(note.Kind),
		Text:      note.Text,
		CreatedAt: note.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return n.breaker.Execute(ctx, func(ctx context.Context) error {
		return n.retrier.Do(ctx, func(ctx context.Context) error {
			return n.post(ctx, body)
		})
	})
}

// post performs a single delivery attempt.
func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if n.config.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(n.config.Secret, body))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		return retry.Retryable(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{
		Status:     resp.StatusCode,
		Body:       string(bytes.TrimSpace(respBody)),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	if !apiErr.Temporary() {
		return retry.Permanent(apiErr)
	}

	if apiErr.RetryAfter > 0 {
		wait := min(apiErr.RetryAfter, n.config.MaxRetryAfter)
		select {
		case <-ctx.Done():
			return retry.Permanent(ctx.Err())
		case <-time.After(wait):
		}
	}
	return retry.Retryable(apiErr)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS & HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// APIError is a non-2xx response from the endpoint.
type APIError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook error %d", e.Status)
	}
	return fmt.Sprintf("webhook error %d: %s", e.Status, e.Body)
}

// Temporary reports whether a later attempt may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsAPIError reports whether err carries an endpoint response with the given status.
func IsAPIError(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
