// Package ics implements the calendar ports on top of per-user ICS feeds.
// Feeds are downloaded over HTTP, parsed with golang-ical and recurring
// events are expanded with rrule-go.
package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/studyquest/study-companion/internal/domain/calendar"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/internal/infrastructure/metrics"
	"github.com/studyquest/study-companion/pkg/circuitbreaker"
	"github.com/studyquest/study-companion/pkg/logger"
	"github.com/studyquest/study-companion/pkg/retry"
	"github.com/studyquest/study-companion/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains configuration for the feed client.
type Config struct {
	// Timeout is the per-download HTTP timeout.
	Timeout time.Duration

	// MaxFeedBytes caps the size of a downloaded feed.
	MaxFeedBytes int64

	UserAgent string

	// Location resolves floating times. Defaults to timeutil.Location().
	Location *time.Location

	// MaxOccurrencesPerEvent caps how many instances of one series are
	// expanded per query.
	MaxOccurrencesPerEvent int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:                15 * time.Second,
		MaxFeedBytes:           10 << 20,
		UserAgent:              "study-companion",
		MaxOccurrencesPerEvent: defaultMaxOccurrencesPerEvent,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client implements calendar.Source and calendar.BusySource.
type Client struct {
	config     Config
	conns      calendar.ConnectionRepository
	httpClient *http.Client
	retrier    *retry.Retrier
	breaker    *circuitbreaker.CircuitBreaker
	log        *logger.Logger
}

// NewClient creates a feed client resolving feed URLs through conns.
func NewClient(cfg Config, conns calendar.ConnectionRepository, log *logger.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxFeedBytes <= 0 {
		cfg.MaxFeedBytes = def.MaxFeedBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = def.MaxOccurrencesPerEvent
	}
	if cfg.Location == nil {
		cfg.Location = timeutil.Location()
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(logger.Component("ics"))

	c := &Client{
		config:     cfg,
		conns:      conns,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retrier:    retry.CalendarRetrier(),
		log:        log,
	}
	c.breaker = circuitbreaker.CalendarBreaker(
		func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
		func(err error) bool { return !shared.IsAuthorization(err) },
	)
	return c
}

// WithHTTPClient replaces the HTTP client. Intended for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// ListEvents returns event occurrences overlapping [start, end] sorted by
// start, at most maxResults. All-day events are left out. A series cut at
// the per-event cap contributes its first instances only.
func (c *Client) ListEvents(ctx context.Context, userID string, start, end time.Time, maxResults int) ([]calendar.EventSnapshot, error) {
	exp, err := c.occurrences(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	if len(exp.Truncated) > 0 {
		c.log.Warn("recurring events truncated",
			logger.UserID(userID),
			logger.Int("series", len(exp.Truncated)),
			logger.Int("max_occurrences", c.config.MaxOccurrencesPerEvent),
		)
	}
	occs := exp.Occurrences

	out := make([]calendar.EventSnapshot, 0, len(occs))
	for _, o := range occs {
		if o.AllDay {
			continue
		}
		out = append(out, calendar.EventSnapshot{
			ID:          o.ID,
			Title:       o.Summary,
			Description: o.Description,
			Start:       o.Start,
			End:         o.End,
			IsRecurring: o.Recurring,
		})
		if maxResults > 0 && len(out) >= maxResults {
			break
		}
	}
	return out, nil
}

// QueryBusy returns the opaque timed occurrences overlapping [start, end].
// A series with more instances than the per-event cap fails the query:
// a partial list would hide busy time.
func (c *Client) QueryBusy(ctx context.Context, userID string, start, end time.Time) ([]calendar.BusyInterval, error) {
	exp, err := c.occurrences(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	if len(exp.Truncated) > 0 {
		return nil, shared.WrapError("calendar", "QueryBusy", shared.ErrCalendarInvalidFormat,
			"recurring event has too many occurrences in the window",
			fmt.Errorf("series %v exceed %d occurrences", exp.Truncated, c.config.MaxOccurrencesPerEvent))
	}

	out := make([]calendar.BusyInterval, 0, len(exp.Occurrences))
	for _, o := range exp.Occurrences {
		if o.AllDay || o.Transparent || !o.End.After(o.Start) {
			continue
		}
		out = append(out, calendar.BusyInterval{Start: o.Start, End: o.End})
	}
	return out, nil
}

func (c *Client) occurrences(ctx context.Context, userID string, start, end time.Time) (expansion, error) {
	conn, err := c.conns.Get(ctx, userID)
	if err != nil {
		return expansion{}, err
	}

	body, err := c.download(ctx, conn.FeedURL)
	if err != nil {
		return expansion{}, err
	}

	events, skipped, err := parseFeed(body, c.config.Location)
	if err != nil {
		metrics.CalendarFetches.WithLabelValues("invalid").Inc()
		return expansion{}, shared.WrapError("calendar", "Parse", shared.ErrCalendarInvalidFormat, "failed to parse feed", err)
	}
	if skipped > 0 {
		c.log.Warn("skipped unreadable events", logger.UserID(userID), logger.Int("skipped", skipped))
	}

	return expand(events, start, end, c.config.MaxOccurrencesPerEvent), nil
}

// download fetches the feed body with retries behind the circuit breaker.
func (c *Client) download(ctx context.Context, feedURL string) ([]byte, error) {
	var body []byte
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			b, err := c.get(ctx, feedURL)
			if err != nil {
				return err
			}
			body = b
			return nil
		})
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return nil, shared.WrapError("calendar", "Fetch", shared.ErrCalendarUnavailable, "calendar downloads suspended", err)
	}
	return body, err
}

func (c *Client) get(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalizeFeedURL(feedURL), nil)
	if err != nil {
		return nil, retry.Permanent(shared.WrapError("calendar", "Fetch", shared.ErrCalendarAccessDenied, "invalid feed URL", err))
	}
	req.Header.Set("Accept", "text/calendar")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.CalendarFetches.WithLabelValues("network_error").Inc()
		if ctx.Err() != nil {
			return nil, retry.Permanent(ctx.Err())
		}
		return nil, retry.Retryable(shared.WrapError("calendar", "Fetch", shared.ErrCalendarUnavailable, "request failed", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		metrics.CalendarFetches.WithLabelValues("denied").Inc()
		return nil, retry.Permanent(shared.WrapError("calendar", "Fetch", shared.ErrCalendarAccessDenied,
			fmt.Sprintf("feed returned status %d", resp.StatusCode), nil))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		metrics.CalendarFetches.WithLabelValues("unavailable").Inc()
		return nil, retry.Retryable(shared.WrapError("calendar", "Fetch", shared.ErrCalendarUnavailable,
			fmt.Sprintf("feed returned status %d", resp.StatusCode), nil))
	default:
		metrics.CalendarFetches.WithLabelValues("unexpected_status").Inc()
		return nil, retry.Permanent(shared.WrapError("calendar", "Fetch", shared.ErrCalendarUnavailable,
			fmt.Sprintf("feed returned status %d", resp.StatusCode), nil))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxFeedBytes+1))
	if err != nil {
		return nil, retry.Retryable(shared.WrapError("calendar", "Fetch", shared.ErrCalendarUnavailable, "read feed", err))
	}
	if int64(len(body)) > c.config.MaxFeedBytes {
		return nil, retry.Permanent(shared.WrapError("calendar", "Fetch", shared.ErrCalendarInvalidFormat,
			fmt.Sprintf("feed exceeds %d bytes", c.config.MaxFeedBytes), nil))
	}

	metrics.CalendarFetches.WithLabelValues("ok").Inc()
	return body, nil
}

// normalizeFeedURL maps webcal:// subscriptions to https://.
func normalizeFeedURL(u string) string {
	if rest, ok := strings.CutPrefix(u, "webcal://"); ok {
		return "https://" + rest
	}
	return u
}

var (
	_ calendar.Source     = (*Client)(nil)
	_ calendar.BusySource = (*Client)(nil)
)
