package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/study-companion/internal/domain/calendar"
	"github.com/studyquest/study-companion/internal/domain/shared"
)

const sampleFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//study-companion//test//FR
BEGIN:VEVENT
UID:single-1
DTSTAMP:20240901T000000Z
DTSTART:20240902T080000Z
DTEND:20240902T093000Z
SUMMARY:Révision maths
DESCRIPTION:Chapitre 3
END:VEVENT
BEGIN:VEVENT
UID:weekly-1
DTSTAMP:20240901T000000Z
DTSTART;TZID=Europe/Paris:20240903T180000
DTEND;TZID=Europe/Paris:20240903T190000
RRULE:FREQ=WEEKLY;COUNT=4
EXDATE;TZID=Europe/Paris:20240910T180000
SUMMARY:Football
END:VEVENT
BEGIN:VEVENT
UID:weekly-1
DTSTAMP:20240901T000000Z
RECURRENCE-ID;TZID=Europe/Paris:20240917T180000
DTSTART;TZID=Europe/Paris:20240917T200000
DTEND;TZID=Europe/Paris:20240917T210000
SUMMARY:Football décalé
END:VEVENT
BEGIN:VEVENT
UID:transparent-1
DTSTAMP:20240901T000000Z
DTSTART:20240904T100000Z
DTEND:20240904T110000Z
TRANSP:TRANSPARENT
SUMMARY:Rappel
END:VEVENT
BEGIN:VEVENT
UID:allday-1
DTSTAMP:20240901T000000Z
DTSTART;VALUE=DATE:20240905
DTEND;VALUE=DATE:20240906
SUMMARY:Férié
END:VEVENT
END:VCALENDAR
`

func crlf(s string) string { return strings.ReplaceAll(s, "\n", "\r\n") }

type memoryConnections struct {
	mu    sync.Mutex
	conns map[string]*calendar.Connection
}

func (m *memoryConnections) Get(_ context.Context, userID string) (*calendar.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[userID]
	if !ok {
		return nil, shared.ErrCalendarNotConnected
	}
	return c, nil
}

func (m *memoryConnections) Upsert(_ context.Context, c *calendar.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.UserID] = c
	return nil
}

func paris(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	return loc
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	return newTestClientWith(t, DefaultConfig(), handler)
}

func newTestClientWith(t *testing.T, cfg Config, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conns := &memoryConnections{conns: map[string]*calendar.Connection{
		"u1": {UserID: "u1", FeedURL: srv.URL + "/feed.ics"},
	}}
	cfg.Location = paris(t)
	return NewClient(cfg, conns, nil)
}

func serveFeed(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(crlf(body)))
	}
}

func window(t *testing.T) (time.Time, time.Time) {
	loc := paris(t)
	return time.Date(2024, 9, 1, 0, 0, 0, 0, loc), time.Date(2024, 10, 1, 0, 0, 0, 0, loc)
}

func TestParseFeed(t *testing.T) {
	events, skipped, err := parseFeed([]byte(crlf(sampleFeed)), paris(t))
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, events, 5)

	weekly := events[1]
	assert.Equal(t, "weekly-1", weekly.UID)
	assert.Equal(t, "FREQ=WEEKLY;COUNT=4", weekly.RawRRule)
	assert.Equal(t, time.Date(2024, 9, 3, 16, 0, 0, 0, time.UTC), weekly.Start.UTC())
	require.Len(t, weekly.ExDates, 1)

	assert.True(t, events[2].IsOverride())
	assert.True(t, events[3].Transparent)
	assert.True(t, events[4].AllDay)
}

func TestParseFeed_Empty(t *testing.T) {
	_, _, err := parseFeed(nil, time.UTC)
	assert.Error(t, err)
}

func TestListEvents_ExpandsRecurrences(t *testing.T) {
	c := newTestClient(t, serveFeed(sampleFeed))
	start, end := window(t)

	events, err := c.ListEvents(context.Background(), "u1", start, end, 2500)
	require.NoError(t, err)
	require.Len(t, events, 5)

	assert.Equal(t, "single-1", events[0].ID)
	assert.Equal(t, "Révision maths", events[0].Title)
	assert.Equal(t, 90, events[0].DurationMinutes())
	assert.False(t, events[0].IsRecurring)

	assert.Equal(t, "weekly-1@20240903T160000Z", events[1].ID)
	assert.True(t, events[1].IsRecurring)

	assert.Equal(t, "transparent-1", events[2].ID)

	// the override keeps the instance id but moves the time
	assert.Equal(t, "weekly-1@20240917T160000Z", events[3].ID)
	assert.Equal(t, "Football décalé", events[3].Title)
	assert.Equal(t, time.Date(2024, 9, 17, 18, 0, 0, 0, time.UTC), events[3].Start.UTC())

	assert.Equal(t, "weekly-1@20240924T160000Z", events[4].ID)
}

func TestListEvents_MaxResults(t *testing.T) {
	c := newTestClient(t, serveFeed(sampleFeed))
	start, end := window(t)

	events, err := c.ListEvents(context.Background(), "u1", start, end, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestQueryBusy_SkipsTransparentAndAllDay(t *testing.T) {
	c := newTestClient(t, serveFeed(sampleFeed))
	start, end := window(t)

	busy, err := c.QueryBusy(context.Background(), "u1", start, end)
	require.NoError(t, err)
	require.Len(t, busy, 4)
	for _, b := range busy {
		assert.True(t, b.IsComplete())
		assert.True(t, b.End.After(b.Start))
	}
}

func TestFetch_AccessDenied(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		start, end := window(t)

		_, err := c.ListEvents(context.Background(), "u1", start, end, 10)
		require.Error(t, err, "status %d", status)
		assert.True(t, shared.IsAuthorization(err), "status %d", status)
		assert.ErrorIs(t, err, shared.ErrCalendarAccessDenied)
	}
}

func TestFetch_NotConnected(t *testing.T) {
	c := newTestClient(t, serveFeed(sampleFeed))
	start, end := window(t)

	_, err := c.QueryBusy(context.Background(), "nobody", start, end)
	assert.ErrorIs(t, err, shared.ErrCalendarNotConnected)
	assert.True(t, shared.IsAuthorization(err))
}

func TestFetch_InvalidFeed(t *testing.T) {
	c := newTestClient(t, serveFeed(""))
	start, end := window(t)

	_, err := c.ListEvents(context.Background(), "u1", start, end, 10)
	assert.ErrorIs(t, err, shared.ErrCalendarInvalidFormat)
	assert.False(t, shared.IsAuthorization(err))
}

func TestNormalizeFeedURL(t *testing.T) {
	assert.Equal(t, "https://example.com/a.ics", normalizeFeedURL("webcal://example.com/a.ics"))
	assert.Equal(t, "http://example.com/a.ics", normalizeFeedURL("http://example.com/a.ics"))
}

const minutelyFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//study-companion//test//FR
BEGIN:VEVENT
UID:minutely-1
DTSTAMP:20240901T000000Z
DTSTART:20240902T080000Z
DTEND:20240902T080100Z
RRULE:FREQ=MINUTELY
SUMMARY:Alarme
END:VEVENT
END:VCALENDAR
`

func TestQueryBusy_TruncatedSeriesFails(t *testing.T) {
	c := newTestClient(t, serveFeed(minutelyFeed))
	start := time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(7 * 24 * time.Hour)

	busy, err := c.QueryBusy(context.Background(), "u1", start, end)
	require.Error(t, err)
	assert.Nil(t, busy)
	assert.ErrorIs(t, err, shared.ErrCalendarInvalidFormat)
	assert.False(t, shared.IsAuthorization(err))
}

func TestQueryBusy_CapIsConfigurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOccurrencesPerEvent = 10
	c := newTestClientWith(t, cfg, serveFeed(minutelyFeed))
	start := time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)

	busy, err := c.QueryBusy(context.Background(), "u1", start, start.Add(9*time.Minute))
	require.NoError(t, err)
	assert.Len(t, busy, 10)

	_, err = c.QueryBusy(context.Background(), "u1", start, start.Add(time.Hour))
	assert.ErrorIs(t, err, shared.ErrCalendarInvalidFormat)
}

func TestListEvents_TruncatedSeriesKeepsFirstInstances(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOccurrencesPerEvent = 10
	c := newTestClientWith(t, cfg, serveFeed(minutelyFeed))
	start := time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)

	events, err := c.ListEvents(context.Background(), "u1", start, start.Add(time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, events, 10)
	assert.Equal(t, "minutely-1@20240902T080000Z", events[0].ID)
}
