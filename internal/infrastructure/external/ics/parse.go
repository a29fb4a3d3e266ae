package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

var (
	propTransp       = ical.ComponentProperty("TRANSP")
	propRecurrenceID = ical.ComponentProperty("RECURRENCE-ID")
)

// feedEvent is a normalized VEVENT before recurrence expansion.
type feedEvent struct {
	UID         string
	Summary     string
	Description string

	Start  time.Time
	End    time.Time
	AllDay bool

	// Transparent events do not block time (TRANSP:TRANSPARENT).
	Transparent bool

	RawRRule     string
	ExDates      []time.Time
	RecurrenceID *time.Time
}

// IsOverride reports whether the event replaces one instance of a series.
func (e feedEvent) IsOverride() bool {
	return e.RecurrenceID != nil
}

// parseFeed parses an ICS payload. Events that cannot be read are skipped;
// skipped reports how many.
func parseFeed(body []byte, loc *time.Location) (events []feedEvent, skipped int, err error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, 0, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}

	for _, ve := range cal.Events() {
		ev, perr := parseVEvent(ve, loc)
		if perr != nil {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return events, skipped, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (feedEvent, error) {
	var out feedEvent

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uid.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(propTransp); p != nil {
		out.Transparent = strings.EqualFold(strings.TrimSpace(p.Value), "TRANSPARENT")
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	if isDateValue(dtStart) {
		out.AllDay = true
	}

	start, err := parseTime(dtStart.Value, tzid(dtStart), loc)
	if err != nil {
		return out, err
	}
	out.Start = start
	out.End = start

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		end, err := parseTime(dtEnd.Value, tzid(dtEnd), loc)
		if err != nil {
			return out, err
		}
		out.End = end
	} else if out.AllDay {
		out.End = start.AddDate(0, 0, 1)
	}
	if out.End.Before(out.Start) {
		return out, errors.New("DTEND before DTSTART")
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseTime(part, tzid(p), loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty(propRecurrenceID); p != nil {
		if t, err := parseTime(p.Value, tzid(p), loc); err == nil {
			out.RecurrenceID = &t
		}
	}

	return out, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func tzid(p *ical.IANAProperty) string {
	if vs, ok := p.ICalParameters["TZID"]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseTime reads DATE, floating DATE-TIME, TZID DATE-TIME and UTC forms.
// Floating values and unknown zones resolve in fallback.
func parseTime(value, tz string, fallback *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty time value")
	}

	loc := fallback
	if tz != "" {
		if l, err := time.LoadLocation(strings.Trim(tz, `"`)); err == nil {
			loc = l
		}
	}

	switch {
	case strings.HasSuffix(value, "Z"):
		return time.Parse("20060102T150405Z", value)
	case strings.Contains(value, "T"):
		return time.ParseInLocation("20060102T150405", value, loc)
	default:
		return time.ParseInLocation("20060102", value, loc)
	}
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
