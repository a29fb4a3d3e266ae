package ics

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

const defaultMaxOccurrencesPerEvent = 5000

// occurrence is one concrete instance of a feed event.
type occurrence struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Transparent bool
	Recurring   bool
}

// expansion is the outcome of expand. Truncated lists the UIDs of series
// that had more than the per-event cap of instances in the range; their
// later instances are missing from Occurrences.
type expansion struct {
	Occurrences []occurrence
	Truncated   []string
}

// expand turns feed events into occurrences overlapping [rangeStart, rangeEnd],
// applying RRULE, EXDATE and RECURRENCE-ID overrides. Occurrences are sorted
// by start time.
func expand(events []feedEvent, rangeStart, rangeEnd time.Time, maxPerEvent int) expansion {
	if maxPerEvent <= 0 {
		maxPerEvent = defaultMaxOccurrencesPerEvent
	}

	overrides := make(map[string][]feedEvent)
	var bases []feedEvent
	for _, ev := range events {
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
		} else {
			bases = append(bases, ev)
		}
	}

	var (
		out       []occurrence
		truncated []string
	)
	for _, ev := range bases {
		if ev.RawRRule == "" {
			if overlaps(ev.Start, ev.End, rangeStart, rangeEnd) {
				out = append(out, makeOccurrence(ev, ev.UID, ev.Start, ev.End, false))
			}
			continue
		}
		occs, cut := expandRecurring(ev, overrides[ev.UID], rangeStart, rangeEnd, maxPerEvent)
		out = append(out, occs...)
		if cut {
			truncated = append(truncated, ev.UID)
		}
	}

	// Overrides whose series is missing from the feed stand alone.
	for uid, ovs := range overrides {
		if hasBase(bases, uid) {
			continue
		}
		for _, ov := range ovs {
			if overlaps(ov.Start, ov.End, rangeStart, rangeEnd) {
				out = append(out, makeOccurrence(ov, instanceID(uid, *ov.RecurrenceID), ov.Start, ov.End, true))
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return expansion{Occurrences: out, Truncated: truncated}
}

// expandRecurring reports true when the series was cut at maxPerEvent.
func expandRecurring(ev feedEvent, overrides []feedEvent, rangeStart, rangeEnd time.Time, maxPerEvent int) ([]occurrence, bool) {
	rule, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		// Unreadable rules keep the first instance only.
		if overlaps(ev.Start, ev.End, rangeStart, rangeEnd) {
			return []occurrence{makeOccurrence(ev, ev.UID, ev.Start, ev.End, false)}, false
		}
		return nil, false
	}
	rule.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	from := rangeStart.Add(-dur).In(ev.Start.Location())
	to := rangeEnd.In(ev.Start.Location())

	starts := set.Between(from, to, true)
	cut := len(starts) > maxPerEvent
	if cut {
		starts = starts[:maxPerEvent]
	}

	out := make([]occurrence, 0, len(starts))
	for _, s := range starts {
		start, end := s, s.Add(dur)
		src := ev
		if ov, ok := findOverride(overrides, s); ok {
			start, end, src = ov.Start, ov.End, ov
		}
		if !overlaps(start, end, rangeStart, rangeEnd) {
			continue
		}
		out = append(out, makeOccurrence(src, instanceID(ev.UID, s), start, end, true))
	}
	return out, cut
}

func findOverride(overrides []feedEvent, start time.Time) (feedEvent, bool) {
	for _, ov := range overrides {
		if ov.RecurrenceID != nil && ov.RecurrenceID.Equal(start) {
			return ov, true
		}
	}
	return feedEvent{}, false
}

func hasBase(bases []feedEvent, uid string) bool {
	for _, b := range bases {
		if b.UID == uid {
			return true
		}
	}
	return false
}

func makeOccurrence(ev feedEvent, id string, start, end time.Time, recurring bool) occurrence {
	return occurrence{
		ID:          id,
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       start,
		End:         end,
		AllDay:      ev.AllDay,
		Transparent: ev.Transparent,
		Recurring:   recurring,
	}
}

// instanceID identifies one instance of a series: UID plus original UTC start.
func instanceID(uid string, start time.Time) string {
	return uid + "@" + start.UTC().Format("20060102T150405Z")
}

// overlaps is the closed-interval check used for range selection; a
// zero-length event at a boundary still belongs to the range.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
