// Package timeutil normalizes the heterogeneous date/time inputs that arrive
// from the order system into canonical fixed-timezone instants, and computes
// the daily anchor instants and day keys the scheduler works with.
//
// All due-date arithmetic in the queue is done on canonical strings
// ("2006-01-02 15:04:05" for instants, "2006-01-02" for dates) rendered in a
// single organizational timezone, so that merge/compare operations are plain
// string comparisons and never depend on the host timezone or DST state.
//
// Functions:
//
//   - NewZone(tz, hour, minute) -> *Zone
//     Builds the fixed-timezone context used by all other operations.
//
//   - (*Zone) ToCanonicalInstant(raw) -> (time.Time, bool)
//     Parses several date/time string shapes; false on unparseable input.
//     Callers must treat false as "unknown", never as "due now".
//
//   - (*Zone) Anchor(date) -> time.Time
//     The 09:30-local (configurable) instant for a calendar date.
//
//   - (*Zone) NextAnchorAfter(now) -> time.Time
//     Today's anchor if now precedes it, else tomorrow's.
//
//   - (*Zone) FormatInstant / FormatDate / DayKey
//     Canonical string renderings.
//
//   - AddDays(t, n), BusinessDaysInclusive(start, end)
//     Calendar arithmetic helpers.
package timeutil

import (
	"strings"
	"time"
)

// Canonical layouts. InstantLayout sorts lexicographically in time order,
// which the queue's earliest-wins merge depends on.
const (
	InstantLayout = "2006-01-02 15:04:05"
	DateLayout    = "2006-01-02"
	DayKeyLayout  = "20060102"
)

// inputLayouts are the string shapes accepted from the order system, tried in
// order. RFC3339 variants carry their own offset; the rest are interpreted in
// the organizational timezone.
var inputLayouts = []string{
	InstantLayout,
	DateLayout,
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"1/2/2006",
}

// Zone is the fixed organizational timezone plus the daily anchor time.
// A single Zone is built from configuration at startup and shared.
type Zone struct {
	loc          *time.Location
	anchorHour   int
	anchorMinute int
}

// NewZone loads the IANA timezone tz and fixes the daily anchor at
// hour:minute local. It returns an error only when tz is unknown.
func NewZone(tz string, hour, minute int) (*Zone, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	return &Zone{loc: loc, anchorHour: hour, anchorMinute: minute}, nil
}

// Location exposes the underlying *time.Location for callers that need to
// render "now" consistently with queue timestamps.
func (z *Zone) Location() *time.Location { return z.loc }

// Now returns the current instant in the organizational timezone.
func (z *Zone) Now() time.Time { return time.Now().In(z.loc) }

// ToCanonicalInstant parses raw into an instant in the organizational
// timezone. It accepts RFC3339, the canonical layouts, and the locale shapes
// the CRM feeds in. The second return value is false when raw is empty or
// unparseable; callers must treat that as "unknown".
func (z *Zone) ToCanonicalInstant(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(z.loc), true
	}
	for _, layout := range inputLayouts {
		if t, err := time.ParseInLocation(layout, s, z.loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Anchor returns the daily anchor instant (09:30 local by default) for the
// calendar date of d.
func (z *Zone) Anchor(d time.Time) time.Time {
	d = d.In(z.loc)
	return time.Date(d.Year(), d.Month(), d.Day(), z.anchorHour, z.anchorMinute, 0, 0, z.loc)
}

// NextAnchorAfter returns the next anchor strictly after now: today's if now
// still precedes it, otherwise tomorrow's.
func (z *Zone) NextAnchorAfter(now time.Time) time.Time {
	a := z.Anchor(now)
	if now.Before(a) {
		return a
	}
	return z.Anchor(AddDays(now, 1))
}

// FormatInstant renders t as a canonical instant string in the zone.
func (z *Zone) FormatInstant(t time.Time) string {
	return t.In(z.loc).Format(InstantLayout)
}

// FormatDate renders t as a canonical date-only string in the zone.
func (z *Zone) FormatDate(t time.Time) string {
	return t.In(z.loc).Format(DateLayout)
}

// DayKey renders t as a compact YYYYMMDD key, used to make recurring
// single-day reminder ids unique per calendar day.
func (z *Zone) DayKey(t time.Time) string {
	return t.In(z.loc).Format(DayKeyLayout)
}

// ParseInstant parses a canonical instant string produced by FormatInstant.
func (z *Zone) ParseInstant(s string) (time.Time, bool) {
	t, err := time.ParseInLocation(InstantLayout, s, z.loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseDate parses a canonical date string produced by FormatDate.
func (z *Zone) ParseDate(s string) (time.Time, bool) {
	t, err := time.ParseInLocation(DateLayout, s, z.loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// AddDays returns t shifted by n calendar days.
func AddDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}

// AddBusinessDays returns t shifted forward by n weekdays, skipping
// Saturdays and Sundays. n <= 0 returns t unchanged.
func AddBusinessDays(t time.Time, n int) time.Time {
	for n > 0 {
		t = t.AddDate(0, 0, 1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n--
		}
	}
	return t
}

// BusinessDaysInclusive counts weekdays in [start, end]. It returns 0 when
// end is an earlier calendar day than start.
func BusinessDaysInclusive(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, end.Location())
	if e.Before(s) {
		return 0
	}
	n := 0
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n++
		}
	}
	return n
}

// CalendarDaysBetween returns the whole calendar days from a to b (b - a),
// negative when b precedes a. Used for the escalation staleness check.
func CalendarDaysBetween(a, b time.Time) int {
	// Midnights are compared in UTC so DST transitions cannot skew the count.
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bd.Sub(ad).Hours() / 24)
}
