// Package period turns caller supplied dates and symbolic period tags into
// canonical business-day ranges.
package period

import (
	"strings"
	"time"
)

// Tag identifies a rolling or calendar window.
type Tag string

const (
	Last7Days    Tag = "LAST_7_D"
	Last30Days   Tag = "LAST_30_D"
	Last6Months  Tag = "LAST_6_M"
	Last12Months Tag = "LAST_12_M"
	LastMonth    Tag = "LAST_MONTH"
	YearToDate   Tag = "YEAR_TO_DATE"
	Custom       Tag = "CUSTOM"
)

// rollingDays maps rolling tags to the number of business days they cover.
var rollingDays = map[Tag]int{
	Last7Days:    7,
	Last30Days:   30,
	Last6Months:  180,
	Last12Months: 365,
}

// Tags lists every supported tag in display order.
func Tags() []Tag {
	return []Tag{Last7Days, Last30Days, Last6Months, Last12Months, LastMonth, YearToDate, Custom}
}

// Symbolic lists the tags that resolve without caller dates.
func Symbolic() []Tag {
	return []Tag{Last7Days, Last30Days, Last6Months, Last12Months, LastMonth, YearToDate}
}

// ParseTag normalises a raw tag. Empty input yields ErrMissingPeriod.
func ParseTag(raw string) (Tag, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		return "", ErrMissingPeriod
	}
	tag := Tag(raw)
	if !tag.Valid() {
		return "", ErrUnknownPeriod
	}
	return tag, nil
}

// Valid reports whether the tag is one of the known values.
func (t Tag) Valid() bool {
	if _, ok := rollingDays[t]; ok {
		return true
	}
	return t == LastMonth || t == YearToDate || t == Custom
}

// Rolling reports whether the tag is a trailing N-day window.
func (t Tag) Rolling() bool {
	_, ok := rollingDays[t]
	return ok
}

// Days returns the window length of a rolling tag, or 0.
func (t Tag) Days() int {
	return rollingDays[t]
}

func (t Tag) String() string {
	return string(t)
}

// Boundary fixes the hour at which a business day starts. Hour 0 gives
// calendar days; hour 6 gives 06:00 to 05:59:59.999 of the next day.
type Boundary struct {
	StartHour int
	Location  *time.Location
}

// DefaultBoundary uses calendar days in UTC.
var DefaultBoundary = Boundary{StartHour: 0, Location: time.UTC}

// NewBoundary builds a boundary, clamping the hour into [0,23].
func NewBoundary(startHour int, loc *time.Location) Boundary {
	if startHour < 0 || startHour > 23 {
		startHour = 0
	}
	if loc == nil {
		loc = time.UTC
	}
	return Boundary{StartHour: startHour, Location: loc}
}

func (b Boundary) location() *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	return b.Location
}

// Start returns the first instant of the business day that carries the
// calendar date of day.
func (b Boundary) Start(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, b.StartHour, 0, 0, 0, b.location())
}

// End returns the last instant (millisecond precision) of the business day
// that carries the calendar date of day.
func (b Boundary) End(day time.Time) time.Time {
	y, m, d := day.Date()
	next := time.Date(y, m, d+1, b.StartHour, 0, 0, 0, b.location())
	return next.Add(-time.Millisecond)
}

// Day returns the calendar date (midnight, boundary location) of the
// business day that contains instant t.
func (b Boundary) Day(t time.Time) time.Time {
	local := t.In(b.location())
	if local.Hour() < b.StartHour {
		local = local.AddDate(0, 0, -1)
	}
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, b.location())
}

// Range is an inclusive interval of instants.
type Range struct {
	Start time.Time
	End   time.Time
	Tag   Tag
}

// Days counts the business days covered by the range. Calendar dates are
// stepped rather than elapsed time divided, so a DST change inside the range
// does not add or drop a day.
func (r Range) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}
	first := calendarDay(r.Start)
	// End is one millisecond before the next boundary.
	last := calendarDay(r.End.Add(time.Millisecond))
	days := 0
	for d := first; d.Before(last); d = d.AddDate(0, 0, 1) {
		days++
	}
	if days == 0 {
		days = 1
	}
	return days
}

func calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Contains reports whether t lies inside the range.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Token renders the range for cache keys and logs.
func (r Range) Token() string {
	return r.Start.UTC().Format("20060102T150405") + "-" + r.End.UTC().Format("20060102T150405")
}
