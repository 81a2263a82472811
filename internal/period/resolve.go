package period

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the inbound date format.
const DateLayout = "02/01/2006"

var datePattern = regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4})$`)

// ParseDate parses a DD/MM/YYYY string into a calendar date at midnight UTC.
// Components are round-tripped through time.Date so 31/02/2024 is rejected
// instead of normalised to March.
func ParseDate(raw string) (time.Time, error) {
	m := datePattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidFormat, raw)
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month || t.Year() != year {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return t, nil
}

// Resolver normalises inputs using a fixed business-day boundary.
type Resolver struct {
	Boundary Boundary
	Now      func() time.Time
}

// NewResolver builds a resolver on the wall clock.
func NewResolver(boundary Boundary) Resolver {
	return Resolver{Boundary: boundary, Now: time.Now}
}

func (r Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Resolve is used by KPI computation, where the period is mandatory. Explicit
// dates win over the symbolic window and always yield a CUSTOM range, so an
// ad hoc range never takes the cache tier or snapshot key of a symbolic
// period. Without dates the tag is expanded relative to the current time.
func (r Resolver) Resolve(rawStart, rawEnd string, tag Tag) (Range, error) {
	if tag == "" {
		return Range{}, ErrMissingPeriod
	}
	if !tag.Valid() {
		return Range{}, fmt.Errorf("%w: %s", ErrUnknownPeriod, tag)
	}
	rawStart, rawEnd = strings.TrimSpace(rawStart), strings.TrimSpace(rawEnd)
	if rawStart == "" && rawEnd == "" {
		if tag == Custom {
			return Range{}, ErrMissingRange
		}
		return r.ForTag(tag)
	}
	return r.ResolveDates(rawStart, rawEnd)
}

// ResolveDates resolves an explicit range when no period is involved.
func (r Resolver) ResolveDates(rawStart, rawEnd string) (Range, error) {
	rng, err := r.explicit(strings.TrimSpace(rawStart), strings.TrimSpace(rawEnd))
	if err != nil {
		return Range{}, err
	}
	rng.Tag = Custom
	return rng, nil
}

func (r Resolver) explicit(rawStart, rawEnd string) (Range, error) {
	if rawStart == "" || rawEnd == "" {
		return Range{}, ErrMissingRange
	}
	startDay, err := ParseDate(rawStart)
	if err != nil {
		return Range{}, err
	}
	endDay, err := ParseDate(rawEnd)
	if err != nil {
		return Range{}, err
	}
	if startDay.After(endDay) {
		return Range{}, fmt.Errorf("%w: %s > %s", ErrRangeInverted, rawStart, rawEnd)
	}
	return Range{Start: r.Boundary.Start(startDay), End: r.Boundary.End(endDay)}, nil
}

// ForTag expands a symbolic tag into a range ending yesterday. Today is
// always excluded because its figures are still moving.
func (r Resolver) ForTag(tag Tag) (Range, error) {
	if !tag.Valid() {
		return Range{}, fmt.Errorf("%w: %s", ErrUnknownPeriod, tag)
	}
	if tag == Custom {
		return Range{}, ErrMissingRange
	}
	today := r.Boundary.Day(r.now())
	yesterday := today.AddDate(0, 0, -1)

	var first time.Time
	switch {
	case tag.Rolling():
		first = today.AddDate(0, 0, -tag.Days())
	case tag == LastMonth:
		first = time.Date(today.Year(), today.Month()-1, 1, 0, 0, 0, 0, today.Location())
		yesterday = first.AddDate(0, 1, -1)
	case tag == YearToDate:
		first = time.Date(yesterday.Year(), time.January, 1, 0, 0, 0, 0, today.Location())
	}
	return Range{Start: r.Boundary.Start(first), End: r.Boundary.End(yesterday), Tag: tag}, nil
}
