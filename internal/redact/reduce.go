// Package redact implements the pattern-based timestamp reducer.
package redact

import (
	"fmt"
	"time"

	"gitveil/internal/veil"
)

// Pattern is the set of timestamp fields to reset to their canonical
// minimum. Fields are reset independently; resetting a coarser field never
// cascades into finer ones.
type Pattern struct {
	Year   bool
	Month  bool
	Day    bool
	Hour   bool
	Minute bool
	Second bool
}

// epochYear is the canonical minimum of the year field. Git timestamps are
// unix-based, so the epoch year is the floor of their domain.
const epochYear = 1970

// ParsePattern parses a pattern string of unit letters:
// y: year, M: month, d: day, h: hour, m: minute, s: second.
// Empty patterns and unknown letters are configuration errors.
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, veil.Configf("empty redaction pattern")
	}
	var p Pattern
	for _, r := range s {
		switch r {
		case 'y':
			p.Year = true
		case 'M':
			p.Month = true
		case 'd':
			p.Day = true
		case 'h':
			p.Hour = true
		case 'm':
			p.Minute = true
		case 's':
			p.Second = true
		default:
			return Pattern{}, veil.Configf("unknown unit %q in redaction pattern %q", string(r), s)
		}
	}
	return p, nil
}

// Limit is an inclusive bound on the hour-of-day after reduction. Hours
// below Start round up to Start, hours above End round down to End; hours
// inside the range pass through. It only ever changes the hour field.
type Limit struct {
	Start int
	End   int
}

// ParseLimit parses a "start-end" hour range. Both bounds must lie in
// [0, 24] with start ≤ end; ranges spanning midnight are not supported.
// An empty string means no limit.
func ParseLimit(s string) (*Limit, error) {
	if s == "" {
		return nil, nil
	}
	var start, end int
	if n, err := fmt.Sscanf(s, "%d-%d", &start, &end); err != nil || n != 2 {
		return nil, veil.Configf("unexpected syntax for limit %q, want start-end", s)
	}
	if start < 0 || end > 24 {
		return nil, veil.Configf("limit %q out of range, hours must lie in [0, 24]", s)
	}
	if start > end {
		return nil, veil.Configf("limit %q spans midnight, start must not exceed end", s)
	}
	return &Limit{Start: start, End: end}, nil
}

// Reducer reduces timestamp precision per a pattern and an optional hour
// limit. It implements veil.DateRedacter and is a pure value: safe to share
// and reuse across commits.
type Reducer struct {
	pattern Pattern
	limit   *Limit
}

var _ veil.DateRedacter = (*Reducer)(nil)

// NewReducer parses the pattern and limit strings into a Reducer.
func NewReducer(pattern, limit string) (*Reducer, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return nil, err
	}
	l, err := ParseLimit(limit)
	if err != nil {
		return nil, err
	}
	return &Reducer{pattern: p, limit: l}, nil
}

// Redact returns a copy of t with the pattern's fields reset and the hour
// clamped into the limit. The UTC offset is never changed.
func (r *Reducer) Redact(t time.Time) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()
	if r.pattern.Year {
		year = epochYear
	}
	if r.pattern.Month {
		month = time.January
	}
	if r.pattern.Day {
		day = 1
	}
	if r.pattern.Hour {
		hour = 0
	}
	if r.pattern.Minute {
		minute = 0
	}
	if r.pattern.Second {
		sec = 0
	}
	// Clamping runs after field reset and touches only the hour.
	if r.limit != nil {
		if hour < r.limit.Start {
			hour = r.limit.Start
		}
		if hour > r.limit.End {
			hour = r.limit.End
		}
	}
	return time.Date(year, month, day, hour, minute, sec, t.Nanosecond(), t.Location())
}
