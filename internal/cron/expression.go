package cron

import (
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"
)

// macros maps named schedule macros to their 5-field expression.
var macros = map[string]string{
	"@yearly":  "0 0 1 1 *",
	"@monthly": "0 0 1 * *",
	"@weekly":  "0 0 * * 0",
	"@daily":   "0 0 * * *",
	"@hourly":  "0 * * * *",
}

// Expression is a parsed 5-field cron expression (minute, hour, day-of-month,
// month, day-of-week). An Expression is immutable and safe for concurrent use.
//
// Zero time arguments to the matching methods mean "now" localized to the
// expression's location (UTC unless configured otherwise).
type Expression struct {
	source string

	domSpec string
	dowSpec string

	minutes []int
	hours   []int
	months  []int

	loc    *time.Location
	logger *slog.Logger
}

// Option configures an Expression during parsing.
type Option func(*Expression)

// WithLocation sets the location used to localize zero time arguments.
func WithLocation(loc *time.Location) Option {
	return func(e *Expression) {
		e.loc = loc
	}
}

// WithLogger sets the logger used for parse warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Expression) {
		e.logger = logger
	}
}

// Parse parses a cron expression or one of the @yearly, @monthly, @weekly,
// @daily, @hourly macros. A sixth (year) field is accepted and ignored with a
// warning for compatibility with extended cron formats.
func Parse(expr string, opts ...Option) (*Expression, error) {
	e := &Expression{
		source: expr,
		loc:    time.UTC,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	resolved := strings.TrimSpace(expr)
	if m, ok := macros[resolved]; ok {
		resolved = m
	}

	fields := strings.Fields(resolved)
	if len(fields) == 6 {
		e.logger.Warn("ignoring year field in cron expression", "expression", expr)
		fields = fields[:5]
	}
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression %q must have 5 fields, got %d", expr, len(fields))
	}

	var err error
	if e.minutes, err = minuteSet(fields[0]); err != nil {
		return nil, fmt.Errorf("invalid minutes field %q: %w", fields[0], err)
	}
	if e.hours, err = hourSet(fields[1]); err != nil {
		return nil, fmt.Errorf("invalid hours field %q: %w", fields[1], err)
	}
	e.domSpec = fields[2]
	if e.months, err = monthSet(fields[3]); err != nil {
		return nil, fmt.Errorf("invalid month field %q: %w", fields[3], err)
	}
	e.dowSpec = fields[4]

	return e, e.Validate()
}

// String returns the original expression text.
func (e *Expression) String() string {
	return e.source
}

// Validate builds the date-dependent field sets against a probe date and
// returns a parse or range error if the day-of-month or day-of-week fields
// are malformed. The other fields are validated during Parse.
func (e *Expression) Validate() error {
	now := time.Now().In(e.loc)
	if _, err := monthdaySet(e.domSpec, now.Year(), now.Month()); err != nil {
		return fmt.Errorf("invalid day-of-month field %q: %w", e.domSpec, err)
	}
	if _, err := weekdaySet(e.dowSpec, now.Year(), now.Month(), now.Day()); err != nil {
		return fmt.Errorf("invalid day-of-week field %q: %w", e.dowSpec, err)
	}
	return nil
}

// Match tests whether t matches the expression. It returns the matched time
// (truncated to the minute) and true on a match. A zero t tests the current
// time in the expression's location.
func (e *Expression) Match(t time.Time) (time.Time, bool) {
	dtz := e.orNow(t)
	dom, dow := e.daySets(dtz)
	if contains(e.months, int(dtz.Month())) &&
		contains(dom, dtz.Day()) &&
		contains(dow, weekdayOf(dtz.Year(), dtz.Month(), dtz.Day())) &&
		contains(e.hours, dtz.Hour()) &&
		contains(e.minutes, dtz.Minute()) {
		return minuteFloor(dtz), true
	}
	return time.Time{}, false
}

// Since enumerates matches after start (exclusive) up to and including end.
// With mostRecentFirst the sequence runs backward from end. A zero end means
// now.
func (e *Expression) Since(start, end time.Time, mostRecentFirst bool) iter.Seq[time.Time] {
	end = e.orNow(end)
	if mostRecentFirst {
		return e.matchesBackward(start, end)
	}
	return e.matchesForward(start, end)
}

// Until enumerates matches after start (exclusive) up to and including end.
// With earliestFirst the sequence runs forward from start. A zero start means
// now.
func (e *Expression) Until(end, start time.Time, earliestFirst bool) iter.Seq[time.Time] {
	start = e.orNow(start)
	if earliestFirst {
		return e.matchesForward(start, end)
	}
	return e.matchesBackward(start, end)
}

// WithinLast enumerates matches in the timespan ending at end (inclusive).
func (e *Expression) WithinLast(span time.Duration, end time.Time, mostRecentFirst bool) iter.Seq[time.Time] {
	end = e.orNow(end)
	return e.Since(end.Add(-span), end, mostRecentFirst)
}

// WithinNext enumerates matches in the timespan starting at start (exclusive).
func (e *Expression) WithinNext(span time.Duration, start time.Time, earliestFirst bool) iter.Seq[time.Time] {
	start = e.orNow(start)
	return e.Until(start.Add(span), start, earliestFirst)
}

// LastSince returns the most recent match after start (exclusive) up to and
// including end.
func (e *Expression) LastSince(start, end time.Time) (time.Time, bool) {
	return first(e.Since(start, end, true))
}

// FirstSince returns the earliest match after start (exclusive) up to and
// including end.
func (e *Expression) FirstSince(start, end time.Time) (time.Time, bool) {
	return first(e.Since(start, end, false))
}

// LastUntil returns the latest match after start (exclusive) up to and
// including end.
func (e *Expression) LastUntil(end, start time.Time) (time.Time, bool) {
	return first(e.Until(end, start, false))
}

// FirstUntil returns the earliest match after start (exclusive) up to and
// including end.
func (e *Expression) FirstUntil(end, start time.Time) (time.Time, bool) {
	return first(e.Until(end, start, true))
}

// FirstWithinNext returns the earliest match in the timespan starting at
// start (exclusive).
func (e *Expression) FirstWithinNext(span time.Duration, start time.Time) (time.Time, bool) {
	return first(e.WithinNext(span, start, true))
}

// LastWithinNext returns the latest match in the timespan starting at start
// (exclusive).
func (e *Expression) LastWithinNext(span time.Duration, start time.Time) (time.Time, bool) {
	return first(e.WithinNext(span, start, false))
}

// FirstWithinLast returns the earliest match in the timespan ending at end
// (inclusive).
func (e *Expression) FirstWithinLast(span time.Duration, end time.Time) (time.Time, bool) {
	return first(e.WithinLast(span, end, false))
}

// LastWithinLast returns the most recent match in the timespan ending at end
// (inclusive).
func (e *Expression) LastWithinLast(span time.Duration, end time.Time) (time.Time, bool) {
	return first(e.WithinLast(span, end, true))
}

// matchesBackward walks backward from end (inclusive) to start (exclusive),
// jumping directly to the previous candidate month, day, hour or minute
// instead of scanning minute by minute.
func (e *Expression) matchesBackward(start, end time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		startT := minuteFloor(start)
		dtz := minuteFloor(e.orNow(end))

		for dtz.After(startT) {
			if !contains(e.months, int(dtz.Month())) {
				dtz = e.prevMonth(dtz)
				continue
			}
			dom, dow := e.daySets(dtz)
			if !contains(dom, dtz.Day()) || !contains(dow, weekdayOf(dtz.Year(), dtz.Month(), dtz.Day())) {
				dtz = e.prevDay(dtz)
				continue
			}
			if !contains(e.hours, dtz.Hour()) {
				dtz = e.prevHour(dtz)
				continue
			}
			if !contains(e.minutes, dtz.Minute()) {
				dtz = e.prevMinute(dtz)
				continue
			}
			if !dtz.After(startT) || !yield(dtz) {
				return
			}
			dtz = e.prevMinute(dtz)
		}
	}
}

// matchesForward walks forward from start (exclusive) to end (inclusive).
func (e *Expression) matchesForward(start, end time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		dtz := minuteFloor(e.orNow(start)).Add(time.Minute)

		for !dtz.After(end) {
			if !contains(e.months, int(dtz.Month())) {
				dtz = e.nextMonth(dtz)
				continue
			}
			dom, dow := e.daySets(dtz)
			if !contains(dom, dtz.Day()) || !contains(dow, weekdayOf(dtz.Year(), dtz.Month(), dtz.Day())) {
				dtz = e.nextDay(dtz)
				continue
			}
			if !contains(e.hours, dtz.Hour()) {
				dtz = e.nextHour(dtz)
				continue
			}
			if !contains(e.minutes, dtz.Minute()) {
				dtz = e.nextMinute(dtz)
				continue
			}
			if dtz.After(end) || !yield(dtz) {
				return
			}
			dtz = e.nextMinute(dtz)
		}
	}
}

// prevMonth moves to the last candidate minute of the previous matching
// month, decrementing the year when the month wraps.
func (e *Expression) prevMonth(dt time.Time) time.Time {
	m := int(dt.Month())
	var idx int
	if i := index(e.months, m); i >= 0 {
		idx = i - 1
		if idx < 0 {
			idx = len(e.months) - 1
		}
	} else {
		idx = len(e.months) - 1
		for idx >= 0 && e.months[idx] > m {
			idx--
		}
		if idx < 0 {
			idx = len(e.months) - 1
		}
	}
	pm := time.Month(e.months[idx])

	year := dt.Year()
	if int(pm) >= m {
		year--
	}

	days := e.domFor(year, pm)
	day := daysInMonth(year, pm)
	if len(days) > 0 {
		day = days[len(days)-1]
	}
	return time.Date(year, pm, day, maxOf(e.hours), maxOf(e.minutes), 0, 0, dt.Location())
}

// nextMonth moves to the first candidate minute of the next matching month,
// incrementing the year when the month wraps.
func (e *Expression) nextMonth(dt time.Time) time.Time {
	m := int(dt.Month())
	var idx int
	if i := index(e.months, m); i >= 0 {
		idx = (i + 1) % len(e.months)
	} else {
		idx = 0
		for idx < len(e.months)-1 && e.months[idx] < m {
			idx++
		}
	}
	nm := time.Month(e.months[idx])

	year := dt.Year()
	if int(nm) <= m {
		year++
	}

	days := e.domFor(year, nm)
	day := 1
	if len(days) > 0 {
		day = days[0]
	}
	return time.Date(year, nm, day, minOf(e.hours), minOf(e.minutes), 0, 0, dt.Location())
}

// prevDay moves to the last candidate minute of the previous matching day,
// falling back to the previous month when the day is the earliest candidate.
func (e *Expression) prevDay(dt time.Time) time.Time {
	days := e.domFor(dt.Year(), dt.Month())
	day := dt.Day()

	d := day
	if i := index(days, day); i >= 0 {
		if i > 0 {
			d = days[i-1]
		}
	} else if len(days) > 0 {
		idx := len(days) - 1
		for idx > 0 && days[idx] > day {
			idx--
		}
		d = days[idx]
	}

	if d >= day {
		return e.prevMonth(dt)
	}
	return time.Date(dt.Year(), dt.Month(), d, maxOf(e.hours), maxOf(e.minutes), 0, 0, dt.Location())
}

// nextDay moves to the first candidate minute of the next matching day,
// falling forward to the next month when the day is the latest candidate.
func (e *Expression) nextDay(dt time.Time) time.Time {
	days := e.domFor(dt.Year(), dt.Month())
	day := dt.Day()

	d := day
	if i := index(days, day); i >= 0 {
		d = days[(i+1)%len(days)]
	} else if len(days) > 0 {
		idx := 0
		for idx < len(days)-1 && days[idx] < day {
			idx++
		}
		d = days[idx]
	}

	if d <= day {
		return e.nextMonth(dt)
	}
	return time.Date(dt.Year(), dt.Month(), d, minOf(e.hours), minOf(e.minutes), 0, 0, dt.Location())
}

func (e *Expression) prevHour(dt time.Time) time.Time {
	hour := dt.Hour()
	var h int
	if i := index(e.hours, hour); i >= 0 {
		if i > 0 {
			h = e.hours[i-1]
		} else {
			h = e.hours[len(e.hours)-1]
		}
	} else {
		idx := len(e.hours) - 1
		for idx > 0 && e.hours[idx] > hour {
			idx--
		}
		h = e.hours[idx]
	}

	if h >= hour {
		return e.prevDay(dt)
	}
	return time.Date(dt.Year(), dt.Month(), dt.Day(), h, maxOf(e.minutes), 0, 0, dt.Location())
}

func (e *Expression) nextHour(dt time.Time) time.Time {
	hour := dt.Hour()
	var h int
	if i := index(e.hours, hour); i >= 0 {
		h = e.hours[(i+1)%len(e.hours)]
	} else {
		idx := 0
		for idx < len(e.hours)-1 && e.hours[idx] < hour {
			idx++
		}
		h = e.hours[idx]
	}

	if h <= hour {
		return e.nextDay(dt)
	}
	return time.Date(dt.Year(), dt.Month(), dt.Day(), h, minOf(e.minutes), 0, 0, dt.Location())
}

func (e *Expression) prevMinute(dt time.Time) time.Time {
	minute := dt.Minute()
	var m int
	if i := index(e.minutes, minute); i >= 0 {
		if i > 0 {
			m = e.minutes[i-1]
		} else {
			m = e.minutes[len(e.minutes)-1]
		}
	} else {
		idx := len(e.minutes) - 1
		for idx > 0 && e.minutes[idx] > minute {
			idx--
		}
		m = e.minutes[idx]
	}

	if m >= minute {
		return e.prevHour(dt)
	}
	return time.Date(dt.Year(), dt.Month(), dt.Day(), dt.Hour(), m, 0, 0, dt.Location())
}

func (e *Expression) nextMinute(dt time.Time) time.Time {
	minute := dt.Minute()
	var m int
	if i := index(e.minutes, minute); i >= 0 {
		m = e.minutes[(i+1)%len(e.minutes)]
	} else {
		idx := 0
		for idx < len(e.minutes)-1 && e.minutes[idx] < minute {
			idx++
		}
		m = e.minutes[idx]
	}

	if m <= minute {
		return e.nextHour(dt)
	}
	return time.Date(dt.Year(), dt.Month(), dt.Day(), dt.Hour(), m, 0, 0, dt.Location())
}

// daySets returns the day-of-month and day-of-week sets for the date of dt.
// Field errors cannot occur for an expression that passed Validate, so a
// failed build degrades to the empty set (no match).
func (e *Expression) daySets(dt time.Time) (dom, dow []int) {
	dom = e.domFor(dt.Year(), dt.Month())
	dow, _ = weekdaySet(e.dowSpec, dt.Year(), dt.Month(), dt.Day())
	return dom, dow
}

func (e *Expression) domFor(year int, month time.Month) []int {
	dom, _ := monthdaySet(e.domSpec, year, month)
	return dom
}

func (e *Expression) orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().In(e.loc)
	}
	return t
}

func minuteFloor(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

func first(seq iter.Seq[time.Time]) (time.Time, bool) {
	for t := range seq {
		return t, true
	}
	return time.Time{}, false
}

func contains(set []int, v int) bool {
	return index(set, v) >= 0
}

func index(set []int, v int) int {
	for i, s := range set {
		if s == v {
			return i
		}
	}
	return -1
}

func minOf(set []int) int {
	return set[0]
}

func maxOf(set []int) int {
	return set[len(set)-1]
}
