package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var weekdayNames = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// weekdaySet builds the set of day-of-week values (0=monday .. 6=sunday) for a
// field specification, parameterized by the specific date being evaluated.
//
// Besides the standard syntax, "<weekday>L" selects the weekday only when the
// evaluated date is that weekday's last occurrence in its month, and
// "<weekday>#<n>" selects it only when the date is the n-th occurrence
// (n 1-5). Both forms therefore produce either a single-value set or the
// empty set for any given date.
func weekdaySet(spec string, year int, month time.Month, day int) ([]int, error) {
	b := newNamedSetBuilder(weekdayNames, 0, true, true, 3)
	b.preParsers = []func(string) ([]int, bool, error){
		func(s string) ([]int, bool, error) {
			return lastWeekdayOccurrence(b, s, year, month, day)
		},
		func(s string) ([]int, bool, error) {
			return numberedWeekdayOccurrence(b, s, year, month, day)
		},
	}
	return b.build(spec)
}

// lastWeekdayOccurrence resolves the "<weekday>L" form.
func lastWeekdayOccurrence(b *setBuilder, s string, year int, month time.Month, day int) ([]int, bool, error) {
	if !strings.HasSuffix(s, "L") && !strings.HasSuffix(s, "l") {
		return nil, false, nil
	}
	wd, ok, err := b.value(s[:len(s)-1])
	if err != nil || !ok {
		return nil, false, err
	}
	if year == 0 {
		return nil, false, fmt.Errorf("a date is required to evaluate the last occurrence form %q", s)
	}
	if weekdayOf(year, month, day) == wd && day > daysInMonth(year, month)-7 {
		return []int{wd}, true, nil
	}
	return nil, true, nil
}

// numberedWeekdayOccurrence resolves the "<weekday>#<n>" form.
func numberedWeekdayOccurrence(b *setBuilder, s string, year int, month time.Month, day int) ([]int, bool, error) {
	idx := strings.Index(s, "#")
	if idx <= 0 {
		return nil, false, nil
	}
	wd, ok, err := b.value(s[:idx])
	if err != nil || !ok {
		return nil, false, err
	}
	n, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return nil, false, fmt.Errorf("invalid occurrence number in %q", s)
	}
	if n < 1 || n > 5 {
		return nil, false, fmt.Errorf("occurrence number in %q must be in range 1-5", s)
	}
	if year == 0 {
		return nil, false, fmt.Errorf("a date is required to evaluate the numbered occurrence form %q", s)
	}
	if weekdayOf(year, month, day) == wd && (day-1)/7+1 == n {
		return []int{wd}, true, nil
	}
	return nil, true, nil
}
