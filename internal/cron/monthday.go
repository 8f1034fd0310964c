package cron

import (
	"strconv"
	"strings"
	"time"
)

// monthdaySet builds the set of day-of-month values for a field specification,
// parameterized by the actual year and month being evaluated.
//
// Besides the standard syntax, "L" selects the last day of the month and
// "<day>W" selects the weekday nearest to the given day within the month.
// Literal days beyond the length of the month (29-31 where they do not exist)
// select the empty set rather than failing, so expressions like "31" stay
// valid across months.
func monthdaySet(spec string, year int, month time.Month) ([]int, error) {
	lastDay := daysInMonth(year, month)

	b := newRangeSetBuilder(1, lastDay, false)
	b.lastWildcard = "L"
	b.preParsers = []func(string) ([]int, bool, error){
		func(s string) ([]int, bool, error) {
			if n, err := strconv.Atoi(s); err == nil && n > lastDay && n <= 31 {
				return nil, true, nil
			}
			return nil, false, nil
		},
	}
	b.postParsers = []func(string) ([]int, bool, error){
		func(s string) ([]int, bool, error) {
			return nearestWeekday(s, year, month, lastDay)
		},
	}
	return b.build(spec)
}

// nearestWeekday resolves the "<day>W" form: the working day nearest to the
// given day, staying within the month. Saturdays map to the preceding friday
// (or the following monday for the 1st); sundays map to the following monday
// (or the preceding saturday at the end of the month).
func nearestWeekday(s string, year int, month time.Month, lastDay int) ([]int, bool, error) {
	if len(s) < 2 || len(s) > 3 || !strings.HasSuffix(s, "W") {
		return nil, false, nil
	}
	day, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || day < 1 || day > lastDay {
		return nil, false, nil
	}

	switch wd := weekdayOf(year, month, day); wd {
	case 5: // saturday
		if day > 1 {
			day--
		} else {
			day += 2
		}
	case 6: // sunday
		if day < lastDay {
			day++
		} else {
			day -= 2
		}
	}
	return []int{day}, true, nil
}

// daysInMonth returns the number of days in the given month.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// weekdayOf returns the weekday of a date numbered 0 (monday) through
// 6 (sunday), the numbering used by the day-of-week field.
func weekdayOf(year int, month time.Month, day int) int {
	wd := time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Weekday()
	return (int(wd) + 6) % 7
}
