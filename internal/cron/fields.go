package cron

import (
	"fmt"
	"strconv"
	"strings"
)

var monthNames = []string{
	"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december",
}

// minuteSet builds the set of minute values (0-59) for a field specification.
func minuteSet(spec string) ([]int, error) {
	return newRangeSetBuilder(0, 59, false).build(spec)
}

// hourSet builds the set of hour values (0-23) for a field specification.
// In addition to plain values, hours may be written with am/pm suffixes
// (e.g. "8am", "5pm"); 12am is midnight and 12pm is noon.
func hourSet(spec string) ([]int, error) {
	b := newRangeSetBuilder(0, 23, false)
	b.nameValue = hourAmPm
	return b.build(spec)
}

func hourAmPm(s string) (int, bool, error) {
	if len(s) <= 2 || len(s) > 4 {
		return 0, false, nil
	}
	suffix := strings.ToLower(s[len(s)-2:])
	if suffix != "am" && suffix != "pm" {
		return 0, false, nil
	}
	hour, err := parseIntInRange(s[:len(s)-2], 1, 12)
	if err != nil {
		return 0, false, fmt.Errorf("hour %q is not valid", s)
	}
	if suffix == "pm" {
		if hour != 12 {
			hour += 12
		}
	} else if hour == 12 {
		hour = 0
	}
	return hour, true, nil
}

// monthSet builds the set of month values (1-12) for a field specification.
// Months may be specified by number, full name or three letter abbreviation,
// case insensitive. Ranges wrap at december.
func monthSet(spec string) ([]int, error) {
	return newNamedSetBuilder(monthNames, 1, true, true, 3).build(spec)
}

func parseIntInRange(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("value %d out of range %d-%d", n, lo, hi)
	}
	return n, nil
}
