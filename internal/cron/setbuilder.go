// Package cron implements matching and enumeration of 5-field cron style
// expressions.
//
// An expression is evaluated against explicit calendar sets: each field is
// expanded into a sorted set of integers for the relevant calendar unit by a
// set builder. The day-of-month and day-of-week sets depend on the specific
// year and month being evaluated and are built per date by pure functions.
//
// Note one deliberate deviation from traditional cron: when both day-of-month
// and day-of-week are restricted, a time matches only if BOTH fields match
// (AND), not either (OR). Scheduling behavior depends on this rule.
package cron

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	firstItemWildcard = "^"
	lastItemWildcard  = "$"
)

// setBuilder expands a single cron field into a set of integer values.
// The zero value is not usable; construct with the field helpers in this
// package (minuteSet, hourSet, monthSet, monthdaySet, weekdaySet).
type setBuilder struct {
	names            []string
	minValue         int
	maxValue         int
	offset           int
	ignoreCase       bool
	wrap             bool
	significantChars int

	// lastWildcard optionally maps a custom token (e.g. "L") to the last value.
	lastWildcard string

	// nameValue is consulted when a part is neither a literal nor a known
	// name (hour builder uses it for am/pm forms). Returns ok=false when the
	// part is not recognized.
	nameValue func(s string) (int, bool, error)

	// preParsers run before standard resolution; the weekday "L" and "#"
	// forms and the monthday out-of-month fallback live here so they are not
	// mistaken for a name prefix or rejected by the range check. A nil slice
	// result with ok=true selects the empty set.
	preParsers []func(s string) ([]int, bool, error)

	// postParsers run after the standard syntax fails; used for the monthday
	// "W" form.
	postParsers []func(s string) ([]int, bool, error)
}

// newNamedSetBuilder creates a builder over a list of names, where the value
// of names[i] is i+offset.
func newNamedSetBuilder(names []string, offset int, ignoreCase, wrap bool, significantChars int) *setBuilder {
	return &setBuilder{
		names:            names,
		minValue:         offset,
		maxValue:         offset + len(names) - 1,
		offset:           offset,
		ignoreCase:       ignoreCase,
		wrap:             wrap,
		significantChars: significantChars,
	}
}

// newRangeSetBuilder creates a builder over the inclusive value range min..max.
func newRangeSetBuilder(minValue, maxValue int, wrap bool) *setBuilder {
	return &setBuilder{minValue: minValue, maxValue: maxValue, offset: minValue, wrap: wrap}
}

// build expands a field specification into a sorted set of values.
// Supported syntax: "*" and "?" (all values), "^" (first), "$" (last),
// comma separated parts, "a-b" ranges, "/n" steps on a start value or range,
// names and numeric literals.
func (b *setBuilder) build(spec string) ([]int, error) {
	values := map[int]struct{}{}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty element in specification %q", spec)
		}
		vs, err := b.buildPart(part)
		if err != nil {
			return nil, err
		}
		for _, v := range vs {
			values[v] = struct{}{}
		}
	}

	result := make([]int, 0, len(values))
	for v := range values {
		result = append(result, v)
	}
	sort.Ints(result)
	return result, nil
}

func (b *setBuilder) buildPart(part string) ([]int, error) {
	switch part {
	case "*", "?":
		return b.allValues(), nil
	case firstItemWildcard:
		return []int{b.minValue}, nil
	case lastItemWildcard:
		return []int{b.maxValue}, nil
	}
	if b.lastWildcard != "" && part == b.lastWildcard {
		return []int{b.maxValue}, nil
	}

	for _, parse := range b.preParsers {
		vs, ok, err := parse(part)
		if err != nil {
			return nil, err
		}
		if ok {
			return vs, nil
		}
	}

	base, step, hasStep, err := splitStep(part)
	if err != nil {
		return nil, err
	}

	if hasStep && (base == "*" || base == "?") {
		return stepped(b.allValues(), step, true)
	}

	if lo, hi, isRange := splitRange(base); isRange {
		vs, err := b.rangeValues(lo, hi)
		if err != nil {
			return nil, err
		}
		return stepped(vs, step, hasStep)
	}

	if v, ok, err := b.value(base); err != nil {
		return nil, err
	} else if ok {
		if hasStep {
			// a single start value with a step runs to the end of the range
			vs, err := b.rangeValues(base, "")
			if err != nil {
				return nil, err
			}
			return stepped(vs, step, true)
		}
		return []int{v}, nil
	}

	for _, parse := range b.postParsers {
		vs, ok, err := parse(part)
		if err != nil {
			return nil, err
		}
		if ok {
			return vs, nil
		}
	}

	return nil, fmt.Errorf("unknown value %q", part)
}

// rangeValues expands lo-hi, wrapping past the maximum when the builder
// allows it. An empty hi means "to the end of the range".
func (b *setBuilder) rangeValues(lo, hi string) ([]int, error) {
	start, ok, err := b.value(lo)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("unknown range start %q", lo)
	}

	end := b.maxValue
	if hi != "" {
		end, ok, err = b.value(hi)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("unknown range end %q", hi)
		}
	}

	if end < start && !b.wrap {
		return nil, fmt.Errorf("invalid range %s-%s, end is before start", lo, hi)
	}

	size := b.maxValue - b.minValue + 1
	var vs []int
	v := start
	for {
		vs = append(vs, v)
		if v == end {
			break
		}
		v++
		if v > b.maxValue {
			v = b.minValue
		}
		if len(vs) > size {
			break
		}
	}
	return vs, nil
}

// value resolves a literal number or a name to its value.
func (b *setBuilder) value(s string) (int, bool, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < b.minValue || n > b.maxValue {
			return 0, false, fmt.Errorf("value %d is out of range %d-%d", n, b.minValue, b.maxValue)
		}
		return n, true, nil
	}

	if v, ok := b.valueByName(s); ok {
		return v, true, nil
	}

	if b.nameValue != nil {
		return b.nameValue(s)
	}
	return 0, false, nil
}

func (b *setBuilder) valueByName(s string) (int, bool) {
	for i, name := range b.names {
		candidate := name
		probe := s
		if b.ignoreCase {
			candidate = strings.ToLower(candidate)
			probe = strings.ToLower(probe)
		}
		if b.significantChars > 0 && len(probe) >= b.significantChars && len(candidate) >= b.significantChars {
			if strings.EqualFold(probe[:b.significantChars], candidate[:b.significantChars]) {
				return i + b.offset, true
			}
		}
		if probe == candidate {
			return i + b.offset, true
		}
	}
	return 0, false
}

func (b *setBuilder) allValues() []int {
	vs := make([]int, 0, b.maxValue-b.minValue+1)
	for v := b.minValue; v <= b.maxValue; v++ {
		vs = append(vs, v)
	}
	return vs
}

// splitStep separates an optional "/n" step suffix.
func splitStep(s string) (base string, step int, hasStep bool, err error) {
	idx := strings.Index(s, "/")
	if idx < 0 {
		return s, 0, false, nil
	}
	step, err = strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid step value %q", s[idx+1:])
	}
	if step < 1 {
		return "", 0, false, fmt.Errorf("step value must be at least 1, got %d", step)
	}
	return s[:idx], step, true, nil
}

// splitRange separates "a-b" syntax; it does not treat a leading "-" as a
// range separator so negative literals still fail with a range error.
func splitRange(s string) (lo, hi string, ok bool) {
	idx := strings.Index(s, "-")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+1:]), true
}

func stepped(vs []int, step int, hasStep bool) ([]int, error) {
	if !hasStep {
		return vs, nil
	}
	var result []int
	for i := 0; i < len(vs); i += step {
		result = append(result, vs[i])
	}
	return result, nil
}
