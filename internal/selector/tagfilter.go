package selector

import (
	"fmt"
	"strings"
)

// TagFilter matches resource tag maps against a filter expression. An
// expression is a comma-separated list of alternatives; a resource matches if
// any alternative matches. Each alternative is either `key` (tag present with
// any value), `key=value`, or `key=prefix*`. The expression `*` matches every
// resource.
type TagFilter struct {
	raw          string
	alternatives []tagCondition
}

type tagCondition struct {
	key      string
	value    string
	anyValue bool
	prefix   bool
}

// ParseTagFilter parses a filter expression.
func ParseTagFilter(expr string) (*TagFilter, error) {
	f := &TagFilter{raw: expr}
	if expr == "" || expr == "*" {
		return f, nil
	}
	for _, alt := range strings.Split(expr, ",") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			return nil, fmt.Errorf("selector: empty alternative in tag filter %q", expr)
		}
		key, value, hasValue := strings.Cut(alt, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("selector: missing tag name in tag filter %q", expr)
		}
		cond := tagCondition{key: key}
		switch {
		case !hasValue:
			cond.anyValue = true
		case value == "*":
			cond.anyValue = true
		case strings.HasSuffix(value, "*"):
			cond.prefix = true
			cond.value = strings.TrimSuffix(value, "*")
		default:
			cond.value = value
		}
		f.alternatives = append(f.alternatives, cond)
	}
	return f, nil
}

// MatchesAll reports whether the filter selects every resource regardless of
// tags.
func (f *TagFilter) MatchesAll() bool {
	return f.raw == "*"
}

// Match reports whether a resource with the given tags is selected.
func (f *TagFilter) Match(tags map[string]string) bool {
	if f.MatchesAll() {
		return true
	}
	for _, cond := range f.alternatives {
		value, ok := tags[cond.key]
		if !ok {
			continue
		}
		switch {
		case cond.anyValue:
			return true
		case cond.prefix:
			if strings.HasPrefix(value, cond.value) {
				return true
			}
		case value == cond.value:
			return true
		}
	}
	return false
}

// taggedWithTask reports whether the scheduling tag on a resource names the
// task. The tag value is a comma- or space-separated list of task names.
func taggedWithTask(tags map[string]string, schedulingTag, taskName string) bool {
	value, ok := tags[schedulingTag]
	if !ok {
		return false
	}
	for _, name := range strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' '
	}) {
		if name == taskName {
			return true
		}
	}
	return false
}
