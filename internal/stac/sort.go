package stac

import (
	"cmp"
	"fmt"
	"time"
)

// SortDirection represents the sort direction.
type SortDirection string

const (
	// SortAsc represents ascending sort order.
	SortAsc SortDirection = "asc"
	// SortDesc represents descending sort order.
	SortDesc SortDirection = "desc"
)

// CompareValues orders two property values of the kinds found in STAC JSON.
// Numbers compare numerically, RFC 3339 strings chronologically and other
// strings lexically. A missing (nil) value sorts after any present value
// regardless of direction, so dir only applies when both are present.
func CompareValues(a, b any, dir SortDirection) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}

	c := comparePresent(a, b)
	if dir == SortDesc {
		return -c
	}
	return c
}

func comparePresent(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmp.Compare(fa, fb)
		}
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb)
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}
