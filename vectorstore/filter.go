package vectorstore

import (
	"fmt"
	"strings"
)

// Filter constrains search candidates by their metadata. Keys are dotted
// paths into the chunk's metadata map. A leaf value matches when it is equal
// (scalar), when the filter value is an array containing the candidate value
// (or overlapping it, if the candidate is also an array), or when it is an
// operator object whose comparators all hold.
type Filter map[string]interface{}

// Comparator is one of the filter operator predicates ($gt, $gte, $lt,
// $lte, $ne), expressed as a small sum type instead of runtime switching on
// raw operator strings.
type Comparator interface {
	Matches(candidate interface{}) bool
}

type gtComparator struct{ bound float64 }
type gteComparator struct{ bound float64 }
type ltComparator struct{ bound float64 }
type lteComparator struct{ bound float64 }
type neComparator struct{ other interface{} }

func (c gtComparator) Matches(v interface{}) bool {
	f, ok := toFloat(v)
	return ok && f > c.bound
}

func (c gteComparator) Matches(v interface{}) bool {
	f, ok := toFloat(v)
	return ok && f >= c.bound
}

func (c ltComparator) Matches(v interface{}) bool {
	f, ok := toFloat(v)
	return ok && f < c.bound
}

func (c lteComparator) Matches(v interface{}) bool {
	f, ok := toFloat(v)
	return ok && f <= c.bound
}

func (c neComparator) Matches(v interface{}) bool {
	return !scalarEqual(v, c.other)
}

// parseComparators converts an operator object into its comparator set.
// The second return is false when the map is not an operator object at all
// (no $-prefixed keys), so the caller can fall back to structural equality.
func parseComparators(spec map[string]interface{}) ([]Comparator, bool, error) {
	comparators := make([]Comparator, 0, len(spec))
	sawOperator := false
	for op, raw := range spec {
		if !strings.HasPrefix(op, "$") {
			continue
		}
		sawOperator = true
		switch op {
		case "$ne":
			comparators = append(comparators, neComparator{other: raw})
			continue
		case "$gt", "$gte", "$lt", "$lte":
		default:
			return nil, true, fmt.Errorf("unknown filter operator %q", op)
		}
		bound, ok := toFloat(raw)
		if !ok {
			return nil, true, fmt.Errorf("filter operator %s requires a numeric bound, got %T", op, raw)
		}
		switch op {
		case "$gt":
			comparators = append(comparators, gtComparator{bound: bound})
		case "$gte":
			comparators = append(comparators, gteComparator{bound: bound})
		case "$lt":
			comparators = append(comparators, ltComparator{bound: bound})
		case "$lte":
			comparators = append(comparators, lteComparator{bound: bound})
		}
	}
	return comparators, sawOperator, nil
}

// Matches reports whether metadata satisfies every entry of the filter. A
// chunk with no metadata never matches a non-empty filter.
func (f Filter) Matches(metadata map[string]interface{}) bool {
	if len(f) == 0 {
		return true
	}
	if len(metadata) == 0 {
		return false
	}
	for path, want := range f {
		got, ok := lookupPath(metadata, path)
		if !ok {
			return false
		}
		if !leafMatches(got, want) {
			return false
		}
	}
	return true
}

func leafMatches(got, want interface{}) bool {
	switch w := want.(type) {
	case map[string]interface{}:
		comparators, isOperator, err := parseComparators(w)
		if err != nil {
			return false
		}
		if !isOperator {
			return scalarEqual(got, want)
		}
		for _, c := range comparators {
			if !c.Matches(got) {
				return false
			}
		}
		return true
	case []interface{}:
		if gotArr, ok := got.([]interface{}); ok {
			for _, g := range gotArr {
				for _, x := range w {
					if scalarEqual(g, x) {
						return true
					}
				}
			}
			return false
		}
		for _, x := range w {
			if scalarEqual(got, x) {
				return true
			}
		}
		return false
	default:
		return scalarEqual(got, want)
	}
}

// lookupPath walks a dotted path through nested metadata maps.
func lookupPath(metadata map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = metadata
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// scalarEqual compares leaf values, treating any two numeric kinds with the
// same value as equal.
func scalarEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
