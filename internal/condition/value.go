package condition

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// lookupPath walks a dotted path through nested maps. Integer segments
// index into arrays. Returns the value and whether the full path
// resolved.
func lookupPath(doc map[string]any, path []string) (any, bool) {
	var cur any = doc
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// toNumber widens any numeric value to float64. Strings do not convert
// here; the comparison layer decides when string parsing is allowed.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toMillis converts date-like values to epoch milliseconds. Numbers are
// taken as ms directly (the mapper stores dates that way).
func toMillis(v any) (int64, bool) {
	switch d := v.(type) {
	case time.Time:
		return d.UnixMilli(), true
	case string:
		if ts, err := time.Parse(time.RFC3339, d); err == nil {
			return ts.UnixMilli(), true
		}
		return 0, false
	default:
		if f, ok := toNumber(v); ok {
			return int64(f), true
		}
	}
	return 0, false
}

// parseNumericString parses s as a number when it is unambiguously one.
func parseNumericString(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// compareValues orders two scalars: -1, 0, or 1. ok is false when the
// pair has no defined order. Numbers compare across widths; a number
// against a numeric string compares numerically; dates compare by ms.
func compareValues(a, b any) (int, bool) {
	if ta, ok := a.(time.Time); ok {
		a = ta.UnixMilli()
	}
	if tb, ok := b.(time.Time); ok {
		b = tb.UnixMilli()
	}

	na, aNum := toNumber(a)
	nb, bNum := toNumber(b)
	if aNum && bNum {
		return cmpFloat(na, nb), true
	}
	if aNum {
		if s, ok := b.(string); ok {
			if f, ok := parseNumericString(s); ok {
				return cmpFloat(na, f), true
			}
		}
		return 0, false
	}
	if bNum {
		if s, ok := a.(string); ok {
			if f, ok := parseNumericString(s); ok {
				return cmpFloat(f, nb), true
			}
		}
		return 0, false
	}

	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(sa, sb), true
	}

	ba, aBool := a.(bool)
	bb, bBool := b.(bool)
	if aBool && bBool {
		switch {
		case ba == bb:
			return 0, true
		case bb:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// looseEqual is the dialect's equality: numeric cross-type, numeric
// string against number, dates by ms, arrays and maps element-wise.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if aa, ok := a.([]any); ok {
		bb, ok := b.([]any)
		if !ok {
			return false
		}
		if len(aa) != len(bb) {
			return false
		}
		for i := range aa {
			if !looseEqual(aa[i], bb[i]) {
				return false
			}
		}
		return true
	}
	if am, ok := a.(map[string]any); ok {
		bm, ok := b.(map[string]any)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !looseEqual(av, bv) {
				return false
			}
		}
		return true
	}

	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return a == b
}

// matchesScalarOrContains applies equality the way the dialect does for
// plain field matches: a direct match, or membership when the field
// value is an array.
func matchesScalarOrContains(fieldVal, want any) bool {
	if looseEqual(fieldVal, want) {
		return true
	}
	if arr, ok := fieldVal.([]any); ok {
		if _, wantIsArr := want.([]any); wantIsArr {
			return false
		}
		for _, el := range arr {
			if looseEqual(el, want) {
				return true
			}
		}
	}
	return false
}

// typeNameMatches checks a value against a $type alias. Both the
// string aliases and the common numeric codes are accepted.
func typeNameMatches(v any, alias any) bool {
	name := ""
	switch t := alias.(type) {
	case string:
		name = t
	default:
		if f, ok := toNumber(alias); ok {
			switch int(f) {
			case 1:
				name = "double"
			case 2:
				name = "string"
			case 3:
				name = "object"
			case 4:
				name = "array"
			case 8:
				name = "bool"
			case 9:
				name = "date"
			case 10:
				name = "null"
			case 16:
				name = "int"
			case 18:
				name = "long"
			default:
				return false
			}
		}
	}

	switch name {
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "date":
		_, ok := v.(time.Time)
		return ok
	case "double", "int", "long", "number", "decimal":
		_, ok := toNumber(v)
		if !ok {
			return false
		}
		if name == "int" || name == "long" {
			f, _ := toNumber(v)
			return f == float64(int64(f))
		}
		return true
	default:
		return false
	}
}
