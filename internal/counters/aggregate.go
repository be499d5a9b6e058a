package counters

import (
	"encoding/json"
	"fmt"
	"strings"
)

type aggKind int

const (
	aggSum aggKind = iota
	aggAvg
	aggMin
	aggMax
)

// aggExpr is one compiled output attribute: an aggregation operator
// over a numeric literal or a "$path" field reference.
type aggExpr struct {
	kind    aggKind
	literal float64
	field   []string
	isField bool
}

var aggKinds = map[string]aggKind{
	"$sum": aggSum,
	"$avg": aggAvg,
	"$min": aggMin,
	"$max": aggMax,
}

func compileAggExpr(expr map[string]any) (*aggExpr, error) {
	if len(expr) != 1 {
		return nil, fmt.Errorf("want exactly one operator, got %d", len(expr))
	}
	for op, operand := range expr {
		kind, ok := aggKinds[op]
		if !ok {
			return nil, fmt.Errorf("unsupported aggregation operator %q", op)
		}
		if s, isStr := operand.(string); isStr {
			if !strings.HasPrefix(s, "$") || len(s) < 2 {
				return nil, fmt.Errorf("operand %q: field references start with $", s)
			}
			return &aggExpr{kind: kind, field: strings.Split(s[1:], "."), isField: true}, nil
		}
		lit, ok := toFloat64(operand)
		if !ok {
			return nil, fmt.Errorf("operand %v (%T) is neither a number nor a field reference", operand, operand)
		}
		return &aggExpr{kind: kind, literal: lit}, nil
	}
	return nil, fmt.Errorf("empty aggregation expression")
}

// apply folds the expression over the matched documents. A sum over
// zero documents is 0; avg, min and max over zero numeric samples
// report no value and the attribute is omitted.
func (a *aggExpr) apply(docs []map[string]any) (any, bool) {
	switch a.kind {
	case aggSum:
		total := 0.0
		for _, doc := range docs {
			if v, ok := a.operand(doc); ok {
				total += v
			}
		}
		return total, true
	case aggAvg:
		total, n := 0.0, 0
		for _, doc := range docs {
			if v, ok := a.operand(doc); ok {
				total += v
				n++
			}
		}
		if n == 0 {
			return nil, false
		}
		return total / float64(n), true
	case aggMin, aggMax:
		var (
			best float64
			seen bool
		)
		for _, doc := range docs {
			v, ok := a.operand(doc)
			if !ok {
				continue
			}
			if !seen || (a.kind == aggMin && v < best) || (a.kind == aggMax && v > best) {
				best, seen = v, true
			}
		}
		if !seen {
			return nil, false
		}
		return best, true
	}
	return nil, false
}

// operand resolves the per-document sample. Literals always resolve;
// field references resolve only to numeric values present in the
// document.
func (a *aggExpr) operand(doc map[string]any) (float64, bool) {
	if !a.isField {
		return a.literal, true
	}
	v, ok := lookupPath(doc, a.field)
	if !ok {
		return 0, false
	}
	return toFloat64(v)
}

func lookupPath(doc map[string]any, path []string) (any, bool) {
	var cur any = doc
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat64(v any) (float64, bool) {
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
