package condition

import (
	"fmt"
	"strings"
	"time"

	"github.com/tallylabs/tally/internal/types"
)

const nowPlaceholder = "$$NOW"

// exprClause is a compiled $expr comparison of two operands.
type exprClause struct {
	cmp string
	lhs operand
	rhs operand
}

func (e *exprClause) eval(doc map[string]any, st *evalState) bool {
	lv, lok := e.lhs.value(doc, st)
	rv, rok := e.rhs.value(doc, st)
	if !lok || !rok {
		return st.undefinedTrue
	}
	switch e.cmp {
	case "$eq":
		return looseEqual(lv, rv)
	case "$ne":
		return !looseEqual(lv, rv)
	default:
		c, ok := compareValues(lv, rv)
		if !ok {
			return false
		}
		switch e.cmp {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	}
}

func compileExpr(v any, lenient bool) (clause, error) {
	cl, err := parseExprClause(v)
	if err != nil {
		if !lenient {
			return nil, err
		}
		return &unsupportedClause{op: "$expr"}, nil
	}
	return cl, nil
}

func parseExprClause(v any) (clause, error) {
	doc, ok := v.(map[string]any)
	if !ok || len(doc) != 1 {
		return nil, types.NewConfigError("$expr requires a single comparison document")
	}
	for cmp, args := range doc {
		switch cmp {
		case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte":
			pair, ok := args.([]any)
			if !ok || len(pair) != 2 {
				return nil, types.NewConfigError(fmt.Sprintf("$expr %s requires a two-element array", cmp))
			}
			lhs, err := parseOperand(pair[0])
			if err != nil {
				return nil, err
			}
			rhs, err := parseOperand(pair[1])
			if err != nil {
				return nil, err
			}
			return &exprClause{cmp: cmp, lhs: lhs, rhs: rhs}, nil
		default:
			return nil, types.NewConfigError(fmt.Sprintf("$expr: unsupported operator %q", cmp))
		}
	}
	return nil, types.NewConfigError("$expr requires a comparison document")
}

// operand yields a value for one side of an $expr comparison. ok is
// false when the operand does not resolve for this document.
type operand interface {
	value(doc map[string]any, st *evalState) (any, bool)
}

func parseOperand(v any) (operand, error) {
	switch o := v.(type) {
	case string:
		if o == nowPlaceholder {
			return nowOperand{}, nil
		}
		if strings.HasPrefix(o, "$$") {
			return nil, types.NewConfigError(fmt.Sprintf("$expr: unknown variable %q", o))
		}
		if strings.HasPrefix(o, "$") {
			return &fieldOperand{path: splitPath(o[1:])}, nil
		}
		return &literalOperand{v: o}, nil
	case map[string]any:
		if lit, ok := o["$literal"]; ok && len(o) == 1 {
			return &literalOperand{v: lit}, nil
		}
		if spec, ok := o["$dateAdd"]; ok && len(o) == 1 {
			return parseDateShift(spec, false)
		}
		if spec, ok := o["$dateSubtract"]; ok && len(o) == 1 {
			return parseDateShift(spec, true)
		}
		if spec, ok := o["$dateDiff"]; ok && len(o) == 1 {
			return parseDateDiff(spec)
		}
		return nil, types.NewConfigError("$expr: unsupported operand document")
	default:
		return &literalOperand{v: v}, nil
	}
}

type literalOperand struct {
	v any
}

func (l *literalOperand) value(map[string]any, *evalState) (any, bool) {
	return l.v, true
}

type fieldOperand struct {
	path []string
}

func (f *fieldOperand) value(doc map[string]any, _ *evalState) (any, bool) {
	return lookupPath(doc, f.path)
}

type nowOperand struct{}

func (nowOperand) value(_ map[string]any, st *evalState) (any, bool) {
	return st.now.UnixMilli(), true
}

// dateShiftOperand implements $dateAdd and $dateSubtract over epoch ms.
type dateShiftOperand struct {
	start  operand
	unit   string
	amount operand
	negate bool
}

func parseDateShift(spec any, negate bool) (operand, error) {
	op := "$dateAdd"
	if negate {
		op = "$dateSubtract"
	}
	doc, ok := spec.(map[string]any)
	if !ok {
		return nil, types.NewConfigError(fmt.Sprintf("%s requires a document", op))
	}
	start, err := requiredOperand(doc, "startDate", op)
	if err != nil {
		return nil, err
	}
	amount, err := requiredOperand(doc, "amount", op)
	if err != nil {
		return nil, err
	}
	unit, err := requiredUnit(doc, op)
	if err != nil {
		return nil, err
	}
	return &dateShiftOperand{start: start, unit: unit, amount: amount, negate: negate}, nil
}

func (d *dateShiftOperand) value(doc map[string]any, st *evalState) (any, bool) {
	sv, ok := d.start.value(doc, st)
	if !ok {
		return nil, false
	}
	startMs, ok := toMillis(sv)
	if !ok {
		return nil, false
	}
	av, ok := d.amount.value(doc, st)
	if !ok {
		return nil, false
	}
	af, ok := toNumber(av)
	if !ok {
		return nil, false
	}
	amount := int64(af)
	if d.negate {
		amount = -amount
	}
	return shiftMillis(startMs, d.unit, amount), true
}

func shiftMillis(ms int64, unit string, amount int64) int64 {
	if u, fixed := fixedUnitMillis(unit); fixed {
		return ms + amount*u
	}
	t := time.UnixMilli(ms).UTC()
	switch unit {
	case "month":
		t = t.AddDate(0, int(amount), 0)
	case "quarter":
		t = t.AddDate(0, int(amount)*3, 0)
	case "year":
		t = t.AddDate(int(amount), 0, 0)
	}
	return t.UnixMilli()
}

// dateDiffOperand counts unit boundaries crossed between two dates.
type dateDiffOperand struct {
	start operand
	end   operand
	unit  string
}

func parseDateDiff(spec any) (operand, error) {
	doc, ok := spec.(map[string]any)
	if !ok {
		return nil, types.NewConfigError("$dateDiff requires a document")
	}
	start, err := requiredOperand(doc, "startDate", "$dateDiff")
	if err != nil {
		return nil, err
	}
	end, err := requiredOperand(doc, "endDate", "$dateDiff")
	if err != nil {
		return nil, err
	}
	unit, err := requiredUnit(doc, "$dateDiff")
	if err != nil {
		return nil, err
	}
	return &dateDiffOperand{start: start, end: end, unit: unit}, nil
}

func (d *dateDiffOperand) value(doc map[string]any, st *evalState) (any, bool) {
	sv, ok := d.start.value(doc, st)
	if !ok {
		return nil, false
	}
	ev, ok := d.end.value(doc, st)
	if !ok {
		return nil, false
	}
	startMs, ok := toMillis(sv)
	if !ok {
		return nil, false
	}
	endMs, ok := toMillis(ev)
	if !ok {
		return nil, false
	}
	return diffMillis(startMs, endMs, d.unit), true
}

func diffMillis(startMs, endMs int64, unit string) int64 {
	if u, fixed := fixedUnitMillis(unit); fixed {
		if unit == "millisecond" {
			return endMs - startMs
		}
		return floorDiv(endMs, u) - floorDiv(startMs, u)
	}
	s := time.UnixMilli(startMs).UTC()
	e := time.UnixMilli(endMs).UTC()
	months := int64((e.Year()-s.Year())*12 + int(e.Month()) - int(s.Month()))
	switch unit {
	case "quarter":
		sq := int64(s.Year())*4 + int64((int(s.Month())-1)/3)
		eq := int64(e.Year())*4 + int64((int(e.Month())-1)/3)
		return eq - sq
	case "year":
		return int64(e.Year() - s.Year())
	default:
		return months
	}
}

func fixedUnitMillis(unit string) (int64, bool) {
	switch unit {
	case "millisecond":
		return 1, true
	case "second":
		return 1000, true
	case "minute":
		return 60_000, true
	case "hour":
		return 3_600_000, true
	case "day":
		return 86_400_000, true
	case "week":
		return 7 * 86_400_000, true
	}
	return 0, false
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func requiredOperand(doc map[string]any, key, op string) (operand, error) {
	v, ok := doc[key]
	if !ok {
		return nil, types.NewConfigError(fmt.Sprintf("%s requires %s", op, key))
	}
	return parseOperand(v)
}

func requiredUnit(doc map[string]any, op string) (string, error) {
	unit, ok := doc["unit"].(string)
	if !ok {
		return "", types.NewConfigError(fmt.Sprintf("%s requires a string unit", op))
	}
	switch unit {
	case "millisecond", "second", "minute", "hour", "day", "week", "month", "quarter", "year":
		return unit, nil
	}
	return "", types.NewConfigError(fmt.Sprintf("%s: unknown unit %q", op, unit))
}
