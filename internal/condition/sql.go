package condition

import (
	"strings"
	"time"
)

// SQLDialect maps condition field paths onto SQL expressions for one
// storage backend's index scan.
type SQLDialect interface {
	// FieldExpr renders a dotted condition path as a comparable SQL
	// expression over the scan's columns. ok is false when the path has
	// no column mapping.
	FieldExpr(path []string) (expr string, ok bool)
	// ArrayTest renders a predicate that is true when the path holds a
	// JSON array. ok is false for paths that cannot hold arrays.
	ArrayTest(path []string) (expr string, ok bool)
	// ExistsTest renders a predicate that is true when the path is
	// present in the row. The expression must never evaluate to NULL.
	ExistsTest(path []string) (expr string, ok bool)
	// CastNumeric wraps expr in the backend's numeric cast. Used to
	// match number-typed operands against string-typed row values.
	CastNumeric(expr string) string
}

// SQL renders the push-down subset of the condition as a WHERE
// fragment. The fragment accepts a superset of the rows the condition
// matches; callers always re-evaluate the full condition in-process.
// complete reports that every clause contributed a fragment, i.e. the
// narrowing is as tight as this dialect can express. An empty fragment
// means no part of the condition could be pushed down.
func (c *Condition) SQL(d SQLDialect, now time.Time) (where string, args []any, complete bool) {
	if c == nil || len(c.clauses) == 0 {
		return "", nil, true
	}
	if now.IsZero() {
		now = time.Now()
	}
	b := &sqlBuilder{d: d, now: now, complete: true}
	frag := b.renderClauses(c.clauses)
	return frag, b.args, b.complete
}

type sqlBuilder struct {
	d        SQLDialect
	now      time.Time
	args     []any
	complete bool
}

func (b *sqlBuilder) renderClauses(cls []clause) string {
	var parts []string
	for _, cl := range cls {
		if f := b.renderClause(cl); f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " AND ")
}

func (b *sqlBuilder) renderClause(cl clause) string {
	switch c := cl.(type) {
	case *fieldClause:
		return b.renderField(c)
	case *andClause:
		var parts []string
		for _, s := range c.subs {
			if f := b.renderClauses(s.clauses); f != "" {
				parts = append(parts, "("+f+")")
			}
		}
		return strings.Join(parts, " AND ")
	case *orClause:
		return b.renderOr(c)
	default:
		// $expr and unsupported clauses stay in-process only.
		b.complete = false
		return ""
	}
}

// renderOr emits an OR only when every branch produced a fragment. A
// branch with no fragment matches arbitrary rows, which would make the
// whole OR vacuous.
func (b *sqlBuilder) renderOr(o *orClause) string {
	var parts []string
	var branchArgs []any
	for _, s := range o.subs {
		child := &sqlBuilder{d: b.d, now: b.now, complete: true}
		f := child.renderClauses(s.clauses)
		if f == "" {
			b.complete = false
			return ""
		}
		if !child.complete {
			b.complete = false
		}
		parts = append(parts, "("+f+")")
		branchArgs = append(branchArgs, child.args...)
	}
	b.args = append(b.args, branchArgs...)
	return "(" + strings.Join(parts, " OR ") + ")"
}

func (b *sqlBuilder) renderField(fc *fieldClause) string {
	expr, ok := b.d.FieldExpr(fc.path)
	if !ok {
		b.complete = false
		return ""
	}
	var parts []string
	for _, p := range fc.preds {
		frag, rendered := b.renderPred(fc.path, expr, p)
		if !rendered {
			b.complete = false
			continue
		}
		if frag != "" {
			parts = append(parts, frag)
		}
	}
	return strings.Join(parts, " AND ")
}

func (b *sqlBuilder) renderPred(path []string, expr string, p predicate) (string, bool) {
	switch pr := p.(type) {
	case *eqPred:
		return b.renderEq(path, expr, pr.want)
	case *nePred:
		w := b.resolveNow(pr.want)
		if w == nil {
			return expr + " IS NOT NULL", true
		}
		bv, ok := rawBind(w)
		if !ok {
			return "", false
		}
		b.args = append(b.args, bv)
		return expr + " <> ?", true
	case *cmpPred:
		return b.renderCmp(expr, pr)
	case *inPred:
		return b.renderIn(expr, pr)
	case *existsPred:
		ex, ok := b.d.ExistsTest(path)
		if !ok {
			return "", false
		}
		if pr.want {
			return ex, true
		}
		return "NOT (" + ex + ")", true
	default:
		return "", false
	}
}

// renderEq matches both typed forms of a loose equality: the operand
// as given, and a numeric cast of the row value when the operand is
// numeric. An array-typed row value is kept for in-process filtering.
func (b *sqlBuilder) renderEq(path []string, expr string, want any) (string, bool) {
	w := b.resolveNow(want)
	if w == nil {
		return expr + " IS NULL", true
	}
	raw, ok := rawBind(w)
	if !ok {
		return "", false
	}
	b.args = append(b.args, raw)
	alts := []string{expr + " = ?"}
	if num, ok := numBind(w); ok {
		b.args = append(b.args, num)
		alts = append(alts, b.d.CastNumeric(expr)+" = ?")
	}
	if at, ok := b.d.ArrayTest(path); ok {
		alts = append(alts, at)
	}
	if len(alts) == 1 {
		return alts[0], true
	}
	return "(" + strings.Join(alts, " OR ") + ")", true
}

func (b *sqlBuilder) renderCmp(expr string, pr *cmpPred) (string, bool) {
	w := b.resolveNow(pr.want)
	raw, ok := rawBind(w)
	if !ok {
		return "", false
	}
	op := sqlCmpOp(pr.op)
	b.args = append(b.args, raw)
	num, numeric := numBind(w)
	if !numeric {
		return expr + " " + op + " ?", true
	}
	b.args = append(b.args, num)
	return "(" + expr + " " + op + " ? OR " + b.d.CastNumeric(expr) + " " + op + " ?)", true
}

func (b *sqlBuilder) renderIn(expr string, pr *inPred) (string, bool) {
	raws := make([]any, 0, len(pr.vals))
	var nums []any
	for _, v := range pr.vals {
		w := b.resolveNow(v)
		raw, ok := rawBind(w)
		if !ok {
			return "", false
		}
		raws = append(raws, raw)
		if num, ok := numBind(w); ok {
			nums = append(nums, num)
		}
	}
	if len(raws) == 0 {
		if pr.negate {
			// NOT IN () constrains nothing.
			return "", true
		}
		return "1=0", true
	}
	if pr.negate {
		b.args = append(b.args, raws...)
		return expr + " NOT IN (" + placeholders(len(raws)) + ")", true
	}
	b.args = append(b.args, raws...)
	alts := []string{expr + " IN (" + placeholders(len(raws)) + ")"}
	if len(nums) > 0 {
		b.args = append(b.args, nums...)
		alts = append(alts, b.d.CastNumeric(expr)+" IN ("+placeholders(len(nums))+")")
	}
	if len(alts) == 1 {
		return alts[0], true
	}
	return "(" + strings.Join(alts, " OR ") + ")", true
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (b *sqlBuilder) resolveNow(v any) any {
	if s, ok := v.(string); ok && s == nowPlaceholder {
		return b.now.UnixMilli()
	}
	return v
}

func sqlCmpOp(op string) string {
	switch op {
	case "$gt":
		return ">"
	case "$gte":
		return ">="
	case "$lt":
		return "<"
	default:
		return "<="
	}
}

// rawBind converts an operand to a driver bind value in its given
// type. Arrays and documents are not bindable and stay in-process.
func rawBind(v any) (any, bool) {
	switch t := v.(type) {
	case string, bool:
		return t, true
	case time.Time:
		return t.UnixMilli(), true
	case nil:
		return nil, false
	default:
		if f, ok := toNumber(v); ok {
			if f == float64(int64(f)) {
				return int64(f), true
			}
			return f, true
		}
	}
	return nil, false
}

// numBind returns the numeric reading of an operand, parsing numeric
// strings, for the cast-comparison branch.
func numBind(v any) (any, bool) {
	switch t := v.(type) {
	case string:
		if f, ok := parseNumericString(t); ok {
			return f, true
		}
		return nil, false
	case bool:
		return nil, false
	case time.Time:
		return t.UnixMilli(), true
	default:
		if f, ok := toNumber(v); ok {
			if f == float64(int64(f)) {
				return int64(f), true
			}
			return f, true
		}
	}
	return nil, false
}
