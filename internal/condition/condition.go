// Package condition compiles and evaluates the query-document dialect
// used by index definitions and counters. A condition is a JSON
// document of field predicates ({"d.a": {"$gt": 5}}), top-level
// $and/$or combinators, and $expr comparisons with date arithmetic.
//
// Conditions compile once at config load and evaluate in-process
// against candidate documents. A subset of each condition can also be
// rendered to a SQL WHERE fragment (see sql.go) to narrow storage
// scans; the in-process evaluation remains the source of truth.
package condition

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tallylabs/tally/internal/types"
)

var (
	logMu  sync.RWMutex
	logger = zap.NewNop()
)

// SetLogger routes unsupported-operator warnings. Safe to call from
// init paths before any evaluation starts.
func SetLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	if l != nil {
		logger = l
	}
}

func warnLogger() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// CompileOptions controls how unsupported operators are handled.
type CompileOptions struct {
	// Lenient compiles unsupported operators into nodes that warn once
	// and evaluate to false instead of failing the compile.
	Lenient bool
}

// MatchOptions tunes a single evaluation.
type MatchOptions struct {
	// UndefinedFieldIsTrue makes comparisons against missing paths
	// succeed instead of fail. Index conditions use this so a fact
	// without the field still produces the entry.
	UndefinedFieldIsTrue bool
	// Now anchors $NOW and date arithmetic. Zero means time.Now().
	Now time.Time
}

type evalState struct {
	undefinedTrue bool
	now           time.Time
}

type clause interface {
	eval(doc map[string]any, st *evalState) bool
}

// Condition is a compiled query document. The zero value and a
// condition compiled from an empty document match everything.
type Condition struct {
	clauses []clause
}

// Compile parses a condition document. Unsupported operators are a
// ConfigError unless opts.Lenient is set.
func Compile(doc map[string]any, opts CompileOptions) (*Condition, error) {
	return compileDoc(doc, opts.Lenient)
}

// MustCompile is for fixed conditions in tests and examples.
func MustCompile(doc map[string]any) *Condition {
	c, err := Compile(doc, CompileOptions{})
	if err != nil {
		panic(err)
	}
	return c
}

// Matches evaluates a raw condition document against doc, compiling
// leniently. Unsupported operators warn and evaluate to false.
func Matches(doc map[string]any, cond map[string]any) bool {
	c, err := compileDoc(cond, true)
	if err != nil {
		warnLogger().Warn("condition rejected", zap.Error(err))
		return false
	}
	return c.Matches(doc)
}

// Matches reports whether doc satisfies the condition.
func (c *Condition) Matches(doc map[string]any) bool {
	return c.MatchesOpt(doc, MatchOptions{})
}

// MatchesOpt evaluates with explicit options.
func (c *Condition) MatchesOpt(doc map[string]any, opt MatchOptions) bool {
	if c == nil {
		return true
	}
	st := &evalState{undefinedTrue: opt.UndefinedFieldIsTrue, now: opt.Now}
	if st.now.IsZero() {
		st.now = time.Now()
	}
	for _, cl := range c.clauses {
		if !cl.eval(doc, st) {
			return false
		}
	}
	return true
}

// Empty reports whether the condition has no clauses and therefore
// matches every document.
func (c *Condition) Empty() bool {
	return c == nil || len(c.clauses) == 0
}

func compileDoc(doc map[string]any, lenient bool) (*Condition, error) {
	c := &Condition{}
	if len(doc) == 0 {
		return c, nil
	}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := doc[k]
		switch {
		case k == "$and" || k == "$or":
			subs, err := compileCondList(k, v, lenient)
			if err != nil {
				return nil, err
			}
			if k == "$and" {
				c.clauses = append(c.clauses, &andClause{subs: subs})
			} else {
				c.clauses = append(c.clauses, &orClause{subs: subs})
			}
		case k == "$expr":
			ec, err := compileExpr(v, lenient)
			if err != nil {
				return nil, err
			}
			c.clauses = append(c.clauses, ec)
		case strings.HasPrefix(k, "$"):
			cl, err := unsupported(k, lenient)
			if err != nil {
				return nil, err
			}
			c.clauses = append(c.clauses, cl)
		default:
			fc, err := compileField(k, v, lenient)
			if err != nil {
				return nil, err
			}
			c.clauses = append(c.clauses, fc)
		}
	}
	return c, nil
}

func compileCondList(op string, v any, lenient bool) ([]*Condition, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, types.NewConfigError(fmt.Sprintf("%s requires an array of condition documents", op))
	}
	if len(list) == 0 {
		return nil, types.NewConfigError(fmt.Sprintf("%s requires a non-empty array", op))
	}
	subs := make([]*Condition, 0, len(list))
	for i, el := range list {
		sub, ok := el.(map[string]any)
		if !ok {
			return nil, types.NewConfigError(fmt.Sprintf("%s[%d] is not a condition document", op, i))
		}
		sc, err := compileDoc(sub, lenient)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sc)
	}
	return subs, nil
}

func unsupported(op string, lenient bool) (clause, error) {
	if !lenient {
		return nil, types.NewConfigError(fmt.Sprintf("unsupported operator %q", op))
	}
	return &unsupportedClause{op: op}, nil
}

type andClause struct {
	subs []*Condition
}

func (a *andClause) eval(doc map[string]any, st *evalState) bool {
	for _, s := range a.subs {
		if !s.matchesState(doc, st) {
			return false
		}
	}
	return true
}

type orClause struct {
	subs []*Condition
}

func (o *orClause) eval(doc map[string]any, st *evalState) bool {
	for _, s := range o.subs {
		if s.matchesState(doc, st) {
			return true
		}
	}
	return false
}

func (c *Condition) matchesState(doc map[string]any, st *evalState) bool {
	for _, cl := range c.clauses {
		if !cl.eval(doc, st) {
			return false
		}
	}
	return true
}

type unsupportedClause struct {
	op   string
	once sync.Once
}

func (u *unsupportedClause) eval(map[string]any, *evalState) bool {
	u.once.Do(func() {
		warnLogger().Warn("unsupported operator evaluates to false", zap.String("op", u.op))
	})
	return false
}

// fieldClause applies one or more predicates to a single field path.
type fieldClause struct {
	path    []string
	rawPath string
	preds   []predicate
}

func (f *fieldClause) eval(doc map[string]any, st *evalState) bool {
	val, found := lookupPath(doc, f.path)
	for _, p := range f.preds {
		if !p.test(val, found, st) {
			return false
		}
	}
	return true
}

func compileField(path string, v any, lenient bool) (*fieldClause, error) {
	fc := &fieldClause{path: splitPath(path), rawPath: path}

	opDoc, isMap := v.(map[string]any)
	if !isMap || !hasOperatorKeys(opDoc) {
		// Plain value, or a literal sub-document match.
		fc.preds = append(fc.preds, &eqPred{want: v})
		return fc, nil
	}

	preds, err := compileOperatorDoc(path, opDoc, lenient)
	if err != nil {
		return nil, err
	}
	fc.preds = preds
	return fc, nil
}

func hasOperatorKeys(doc map[string]any) bool {
	for k := range doc {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func compileOperatorDoc(path string, doc map[string]any, lenient bool) ([]predicate, error) {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		if !strings.HasPrefix(k, "$") {
			return nil, types.NewConfigError(fmt.Sprintf("field %q mixes operators with plain keys", path))
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var preds []predicate
	for _, op := range keys {
		v := doc[op]
		switch op {
		case "$eq":
			preds = append(preds, &eqPred{want: v})
		case "$ne":
			preds = append(preds, &nePred{want: v})
		case "$gt", "$gte", "$lt", "$lte":
			preds = append(preds, &cmpPred{op: op, want: v})
		case "$in", "$nin":
			list, ok := v.([]any)
			if !ok {
				return nil, types.NewConfigError(fmt.Sprintf("field %q: %s requires an array", path, op))
			}
			preds = append(preds, &inPred{vals: list, negate: op == "$nin"})
		case "$all":
			list, ok := v.([]any)
			if !ok {
				return nil, types.NewConfigError(fmt.Sprintf("field %q: $all requires an array", path))
			}
			preds = append(preds, &allPred{vals: list})
		case "$exists":
			want, err := existsFlag(path, v)
			if err != nil {
				return nil, err
			}
			preds = append(preds, &existsPred{want: want})
		case "$size":
			f, ok := toNumber(v)
			if !ok || f != float64(int(f)) || f < 0 {
				return nil, types.NewConfigError(fmt.Sprintf("field %q: $size requires a non-negative integer", path))
			}
			preds = append(preds, &sizePred{n: int(f)})
		case "$type":
			preds = append(preds, &typePred{aliases: typeAliases(v)})
		case "$mod":
			p, err := compileMod(path, v)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		case "$regex":
			p, err := compileRegex(path, v, doc["$options"])
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		case "$options":
			if _, ok := doc["$regex"]; !ok {
				return nil, types.NewConfigError(fmt.Sprintf("field %q: $options without $regex", path))
			}
			// consumed by $regex
		case "$elemMatch":
			p, err := compileElemMatch(path, v, lenient)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		case "$not":
			p, err := compileNot(path, v, lenient)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		case "$and", "$or":
			// Combinators only appear at the top level of a document.
			return nil, types.NewConfigError(fmt.Sprintf("field %q: %s is not valid inside a field predicate", path, op))
		default:
			if !lenient {
				return nil, types.NewConfigError(fmt.Sprintf("field %q: unsupported operator %q", path, op))
			}
			preds = append(preds, &unsupportedPred{op: op})
		}
	}
	return preds, nil
}

func existsFlag(path string, v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	default:
		if f, ok := toNumber(v); ok {
			return f != 0, nil
		}
	}
	return false, types.NewConfigError(fmt.Sprintf("field %q: $exists requires a boolean", path))
}

func typeAliases(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

func compileMod(path string, v any) (predicate, error) {
	list, ok := v.([]any)
	if !ok || len(list) != 2 {
		return nil, types.NewConfigError(fmt.Sprintf("field %q: $mod requires [divisor, remainder]", path))
	}
	div, okd := toNumber(list[0])
	rem, okr := toNumber(list[1])
	if !okd || !okr || int64(div) == 0 {
		return nil, types.NewConfigError(fmt.Sprintf("field %q: $mod requires numeric divisor and remainder", path))
	}
	return &modPred{div: int64(div), rem: int64(rem)}, nil
}

func compileRegex(path string, v any, options any) (predicate, error) {
	pat, ok := v.(string)
	if !ok {
		return nil, types.NewConfigError(fmt.Sprintf("field %q: $regex requires a string pattern", path))
	}
	var flags strings.Builder
	if opts, ok := options.(string); ok {
		for _, r := range opts {
			switch r {
			case 'i', 'm', 's':
				flags.WriteRune(r)
			}
		}
	}
	if flags.Len() > 0 {
		pat = "(?" + flags.String() + ")" + pat
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, types.NewConfigError(fmt.Sprintf("field %q: invalid $regex: %v", path, err))
	}
	return &regexPred{re: re}, nil
}

func compileElemMatch(path string, v any, lenient bool) (predicate, error) {
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, types.NewConfigError(fmt.Sprintf("field %q: $elemMatch requires a document", path))
	}
	if hasOperatorKeys(doc) {
		preds, err := compileOperatorDoc(path, doc, lenient)
		if err != nil {
			return nil, err
		}
		return &elemMatchPred{preds: preds}, nil
	}
	sub, err := compileDoc(doc, lenient)
	if err != nil {
		return nil, err
	}
	return &elemMatchPred{cond: sub}, nil
}

func compileNot(path string, v any, lenient bool) (predicate, error) {
	switch inner := v.(type) {
	case map[string]any:
		if !hasOperatorKeys(inner) {
			return nil, types.NewConfigError(fmt.Sprintf("field %q: $not requires an operator document", path))
		}
		preds, err := compileOperatorDoc(path, inner, lenient)
		if err != nil {
			return nil, err
		}
		return &notPred{inner: preds}, nil
	case string:
		p, err := compileRegex(path, inner, nil)
		if err != nil {
			return nil, err
		}
		return &notPred{inner: []predicate{p}}, nil
	default:
		return nil, types.NewConfigError(fmt.Sprintf("field %q: $not requires an operator document or regex", path))
	}
}

// predicate tests a resolved field value. found is false when the path
// did not resolve; most predicates then yield undefinedTrue.
type predicate interface {
	test(val any, found bool, st *evalState) bool
}

type eqPred struct {
	want any
}

func (p *eqPred) test(val any, found bool, st *evalState) bool {
	if !found {
		return st.undefinedTrue
	}
	return matchesScalarOrContains(val, normalizeNow(p.want, st))
}

type nePred struct {
	want any
}

func (p *nePred) test(val any, found bool, st *evalState) bool {
	if !found {
		return st.undefinedTrue
	}
	return !matchesScalarOrContains(val, normalizeNow(p.want, st))
}

type cmpPred struct {
	op   string
	want any
}

func (p *cmpPred) test(val any, found bool, st *evalState) bool {
	if !found {
		return st.undefinedTrue
	}
	c, ok := compareValues(val, normalizeNow(p.want, st))
	if !ok {
		return false
	}
	switch p.op {
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

type inPred struct {
	vals   []any
	negate bool
}

func (p *inPred) test(val any, found bool, st *evalState) bool {
	if !found {
		return st.undefinedTrue
	}
	hit := false
	for _, want := range p.vals {
		if matchesScalarOrContains(val, normalizeNow(want, st)) {
			hit = true
			break
		}
	}
	if p.negate {
		return !hit
	}
	return hit
}

type allPred struct {
	vals []any
}

func (p *allPred) test(val any, found bool, st *evalState) bool {
	if !found {
		return st.undefinedTrue
	}
	for _, want := range p.vals {
		if !matchesScalarOrContains(val, want) {
			return false
		}
	}
	return true
}

type existsPred struct {
	want bool
}

func (p *existsPred) test(_ any, found bool, _ *evalState) bool {
	return found == p.want
}

type sizePred struct {
	n int
}

func (p *sizePred) test(val any, found bool, st *evalState) bool {
	if !found {
		return st.undefinedTrue
	}
	arr, ok := val.([]any)
	return ok && len(arr) == p.n
}

type typePred struct {
	aliases []any
}

func (p *typePred) test(val any, found bool, st *evalState) bool {
	if !found {
		return st.undefinedTrue
	}
	for _, a := range p.aliases {
		if typeNameMatches(val, a) {
			return true
		}
	}
	return false
}

type modPred struct {
	div int64
	rem int64
}

func (p *modPred) test(val any, found bool, st *evalState) bool {
	if !found {
		return st.undefinedTrue
	}
	f, ok := toNumber(val)
	if !ok {
		return false
	}
	return int64(f)%p.div == p.rem
}

type regexPred struct {
	re *regexp.Regexp
}

func (p *regexPred) test(val any, found bool, st *evalState) bool {
	if !found {
		return st.undefinedTrue
	}
	switch s := val.(type) {
	case string:
		return p.re.MatchString(s)
	case []any:
		for _, el := range s {
			if str, ok := el.(string); ok && p.re.MatchString(str) {
				return true
			}
		}
	}
	return false
}

type elemMatchPred struct {
	cond  *Condition
	preds []predicate
}

func (p *elemMatchPred) test(val any, found bool, st *evalState) bool {
	if !found {
		return st.undefinedTrue
	}
	arr, ok := val.([]any)
	if !ok {
		return false
	}
	for _, el := range arr {
		if p.cond != nil {
			if elDoc, ok := el.(map[string]any); ok && p.cond.matchesState(elDoc, st) {
				return true
			}
			continue
		}
		all := true
		for _, pr := range p.preds {
			if !pr.test(el, true, st) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

type notPred struct {
	inner []predicate
}

func (p *notPred) test(val any, found bool, st *evalState) bool {
	for _, pr := range p.inner {
		if !pr.test(val, found, st) {
			return true
		}
	}
	return false
}

type unsupportedPred struct {
	op   string
	once sync.Once
}

func (p *unsupportedPred) test(any, bool, *evalState) bool {
	p.once.Do(func() {
		warnLogger().Warn("unsupported operator evaluates to false", zap.String("op", p.op))
	})
	return false
}

// normalizeNow substitutes the $NOW placeholder in comparison operands
// with the evaluation timestamp in epoch ms.
func normalizeNow(v any, st *evalState) any {
	if s, ok := v.(string); ok && s == nowPlaceholder {
		return st.now.UnixMilli()
	}
	return v
}
