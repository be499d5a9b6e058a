// Package counters turns counter definitions into candidate scans and
// finishes them into attribute maps.
//
// A counter names an index type, a relative time window, row caps,
// conditions and aggregation attributes. At ingest time the producer
// selects the counters applicable to the incoming fact, buckets the
// ones that share a window and caps so one scan serves all of them,
// and emits a GroupPlan per bucket. The service dispatches the scans
// in parallel and evaluates every condition in-process on the rows
// that come back; the SQL fragment pushed into the scan only reduces
// rows, it never decides membership.
package counters

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tallylabs/tally/internal/condition"
	"github.com/tallylabs/tally/internal/config"
	"github.com/tallylabs/tally/internal/types"
)

// Counter is one compiled counter definition.
type Counter struct {
	Name      string
	IndexType int

	computation *condition.Condition // nil: applies to every fact
	evaluation  *condition.Condition // nil: every matched row evaluates
	attrs       map[string]*aggExpr

	fromMs       int64
	toMs         int64
	maxEvaluated *int64
	maxMatching  *int64
}

// bucketKey is the grouping identity: counters with equal windows and
// caps share one scan. Absent caps and explicit zero caps are distinct
// buckets on purpose.
type bucketKey struct {
	fromMs, toMs      int64
	maxEval, maxMatch int64
	hasEval, hasMatch bool
}

func (c *Counter) bucket() bucketKey {
	k := bucketKey{fromMs: c.fromMs, toMs: c.toMs}
	if c.maxEvaluated != nil {
		k.hasEval, k.maxEval = true, *c.maxEvaluated
	}
	if c.maxMatching != nil {
		k.hasMatch, k.maxMatch = true, *c.maxMatching
	}
	return k
}

// GroupPlan is one candidate scan serving all counters in Members.
// FromDT is inclusive, ToDT exclusive; nil means unbounded. Where is
// the OR of member push-down fragments and is empty whenever any
// member cannot be rendered, leaving the scan unfiltered.
type GroupPlan struct {
	IndexType int
	Hashes    []string
	ExcludeID string

	FromDT       *int64
	ToDT         *int64
	MaxEvaluated *int64
	MaxMatching  *int64

	Members []*Counter

	Where string
	Args  []any
}

// Producer holds the compiled counter set, keyed by index type.
type Producer struct {
	log    *zap.Logger
	byType map[int][]*Counter
	total  int
}

// NewProducer compiles definitions strictly: unknown index type names,
// unsupported condition operators and malformed aggregation
// expressions all fail startup. When allowed is non-empty only the
// named counters are kept.
func NewProducer(defs []config.CounterDefinition, idx *config.IndexConfig, allowed []string, log *zap.Logger) (*Producer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var allowSet map[string]bool
	if len(allowed) > 0 {
		allowSet = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			allowSet[name] = true
		}
	}

	p := &Producer{log: log, byType: make(map[int][]*Counter)}
	for i := range defs {
		def := &defs[i]
		if allowSet != nil && !allowSet[def.Name] {
			log.Debug("counter not in allowed set, skipping", zap.String("counter", def.Name))
			continue
		}
		c, err := compileCounter(def, idx)
		if err != nil {
			return nil, err
		}
		p.byType[c.IndexType] = append(p.byType[c.IndexType], c)
		p.total++
	}
	log.Info("counters compiled", zap.Int("count", p.total), zap.Int("indexTypes", len(p.byType)))
	return p, nil
}

// Count reports how many counters survived compilation and filtering.
func (p *Producer) Count() int { return p.total }

func compileCounter(def *config.CounterDefinition, idx *config.IndexConfig) (*Counter, error) {
	it, ok := idx.TypeByName(def.IndexTypeName)
	if !ok {
		return nil, types.NewConfigError("counter %q: unknown indexTypeName %q", def.Name, def.IndexTypeName)
	}

	c := &Counter{
		Name:         def.Name,
		IndexType:    it,
		fromMs:       def.FromTimeMs,
		toMs:         def.ToTimeMs,
		maxEvaluated: def.MaxEvaluatedRecords,
		maxMatching:  def.MaxMatchingRecords,
		attrs:        make(map[string]*aggExpr, len(def.Attributes)),
	}

	if len(def.ComputationConditions) > 0 {
		cond, err := condition.Compile(def.ComputationConditions, condition.CompileOptions{})
		if err != nil {
			return nil, types.NewConfigError("counter %q: computationConditions: %v", def.Name, err)
		}
		c.computation = cond
	}
	if len(def.EvaluationConditions) > 0 {
		cond, err := condition.Compile(def.EvaluationConditions, condition.CompileOptions{})
		if err != nil {
			return nil, types.NewConfigError("counter %q: evaluationConditions: %v", def.Name, err)
		}
		c.evaluation = cond
	}
	for attr, expr := range def.Attributes {
		agg, err := compileAggExpr(expr)
		if err != nil {
			return nil, types.NewConfigError("counter %q: attribute %q: %v", def.Name, attr, err)
		}
		c.attrs[attr] = agg
	}
	return c, nil
}

// PlansFor selects the counters applicable to fact, buckets them and
// returns one plan per bucket and index type. The dialect renders each
// member's push-down fragment; a nil dialect leaves every scan
// unfiltered.
func (p *Producer) PlansFor(fact *types.Fact, hashValues map[int][]string, now time.Time, d condition.SQLDialect) []*GroupPlan {
	if p.total == 0 || len(hashValues) == 0 {
		return nil
	}
	doc := fact.Doc()

	its := make([]int, 0, len(hashValues))
	for it := range hashValues {
		its = append(its, it)
	}
	sort.Ints(its)

	var plans []*GroupPlan
	for _, it := range its {
		values := hashValues[it]
		if len(values) == 0 {
			continue
		}
		var applicable []*Counter
		for _, c := range p.byType[it] {
			if c.computation != nil && !c.computation.MatchesOpt(doc, condition.MatchOptions{Now: now}) {
				continue
			}
			applicable = append(applicable, c)
		}
		for _, members := range groupCounters(applicable) {
			plans = append(plans, p.plan(it, values, fact.ID, members, now, d))
		}
	}
	return plans
}

// groupCounters buckets counters sharing a window and caps, preserving
// first-appearance order of buckets and of members within them.
func groupCounters(cs []*Counter) [][]*Counter {
	var (
		order   []bucketKey
		buckets = make(map[bucketKey][]*Counter)
	)
	for _, c := range cs {
		k := c.bucket()
		if _, seen := buckets[k]; !seen {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], c)
	}
	out := make([][]*Counter, 0, len(order))
	for _, k := range order {
		out = append(out, buckets[k])
	}
	return out
}

func (p *Producer) plan(it int, values []string, excludeID string, members []*Counter, now time.Time, d condition.SQLDialect) *GroupPlan {
	g := &GroupPlan{
		IndexType: it,
		Hashes:    values,
		ExcludeID: excludeID,
		Members:   members,
	}

	// All members share the bucket, so the first one carries the
	// window and caps for the whole group.
	m := members[0]
	nowMs := now.UnixMilli()
	if m.fromMs > 0 {
		from := nowMs - m.fromMs
		g.FromDT = &from
	}
	if m.toMs > 0 {
		to := nowMs - m.toMs
		g.ToDT = &to
	}
	g.MaxEvaluated = m.maxEvaluated
	g.MaxMatching = m.maxMatching

	g.Where, g.Args = p.pushdown(members, now, d)
	return g
}

// pushdown ORs the member fragments. A member with no condition, or
// one whose condition renders nothing, matches rows the others would
// filter out, so the whole scan stays unfiltered.
func (p *Producer) pushdown(members []*Counter, now time.Time, d condition.SQLDialect) (string, []any) {
	if d == nil {
		return "", nil
	}
	var (
		frags []string
		args  []any
	)
	for _, m := range members {
		if m.computation == nil || m.computation.Empty() {
			return "", nil
		}
		where, condArgs, _ := m.computation.SQL(d, now)
		if where == "" {
			return "", nil
		}
		frags = append(frags, "("+where+")")
		args = append(args, condArgs...)
	}
	if len(frags) == 1 {
		return frags[0], args
	}
	out := frags[0]
	for _, f := range frags[1:] {
		out += " OR " + f
	}
	return "(" + out + ")", args
}

// Names lists the member counter names, for failure reporting.
func (g *GroupPlan) Names() []string {
	names := make([]string, len(g.Members))
	for i, m := range g.Members {
		names[i] = m.Name
	}
	return names
}

func (g *GroupPlan) String() string {
	return fmt.Sprintf("indexType=%d members=%d hashes=%d", g.IndexType, len(g.Members), len(g.Hashes))
}
