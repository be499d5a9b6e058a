package counters

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tallylabs/tally/internal/condition"
	"github.com/tallylabs/tally/internal/dispatch"
	"github.com/tallylabs/tally/internal/metrics"
	"github.com/tallylabs/tally/internal/storage"
	"github.com/tallylabs/tally/internal/types"
)

// DefaultConcurrency caps how many scans one request runs in parallel.
const DefaultConcurrency = 16

// Outcome is the merged counter output for one request. Failed lists
// counters whose scan was rejected, timed out or errored; they are
// absent from Counters and the request is still served. WorkerWait and
// QueryTime come from the slowest scan, approximating the wall clock
// spent since scans overlap.
type Outcome struct {
	Counters   map[string]types.CounterValues
	Failed     []string
	Info       []string
	WorkerWait time.Duration
	QueryTime  time.Duration
	Queries    int
}

// Service runs counter scans for incoming facts.
type Service struct {
	producer *Producer
	store    storage.Store
	pool     *dispatch.Pool
	m        *metrics.Metrics
	log      *zap.Logger
	limit    int

	depthLimit  int64
	depthFromMs int64
}

func NewService(p *Producer, store storage.Store, pool *dispatch.Pool, concurrency int, m *metrics.Metrics, log *zap.Logger) *Service {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{producer: p, store: store, pool: pool, m: m, log: log, limit: concurrency}
}

// SetDepthBounds layers engine-wide scan bounds over the per-counter
// windows: at most limit rows per scan, none with a domain date more
// than fromMs before the incoming message. Zero leaves a bound open.
func (s *Service) SetDepthBounds(limit, fromMs int64) {
	s.depthLimit = limit
	s.depthFromMs = fromMs
}

// RelevantFactCounters plans, dispatches and finishes every counter
// applicable to the fact. Scan failures degrade the outcome, never the
// request: the failed names land in Outcome.Failed and everything else
// is returned.
func (s *Service) RelevantFactCounters(ctx context.Context, fact *types.Fact, hashValues map[int][]string) *Outcome {
	now := time.Now()
	out := &Outcome{Counters: make(map[string]types.CounterValues)}

	plans := s.producer.PlansFor(fact, hashValues, now, s.store.Dialect())
	out.Queries = len(plans)
	if len(plans) == 0 {
		return out
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.limit)
	for _, plan := range plans {
		plan := plan
		g.Go(func() error {
			res, err := s.runPlan(ctx, plan, now)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				names := plan.Names()
				out.Failed = append(out.Failed, names...)
				out.Info = append(out.Info, fmt.Sprintf("counter scan indexType=%d: %v", plan.IndexType, err))
				for range names {
					s.m.RecordCounterFailure()
				}
				s.log.Warn("counter scan failed",
					zap.Int("indexType", plan.IndexType),
					zap.Strings("counters", names),
					zap.Error(err))
				return nil
			}
			for name, vals := range res.values {
				out.Counters[name] = vals
			}
			if res.workerWait > out.WorkerWait {
				out.WorkerWait = res.workerWait
			}
			if res.elapsed > out.QueryTime {
				out.QueryTime = res.elapsed
			}
			return nil
		})
	}
	g.Wait()
	return out
}

type planResult struct {
	values     map[string]types.CounterValues
	workerWait time.Duration
	elapsed    time.Duration
}

func (s *Service) runPlan(ctx context.Context, plan *GroupPlan, now time.Time) (*planResult, error) {
	q := &storage.CandidateQuery{
		IndexType:    plan.IndexType,
		Hashes:       plan.Hashes,
		ExcludeID:    plan.ExcludeID,
		FromDT:       plan.FromDT,
		ToDT:         plan.ToDT,
		MaxEvaluated: plan.MaxEvaluated,
		Where:        plan.Where,
		Args:         plan.Args,
	}
	if s.depthFromMs > 0 {
		from := now.UnixMilli() - s.depthFromMs
		if q.FromDT == nil || *q.FromDT < from {
			q.FromDT = &from
		}
	}
	if s.depthLimit > 0 && (q.MaxEvaluated == nil || *q.MaxEvaluated > s.depthLimit) {
		limit := s.depthLimit
		q.MaxEvaluated = &limit
	}
	pn, err := s.pool.Submit(ctx, func(ctx context.Context, conn *sql.Conn) (any, error) {
		return s.store.CounterCandidates(ctx, conn, q)
	})
	if err != nil {
		return nil, err
	}
	v, elapsed, err := pn.Wait(ctx)
	if err != nil {
		return nil, err
	}
	cands, _ := v.([]storage.Candidate)
	return &planResult{
		values:     finish(plan, cands, now),
		workerWait: pn.WorkerWait,
		elapsed:    elapsed,
	}, nil
}

// finish evaluates the group's counters over the scanned candidates.
// The push-down fragment only reduced rows; membership is decided
// here, per member: computation conditions, then the matching cap,
// then evaluation conditions, then aggregation. A counter matching
// zero rows still reports its zeroed sums.
func finish(plan *GroupPlan, cands []storage.Candidate, now time.Time) map[string]types.CounterValues {
	out := make(map[string]types.CounterValues, len(plan.Members))
	for _, c := range plan.Members {
		var matched []map[string]any
		for i := range cands {
			if plan.MaxMatching != nil && int64(len(matched)) >= *plan.MaxMatching {
				break
			}
			doc := cands[i].Doc
			if c.computation != nil && !c.computation.MatchesOpt(doc, condition.MatchOptions{Now: now}) {
				continue
			}
			matched = append(matched, doc)
		}

		if c.evaluation != nil {
			kept := make([]map[string]any, 0, len(matched))
			for _, doc := range matched {
				if c.evaluation.MatchesOpt(doc, condition.MatchOptions{Now: now}) {
					kept = append(kept, doc)
				}
			}
			matched = kept
		}

		vals := make(types.CounterValues, len(c.attrs))
		for attr, agg := range c.attrs {
			if v, ok := agg.apply(matched); ok {
				vals[attr] = v
			}
		}
		out[c.Name] = vals
	}
	return out
}
