package counters

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tallylabs/tally/internal/config"
	"github.com/tallylabs/tally/internal/dispatch"
	"github.com/tallylabs/tally/internal/metrics"
	"github.com/tallylabs/tally/internal/storage/sqlite"
	"github.com/tallylabs/tally/internal/types"
)

type harness struct {
	svc   *Service
	store *sqlite.Store
	pool  *dispatch.Pool
	m     *metrics.Metrics
}

func newHarness(t *testing.T, defs []config.CounterDefinition) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(ctx, t.TempDir()+"/counters.db", sqlite.Options{EmbedFactData: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := metrics.New()
	pool := dispatch.New(dispatch.Options{Workers: 2}, m, nil)
	if err := pool.Start(ctx, store); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	producer, err := NewProducer(defs, testIndexConfig(), nil, nil)
	if err != nil {
		t.Fatalf("compile counters: %v", err)
	}
	return &harness{
		svc:   NewService(producer, store, pool, 4, m, nil),
		store: store,
		pool:  pool,
		m:     m,
	}
}

// seedOrders writes index entries for one customer hash: three paid
// orders (amounts 100, 200, 300 at ascending c) and one pending, plus
// an entry owned by the incoming fact itself.
func seedOrders(t *testing.T, h *harness, hash string, now time.Time) {
	t.Helper()
	dt := now.UnixMilli() - 1000
	mk := func(f string, c int64, status string, amount float64) types.IndexEntry {
		return types.IndexEntry{
			ID: types.EntryID{H: hash, F: f},
			IT: 1, V: "42", T: 7, DT: dt, C: c,
			D: map[string]any{"status": status, "amount": amount},
		}
	}
	entries := []types.IndexEntry{
		mk("o-1", 10, "paid", 100),
		mk("o-2", 20, "paid", 200),
		mk("o-3", 30, "paid", 300),
		mk("o-4", 40, "pending", 999),
		mk("o-new", 50, "paid", 777),
	}
	res, err := h.store.SaveIndexEntries(context.Background(), entries)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if res.Saved != len(entries) {
		t.Fatalf("seed saved %d of %d", res.Saved, len(entries))
	}
}

func num(t *testing.T, vals types.CounterValues, attr string) float64 {
	t.Helper()
	v, ok := vals[attr]
	if !ok {
		t.Fatalf("attribute %q missing from %v", attr, vals)
	}
	f, ok := toFloat64(v)
	if !ok {
		t.Fatalf("attribute %q = %v (%T), want number", attr, v, v)
	}
	return f
}

func TestRelevantFactCounters(t *testing.T) {
	h := newHarness(t, []config.CounterDefinition{
		counterDef("orders", "customer", func(d *config.CounterDefinition) {
			d.FromTimeMs = 86_400_000
			d.ComputationConditions = map[string]any{"d.status": "paid"}
			d.Attributes = map[string]map[string]any{
				"count":     {"$sum": 1},
				"total":     {"$sum": "$d.amount"},
				"avgAmount": {"$avg": "$d.amount"},
			}
		}),
		counterDef("bigOrders", "customer", func(d *config.CounterDefinition) {
			d.FromTimeMs = 86_400_000
			d.ComputationConditions = map[string]any{"d.status": "paid"}
			d.EvaluationConditions = map[string]any{"d.amount": map[string]any{"$gte": float64(150)}}
			d.Attributes = map[string]map[string]any{
				"count": {"$sum": 1},
				"total": {"$sum": "$d.amount"},
			}
		}),
	})

	now := time.Now()
	seedOrders(t, h, "cust-42", now)

	fact := paidFact("o-new")
	out := h.svc.RelevantFactCounters(context.Background(), fact, map[int][]string{1: {"cust-42"}})

	if len(out.Failed) != 0 {
		t.Fatalf("failed counters: %v (%v)", out.Failed, out.Info)
	}
	// Same window and caps: one scan serves both counters.
	if out.Queries != 1 {
		t.Errorf("queries = %d, want 1", out.Queries)
	}

	orders, ok := out.Counters["orders"]
	if !ok {
		t.Fatalf("orders missing from %v", out.Counters)
	}
	if got := num(t, orders, "count"); got != 3 {
		t.Errorf("orders.count = %v, want 3 paid excluding the incoming fact", got)
	}
	if got := num(t, orders, "total"); got != 600 {
		t.Errorf("orders.total = %v, want 600", got)
	}
	if got := num(t, orders, "avgAmount"); got != 200 {
		t.Errorf("orders.avgAmount = %v, want 200", got)
	}

	big, ok := out.Counters["bigOrders"]
	if !ok {
		t.Fatalf("bigOrders missing from %v", out.Counters)
	}
	if got := num(t, big, "count"); got != 2 {
		t.Errorf("bigOrders.count = %v, want 2 at or above 150", got)
	}
	if got := num(t, big, "total"); got != 500 {
		t.Errorf("bigOrders.total = %v, want 500", got)
	}

	if out.QueryTime < 0 || out.WorkerWait < 0 {
		t.Errorf("timings = %v/%v", out.QueryTime, out.WorkerWait)
	}
}

func TestRelevantFactCountersMatchingCap(t *testing.T) {
	h := newHarness(t, []config.CounterDefinition{
		counterDef("recent", "customer", func(d *config.CounterDefinition) {
			d.ComputationConditions = map[string]any{"d.status": "paid"}
			d.MaxMatchingRecords = i64(2)
			d.Attributes = map[string]map[string]any{
				"count": {"$sum": 1},
				"total": {"$sum": "$d.amount"},
			}
		}),
	})

	now := time.Now()
	seedOrders(t, h, "cust-42", now)

	out := h.svc.RelevantFactCounters(context.Background(), paidFact("o-new"), map[int][]string{1: {"cust-42"}})
	if len(out.Failed) != 0 {
		t.Fatalf("failed: %v (%v)", out.Failed, out.Info)
	}
	vals := out.Counters["recent"]
	if got := num(t, vals, "count"); got != 2 {
		t.Errorf("count = %v, want cap of 2", got)
	}
	// Candidates arrive highest-c first, so the cap keeps o-3 and o-2.
	if got := num(t, vals, "total"); got != 500 {
		t.Errorf("total = %v, want 500 from the two most recent", got)
	}
}

func TestRelevantFactCountersZeroCap(t *testing.T) {
	h := newHarness(t, []config.CounterDefinition{
		counterDef("none", "customer", func(d *config.CounterDefinition) {
			d.MaxMatchingRecords = i64(0)
			d.Attributes = map[string]map[string]any{
				"count":     {"$sum": 1},
				"avgAmount": {"$avg": "$d.amount"},
			}
		}),
	})

	now := time.Now()
	seedOrders(t, h, "cust-42", now)

	out := h.svc.RelevantFactCounters(context.Background(), paidFact("o-new"), map[int][]string{1: {"cust-42"}})
	if len(out.Failed) != 0 {
		t.Fatalf("failed: %v (%v)", out.Failed, out.Info)
	}
	vals, ok := out.Counters["none"]
	if !ok {
		t.Fatal("zero-cap counter should still report")
	}
	if got := num(t, vals, "count"); got != 0 {
		t.Errorf("count = %v, want zeroed sum", got)
	}
	if _, present := vals["avgAmount"]; present {
		t.Errorf("avgAmount = %v, want omitted over zero rows", vals["avgAmount"])
	}
}

func TestRelevantFactCountersWindowExcludesOld(t *testing.T) {
	h := newHarness(t, []config.CounterDefinition{
		counterDef("lastHour", "customer", func(d *config.CounterDefinition) {
			d.FromTimeMs = 3_600_000
			d.Attributes = map[string]map[string]any{"count": {"$sum": 1}}
		}),
	})

	now := time.Now()
	fresh := now.UnixMilli() - 1000
	stale := now.UnixMilli() - 7_200_000
	entries := []types.IndexEntry{
		{ID: types.EntryID{H: "h", F: "a"}, IT: 1, V: "v", T: 7, DT: fresh, C: 1, D: map[string]any{}},
		{ID: types.EntryID{H: "h", F: "b"}, IT: 1, V: "v", T: 7, DT: stale, C: 2, D: map[string]any{}},
	}
	if _, err := h.store.SaveIndexEntries(context.Background(), entries); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out := h.svc.RelevantFactCounters(context.Background(), paidFact("o-new"), map[int][]string{1: {"h"}})
	if len(out.Failed) != 0 {
		t.Fatalf("failed: %v (%v)", out.Failed, out.Info)
	}
	if got := num(t, out.Counters["lastHour"], "count"); got != 1 {
		t.Errorf("count = %v, want only the fresh entry", got)
	}
}

func TestRelevantFactCountersDegradesOnFailure(t *testing.T) {
	h := newHarness(t, []config.CounterDefinition{
		counterDef("a", "customer", nil),
		counterDef("b", "customer", func(d *config.CounterDefinition) { d.FromTimeMs = 60_000 }),
	})
	// With the pool closed every submission is rejected; the request
	// must still come back with the failures noted.
	h.pool.Close()

	out := h.svc.RelevantFactCounters(context.Background(), paidFact("o-new"), map[int][]string{1: {"h"}})
	if len(out.Counters) != 0 {
		t.Errorf("counters = %v, want none", out.Counters)
	}
	if len(out.Failed) != 2 {
		t.Errorf("failed = %v, want both counters", out.Failed)
	}
	if len(out.Info) == 0 {
		t.Error("no degradation notes recorded")
	}
	if got := h.m.Snapshot().CounterFailures; got != 2 {
		t.Errorf("counter failures metric = %d, want 2", got)
	}
}

func TestRelevantFactCountersNoPlans(t *testing.T) {
	h := newHarness(t, []config.CounterDefinition{counterDef("a", "customer", nil)})

	out := h.svc.RelevantFactCounters(context.Background(), paidFact("o-new"), map[int][]string{2: {"sku-1"}})
	if out.Queries != 0 || len(out.Counters) != 0 || len(out.Failed) != 0 {
		t.Errorf("outcome = %+v, want empty", out)
	}
}

func TestRelevantFactCountersDepthLimit(t *testing.T) {
	h := newHarness(t, []config.CounterDefinition{
		counterDef("paid", "customer", func(d *config.CounterDefinition) {
			d.ComputationConditions = map[string]any{"d.status": "paid"}
			d.Attributes = map[string]map[string]any{
				"count": {"$sum": 1},
				"total": {"$sum": "$d.amount"},
			}
		}),
	})
	h.svc.SetDepthBounds(2, 0)

	now := time.Now()
	seedOrders(t, h, "cust-42", now)

	out := h.svc.RelevantFactCounters(context.Background(), paidFact("o-new"), map[int][]string{1: {"cust-42"}})
	if len(out.Failed) != 0 {
		t.Fatalf("failed: %v (%v)", out.Failed, out.Info)
	}
	// The scan keeps the two newest rows, o-4 (pending) and o-3.
	vals := out.Counters["paid"]
	if got := num(t, vals, "count"); got != 1 {
		t.Errorf("count = %v, want 1 paid among the two newest", got)
	}
	if got := num(t, vals, "total"); got != 300 {
		t.Errorf("total = %v, want 300", got)
	}
}

func TestRelevantFactCountersDepthWindow(t *testing.T) {
	h := newHarness(t, []config.CounterDefinition{
		counterDef("all", "customer", nil),
	})
	h.svc.SetDepthBounds(0, 3_600_000)

	now := time.Now()
	entries := []types.IndexEntry{
		{ID: types.EntryID{H: "h", F: "a"}, IT: 1, V: "v", T: 7, DT: now.UnixMilli() - 1000, C: 1, D: map[string]any{}},
		{ID: types.EntryID{H: "h", F: "b"}, IT: 1, V: "v", T: 7, DT: now.UnixMilli() - 7_200_000, C: 2, D: map[string]any{}},
	}
	if _, err := h.store.SaveIndexEntries(context.Background(), entries); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out := h.svc.RelevantFactCounters(context.Background(), paidFact("o-new"), map[int][]string{1: {"h"}})
	if len(out.Failed) != 0 {
		t.Fatalf("failed: %v (%v)", out.Failed, out.Info)
	}
	if got := num(t, out.Counters["all"], "count"); got != 1 {
		t.Errorf("count = %v, want only the entry inside the window", got)
	}
}

func TestRelevantFactCountersEvaluationRegex(t *testing.T) {
	h := newHarness(t, []config.CounterDefinition{
		counterDef("lowValues", "customer", func(d *config.CounterDefinition) {
			d.EvaluationConditions = map[string]any{
				"d.f2": map[string]any{"$regex": "^value[1-5]$"},
			}
			d.Attributes = map[string]map[string]any{"count": {"$sum": 1}}
		}),
	})

	now := time.Now()
	entries := make([]types.IndexEntry, 0, 10)
	for i := 1; i <= 10; i++ {
		entries = append(entries, types.IndexEntry{
			ID: types.EntryID{H: "h", F: fmt.Sprintf("f-%d", i)},
			IT: 1, V: "v", T: 7, DT: now.UnixMilli() - 1000, C: int64(i),
			D: map[string]any{"f2": fmt.Sprintf("value%d", i)},
		})
	}
	if _, err := h.store.SaveIndexEntries(context.Background(), entries); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out := h.svc.RelevantFactCounters(context.Background(), paidFact("o-new"), map[int][]string{1: {"h"}})
	if len(out.Failed) != 0 {
		t.Fatalf("failed: %v (%v)", out.Failed, out.Info)
	}
	if got := num(t, out.Counters["lowValues"], "count"); got != 5 {
		t.Errorf("count = %v, want the five names inside the range", got)
	}
}
