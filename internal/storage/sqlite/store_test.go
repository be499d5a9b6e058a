package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tallylabs/tally/internal/condition"
	"github.com/tallylabs/tally/internal/storage"
	"github.com/tallylabs/tally/internal/types"
)

func entry(h, f string, it int, v string, t int, dt, c int64, d map[string]any) types.IndexEntry {
	return types.IndexEntry{ID: types.EntryID{H: h, F: f}, IT: it, V: v, T: t, DT: dt, C: c, D: d}
}

func readFactRow(t *testing.T, s *Store, id string) (int, int64, string) {
	t.Helper()
	var typ int
	var c int64
	var d string
	if err := s.db.QueryRow(`SELECT t, c, d FROM facts WHERE id = ?`, id).Scan(&typ, &c, &d); err != nil {
		t.Fatalf("reading fact %s: %v", id, err)
	}
	return typ, c, d
}

func TestSaveFactLifecycle(t *testing.T) {
	s := newTestStore(t, Options{EmbedFactData: true})
	ctx := context.Background()

	fact := &types.Fact{ID: "ord-1", T: 10, C: 100, D: map[string]any{"amount": 25.0, "status": "open"}}

	res, err := s.SaveFact(ctx, fact)
	if err != nil {
		t.Fatalf("SaveFact: %v", err)
	}
	if res != storage.SaveInserted {
		t.Errorf("first save = %q, want %q", res, storage.SaveInserted)
	}

	// Identical resubmission is a no-op.
	res, err = s.SaveFact(ctx, fact.Clone())
	if err != nil {
		t.Fatalf("SaveFact resubmit: %v", err)
	}
	if res != storage.SaveIgnored {
		t.Errorf("identical resubmit = %q, want %q", res, storage.SaveIgnored)
	}

	// Changed payload overwrites d but must leave c alone.
	changed := fact.Clone()
	changed.D["status"] = "paid"
	changed.C = 999
	res, err = s.SaveFact(ctx, changed)
	if err != nil {
		t.Fatalf("SaveFact update: %v", err)
	}
	if res != storage.SaveUpdated {
		t.Errorf("changed resubmit = %q, want %q", res, storage.SaveUpdated)
	}

	typ, c, d := readFactRow(t, s, "ord-1")
	if typ != 10 {
		t.Errorf("t = %d, want 10", typ)
	}
	if c != 100 {
		t.Errorf("c = %d, want original 100", c)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(d), &payload); err != nil {
		t.Fatalf("decoding stored payload: %v", err)
	}
	if payload["status"] != "paid" {
		t.Errorf("status = %v, want paid", payload["status"])
	}
}

func TestSaveFactKeyOrderInsensitive(t *testing.T) {
	s := newTestStore(t, Options{EmbedFactData: true})
	ctx := context.Background()

	if _, err := s.SaveFact(ctx, &types.Fact{ID: "f1", T: 1, C: 1, D: map[string]any{"a": 1.0, "b": "x"}}); err != nil {
		t.Fatalf("SaveFact: %v", err)
	}
	res, err := s.SaveFact(ctx, &types.Fact{ID: "f1", T: 1, C: 2, D: map[string]any{"b": "x", "a": 1.0}})
	if err != nil {
		t.Fatalf("SaveFact: %v", err)
	}
	if res != storage.SaveIgnored {
		t.Errorf("reordered keys = %q, want %q", res, storage.SaveIgnored)
	}
}

func TestSaveIndexEntriesIgnoresDuplicates(t *testing.T) {
	s := newTestStore(t, Options{EmbedFactData: true})
	ctx := context.Background()

	entries := []types.IndexEntry{
		entry("h1", "f1", 1, "alice", 10, 1000, 1, map[string]any{"n": "alice"}),
		entry("h2", "f1", 2, "bob", 10, 1000, 1, map[string]any{"n": "alice"}),
		entry("h1", "f2", 1, "alice", 10, 2000, 2, map[string]any{"n": "alice"}),
	}

	res, err := s.SaveIndexEntries(ctx, entries)
	if err != nil {
		t.Fatalf("SaveIndexEntries: %v", err)
	}
	if res.Saved != 3 || res.Ignored != 0 || res.Failed != 0 {
		t.Errorf("first save = %+v, want 3 saved", res)
	}

	res, err = s.SaveIndexEntries(ctx, entries)
	if err != nil {
		t.Fatalf("SaveIndexEntries resave: %v", err)
	}
	if res.Saved != 0 || res.Ignored != 3 {
		t.Errorf("resave = %+v, want 3 ignored", res)
	}

	// Mixed batch: one new, two known.
	entries = append(entries[:2], entry("h3", "f3", 1, "carol", 10, 3000, 3, nil))
	res, err = s.SaveIndexEntries(ctx, entries)
	if err != nil {
		t.Fatalf("SaveIndexEntries mixed: %v", err)
	}
	if res.Saved != 1 || res.Ignored != 2 {
		t.Errorf("mixed save = %+v, want 1 saved 2 ignored", res)
	}
}

func TestSaveIndexEntriesEmpty(t *testing.T) {
	s := newTestStore(t, Options{EmbedFactData: true})

	res, err := s.SaveIndexEntries(context.Background(), nil)
	if err != nil {
		t.Fatalf("SaveIndexEntries(nil): %v", err)
	}
	if res.Saved != 0 || res.Ignored != 0 || res.Failed != 0 {
		t.Errorf("empty save = %+v, want zeros", res)
	}
}

func seedRelevant(t *testing.T, s *Store, embed bool) {
	t.Helper()
	ctx := context.Background()

	facts := []*types.Fact{
		{ID: "f1", T: 10, C: 1, D: map[string]any{"user": "alice", "amount": 10.0}},
		{ID: "f2", T: 10, C: 2, D: map[string]any{"user": "alice", "amount": 20.0}},
		{ID: "f3", T: 10, C: 3, D: map[string]any{"user": "bob", "amount": 30.0}},
	}
	for _, f := range facts {
		if _, err := s.SaveFact(ctx, f); err != nil {
			t.Fatalf("seeding fact %s: %v", f.ID, err)
		}
	}

	var d1, d2, d3 map[string]any
	if embed {
		d1, d2, d3 = facts[0].D, facts[1].D, facts[2].D
	}
	entries := []types.IndexEntry{
		entry("ha", "f1", 1, "alice", 10, 1000, 1, d1),
		entry("ha", "f2", 1, "alice", 10, 2000, 2, d2),
		entry("hb", "f3", 1, "bob", 10, 3000, 3, d3),
		entry("hx", "f2", 2, "20", 10, 2000, 2, d2),
	}
	if _, err := s.SaveIndexEntries(ctx, entries); err != nil {
		t.Fatalf("seeding index: %v", err)
	}
}

func TestRelevantFacts(t *testing.T) {
	for _, embed := range []bool{true, false} {
		name := "embedded"
		if !embed {
			name = "joined"
		}
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, Options{EmbedFactData: embed})
			seedRelevant(t, s, embed)
			ctx := context.Background()

			// Both index types hit f2; it must come back once.
			got, err := s.RelevantFacts(ctx, map[int][]string{1: {"ha", "hb"}, 2: {"hx"}}, "f9", storage.LookupOptions{})
			if err != nil {
				t.Fatalf("RelevantFacts: %v", err)
			}
			ids := factIDs(got)
			if len(ids) != 3 || !ids["f1"] || !ids["f2"] || !ids["f3"] {
				t.Errorf("got ids %v, want f1,f2,f3", ids)
			}
			for _, f := range got {
				if f.ID == "f2" && f.D["amount"] != 20.0 {
					t.Errorf("f2 payload = %v, want amount 20", f.D)
				}
			}

			// The triggering fact is excluded from its own lookup.
			got, err = s.RelevantFacts(ctx, map[int][]string{1: {"ha"}}, "f1", storage.LookupOptions{})
			if err != nil {
				t.Fatalf("RelevantFacts exclude: %v", err)
			}
			ids = factIDs(got)
			if ids["f1"] || !ids["f2"] {
				t.Errorf("exclusion got %v, want only f2", ids)
			}
		})
	}
}

func TestRelevantFactsDepthBounds(t *testing.T) {
	s := newTestStore(t, Options{EmbedFactData: true})
	seedRelevant(t, s, true)
	ctx := context.Background()

	// Newest-first cap per index type.
	one := int64(1)
	got, err := s.RelevantFacts(ctx, map[int][]string{1: {"ha", "hb"}}, "f9", storage.LookupOptions{DepthLimit: &one})
	if err != nil {
		t.Fatalf("RelevantFacts limit: %v", err)
	}
	if len(got) != 1 || got[0].ID != "f3" {
		t.Errorf("limit 1 got %v, want just f3 (highest c)", factIDs(got))
	}

	// Explicit zero cap returns nothing.
	zero := int64(0)
	got, err = s.RelevantFacts(ctx, map[int][]string{1: {"ha"}}, "f9", storage.LookupOptions{DepthLimit: &zero})
	if err != nil {
		t.Fatalf("RelevantFacts zero limit: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("zero limit got %d facts, want none", len(got))
	}

	// Time horizon drops entries older than now-DepthFromMs.
	now := time.UnixMilli(4000)
	got, err = s.RelevantFacts(ctx, map[int][]string{1: {"ha", "hb"}}, "f9", storage.LookupOptions{DepthFromMs: 1500, Now: now})
	if err != nil {
		t.Fatalf("RelevantFacts horizon: %v", err)
	}
	ids := factIDs(got)
	if ids["f1"] || !ids["f2"] || !ids["f3"] {
		t.Errorf("horizon got %v, want f2,f3", ids)
	}
}

func factIDs(facts []*types.Fact) map[string]bool {
	ids := make(map[string]bool, len(facts))
	for _, f := range facts {
		ids[f.ID] = true
	}
	return ids
}

func seedCandidates(t *testing.T, s *Store, embed bool) {
	t.Helper()
	ctx := context.Background()

	rows := []struct {
		id     string
		dt, c  int64
		status string
		amount float64
	}{
		{"c1", 1000, 1, "open", 10},
		{"c2", 2000, 2, "paid", 150},
		{"c3", 3000, 3, "paid", 50},
		{"c4", 4000, 4, "open", 200},
	}
	for _, r := range rows {
		d := map[string]any{"status": r.status, "amount": r.amount}
		f := &types.Fact{ID: r.id, T: 10, C: r.c, D: d}
		if _, err := s.SaveFact(ctx, f); err != nil {
			t.Fatalf("seeding fact %s: %v", r.id, err)
		}
		var embedded map[string]any
		if embed {
			embedded = d
		}
		e := entry("hu", r.id, 1, "alice", 10, r.dt, r.c, embedded)
		if _, err := s.SaveIndexEntries(ctx, []types.IndexEntry{e}); err != nil {
			t.Fatalf("seeding entry %s: %v", r.id, err)
		}
	}
}

func candidateIDs(cands []storage.Candidate) []string {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.FactID
	}
	return ids
}

func TestCounterCandidatesWindowAndCap(t *testing.T) {
	s := newTestStore(t, Options{EmbedFactData: true})
	seedCandidates(t, s, true)
	ctx := context.Background()

	conn, err := s.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	defer conn.Close()

	from, to := int64(1500), int64(3500)
	got, err := s.CounterCandidates(ctx, conn, &storage.CandidateQuery{
		IndexType: 1,
		Hashes:    []string{"hu"},
		ExcludeID: "none",
		FromDT:    &from,
		ToDT:      &to,
	})
	if err != nil {
		t.Fatalf("CounterCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("window got %v, want c2,c3", candidateIDs(got))
	}

	// Cap keeps the newest rows (highest c) only.
	two := int64(2)
	got, err = s.CounterCandidates(ctx, conn, &storage.CandidateQuery{
		IndexType:    1,
		Hashes:       []string{"hu"},
		ExcludeID:    "none",
		MaxEvaluated: &two,
	})
	if err != nil {
		t.Fatalf("CounterCandidates cap: %v", err)
	}
	ids := candidateIDs(got)
	if len(ids) != 2 || ids[0] != "c4" || ids[1] != "c3" {
		t.Errorf("cap 2 got %v, want [c4 c3]", ids)
	}

	// Explicit zero evaluates nothing.
	zero := int64(0)
	got, err = s.CounterCandidates(ctx, conn, &storage.CandidateQuery{
		IndexType:    1,
		Hashes:       []string{"hu"},
		ExcludeID:    "none",
		MaxEvaluated: &zero,
	})
	if err != nil {
		t.Fatalf("CounterCandidates zero cap: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("zero cap got %v, want none", candidateIDs(got))
	}

	// The triggering fact's own entries never come back.
	got, err = s.CounterCandidates(ctx, conn, &storage.CandidateQuery{
		IndexType: 1,
		Hashes:    []string{"hu"},
		ExcludeID: "c2",
	})
	if err != nil {
		t.Fatalf("CounterCandidates exclude: %v", err)
	}
	for _, c := range got {
		if c.FactID == "c2" {
			t.Errorf("excluded fact c2 still in %v", candidateIDs(got))
		}
	}
}

func TestCounterCandidatesPushdown(t *testing.T) {
	for _, embed := range []bool{true, false} {
		name := "embedded"
		if !embed {
			name = "joined"
		}
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, Options{EmbedFactData: embed})
			seedCandidates(t, s, embed)
			ctx := context.Background()

			cond, err := condition.Compile(map[string]any{
				"d.status": "paid",
				"d.amount": map[string]any{"$gte": 100},
			}, condition.CompileOptions{})
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			where, args, complete := cond.SQL(s.Dialect(), time.Now())
			if where == "" || !complete {
				t.Fatalf("condition did not push down: where=%q complete=%v", where, complete)
			}

			conn, err := s.Conn(ctx)
			if err != nil {
				t.Fatalf("Conn: %v", err)
			}
			defer conn.Close()

			got, err := s.CounterCandidates(ctx, conn, &storage.CandidateQuery{
				IndexType: 1,
				Hashes:    []string{"hu"},
				ExcludeID: "none",
				Where:     where,
				Args:      args,
			})
			if err != nil {
				t.Fatalf("CounterCandidates: %v", err)
			}
			if len(got) != 1 || got[0].FactID != "c2" {
				t.Fatalf("pushdown got %v, want [c2]", candidateIDs(got))
			}

			// The returned doc is fact-shaped for in-process evaluation.
			doc := got[0].Doc
			if !cond.Matches(doc) {
				t.Errorf("returned doc does not satisfy the source condition: %v", doc)
			}
			if doc["_id"] != "c2" {
				t.Errorf("doc _id = %v, want c2", doc["_id"])
			}
		})
	}
}

func TestSaveLog(t *testing.T) {
	s := newTestStore(t, Options{EmbedFactData: true})
	ctx := context.Background()

	rec := &storage.LogRecord{
		ID:        "log-1",
		ProcessID: "12345",
		CreatedAt: time.Now().UnixMilli(),
		Message:   json.RawMessage(`{"t":10,"userName":"alice"}`),
		Fact:      json.RawMessage(`{"_id":"f1"}`),
		Timings:   json.RawMessage(`{"total":12}`),
	}
	if err := s.SaveLog(ctx, rec); err != nil {
		t.Fatalf("SaveLog: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ingest_log`).Scan(&count); err != nil {
		t.Fatalf("counting log rows: %v", err)
	}
	if count != 1 {
		t.Errorf("log rows = %d, want 1", count)
	}

	var msg string
	var debug any
	if err := s.db.QueryRow(`SELECT message, debug FROM ingest_log WHERE id = ?`, "log-1").Scan(&msg, &debug); err != nil {
		t.Fatalf("reading log row: %v", err)
	}
	if msg != `{"t":10,"userName":"alice"}` {
		t.Errorf("message = %q", msg)
	}
	if debug != nil {
		t.Errorf("debug = %v, want NULL", debug)
	}
}

func TestMemoryDatabase(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, ":memory:", Options{EmbedFactData: true})
	if err != nil {
		t.Fatalf("New(:memory:): %v", err)
	}
	defer s.Close()

	if _, err := s.SaveFact(ctx, &types.Fact{ID: "m1", T: 1, C: 1, D: map[string]any{"k": "v"}}); err != nil {
		t.Fatalf("SaveFact: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
