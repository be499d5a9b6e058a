package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRecordAndSnapshot(t *testing.T) {
	m := New()
	m.Record(OpIngest, 10*time.Millisecond)
	m.Record(OpIngest, 20*time.Millisecond)
	m.Record(OpSaveFact, 5*time.Millisecond)
	m.RecordError(OpIngest)

	snap := m.Snapshot()
	if len(snap.Operations) != 2 {
		t.Fatalf("got %d operations, want 2", len(snap.Operations))
	}

	// Sorted by frequency: ingest first.
	ing := snap.Operations[0]
	if ing.Operation != OpIngest {
		t.Fatalf("first op = %s, want ingest", ing.Operation)
	}
	if ing.TotalCount != 2 || ing.ErrorCount != 1 || ing.SuccessCount != 1 {
		t.Errorf("ingest counts: %+v", ing)
	}
	if ing.Latency.MinMS != 10 || ing.Latency.MaxMS != 20 {
		t.Errorf("latency stats: %+v", ing.Latency)
	}
	if ing.Latency.AvgMS != 15 {
		t.Errorf("avg = %v, want 15", ing.Latency.AvgMS)
	}
}

func TestEngineCounters(t *testing.T) {
	m := New()
	m.RecordQueryTimeout()
	m.RecordQueryTimeout()
	m.RecordNoWorkers()
	m.RecordLateResult()
	m.RecordSaveRetry()
	m.RecordCounterFailure()

	snap := m.Snapshot()
	if snap.QueryTimeouts != 2 {
		t.Errorf("timeouts = %d, want 2", snap.QueryTimeouts)
	}
	if snap.NoWorkers != 1 || snap.LateResults != 1 || snap.SaveRetries != 1 || snap.CounterFailures != 1 {
		t.Errorf("counters: %+v", snap)
	}
	if m.QueryTimeouts() != 2 || m.LateResults() != 1 || m.NoWorkerRejections() != 1 {
		t.Error("accessors disagree with snapshot")
	}
}

func TestSlowCallback(t *testing.T) {
	m := New()
	m.SetSlowThreshold(10 * time.Millisecond)

	var mu sync.Mutex
	var fired []string
	m.SetSlowCallback(func(op string, latency time.Duration, _ time.Time) {
		// Taking the metrics lock here would deadlock if the callback
		// ran under it.
		m.RecordError("callback-probe")
		mu.Lock()
		fired = append(fired, op)
		mu.Unlock()
	})

	m.Record(OpIngest, 50*time.Millisecond)
	m.Record(OpIngest, time.Millisecond) // under threshold

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != OpIngest {
		t.Errorf("callback fired = %v, want [ingest]", fired)
	}
}

func TestSlowDisabled(t *testing.T) {
	m := New()
	m.SetSlowThreshold(0)
	m.Record(OpIngest, time.Hour)
	if snap := m.Snapshot(); snap.TotalSlow != 0 {
		t.Errorf("slow recorded with detection disabled: %d", snap.TotalSlow)
	}
}

func TestTopSlow(t *testing.T) {
	m := New()
	m.SetSlowThreshold(time.Millisecond)
	m.Record("a", 5*time.Millisecond)
	m.Record("b", 50*time.Millisecond)
	m.Record("c", 20*time.Millisecond)

	top := m.TopSlow(2)
	if len(top) != 2 {
		t.Fatalf("got %d records, want 2", len(top))
	}
	if top[0].Operation != "b" || top[1].Operation != "c" {
		t.Errorf("order wrong: %v, %v", top[0].Operation, top[1].Operation)
	}
}

func TestSummaryLine(t *testing.T) {
	m := New()
	m.Record(OpIngest, 10*time.Millisecond)
	m.RecordQueryTimeout()

	s := m.Summary()
	for _, want := range []string{"requests=1", "timeouts=1", "no_workers=0", "late_dropped=0"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary %q missing %q", s, want)
		}
	}
}

func TestConcurrentRecording(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.Record(OpCounterQuery, time.Duration(j)*time.Microsecond)
				m.RecordLateResult()
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	if snap.Operations[0].TotalCount != 1600 {
		t.Errorf("count = %d, want 1600", snap.Operations[0].TotalCount)
	}
	if snap.LateResults != 1600 {
		t.Errorf("late = %d, want 1600", snap.LateResults)
	}
}
