package logsample

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tallylabs/tally/internal/storage"
	"github.com/tallylabs/tally/internal/types"
)

type captureSaver struct {
	mu   sync.Mutex
	recs []*storage.LogRecord
}

func (c *captureSaver) SaveLog(_ context.Context, rec *storage.LogRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureSaver) records() []*storage.LogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*storage.LogRecord, len(c.recs))
	copy(out, c.recs)
	return out
}

func sampleWithTotal(ms int64) *Sample {
	return &Sample{
		Message: json.RawMessage(`{"t":7}`),
		Fact:    &types.Fact{ID: "f-1", T: 7, D: map[string]any{}},
		Timings: types.ProcessingTime{Total: ms},
	}
}

func TestObserveKeepsWorstPerWindow(t *testing.T) {
	saver := &captureSaver{}
	s := New(saver, 3, nil)

	s.Observe(sampleWithTotal(10))
	s.Observe(sampleWithTotal(50))
	if got := saver.records(); len(got) != 0 {
		t.Fatalf("saved %d records before the window filled", len(got))
	}
	s.Observe(sampleWithTotal(20))
	s.Flush() // waits for the detached save

	recs := saver.records()
	if len(recs) != 1 {
		t.Fatalf("saved %d records, want 1", len(recs))
	}
	var timings types.ProcessingTime
	if err := json.Unmarshal(recs[0].Timings, &timings); err != nil {
		t.Fatalf("unmarshal timings: %v", err)
	}
	if timings.Total != 50 {
		t.Errorf("retained total = %d, want the worst (50)", timings.Total)
	}
	if recs[0].ID == "" || recs[0].ProcessID == "" || recs[0].CreatedAt == 0 {
		t.Errorf("record identity incomplete: %+v", recs[0])
	}

	// The next window starts clean.
	s.Observe(sampleWithTotal(5))
	s.Observe(sampleWithTotal(7))
	s.Observe(sampleWithTotal(6))
	s.Flush()
	recs = saver.records()
	if len(recs) != 2 {
		t.Fatalf("saved %d records, want 2", len(recs))
	}
	if err := json.Unmarshal(recs[1].Timings, &timings); err != nil {
		t.Fatalf("unmarshal timings: %v", err)
	}
	if timings.Total != 7 {
		t.Errorf("second window total = %d, want 7", timings.Total)
	}
}

func TestDisabledSampler(t *testing.T) {
	saver := &captureSaver{}
	s := New(saver, 0, nil)
	if s.Enabled() {
		t.Error("freq 0 should disable sampling")
	}
	for i := 0; i < 10; i++ {
		s.Observe(sampleWithTotal(int64(i)))
	}
	s.Flush()
	if got := saver.records(); len(got) != 0 {
		t.Errorf("disabled sampler saved %d records", len(got))
	}
}

func TestFlushPersistsPartialWindow(t *testing.T) {
	saver := &captureSaver{}
	s := New(saver, 100, nil)

	s.Observe(sampleWithTotal(33))
	s.Flush()

	recs := saver.records()
	if len(recs) != 1 {
		t.Fatalf("saved %d records, want the partial window's worst", len(recs))
	}
	if recs[0].Fact == nil {
		t.Error("fact not serialized")
	}
	if recs[0].Debug != nil {
		t.Error("absent debug should stay null")
	}
}

func TestObserveConcurrent(t *testing.T) {
	saver := &captureSaver{}
	s := New(saver, 10, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Observe(sampleWithTotal(int64(i)))
		}(i)
	}
	wg.Wait()
	s.Flush()

	// 100 observations at freq 10 close exactly 10 windows.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(saver.records()) == 10 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("saved %d records, want 10", len(saver.records()))
}
