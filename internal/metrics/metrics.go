// Package metrics collects in-process telemetry for the ingestion
// engine: per-operation counts and latency percentiles, plus the
// engine-specific counters the query dispatcher and pipeline maintain.
package metrics

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Operation names recorded by the engine.
const (
	OpIngest       = "ingest"
	OpSaveFact     = "save_fact"
	OpSaveIndex    = "save_index"
	OpCounterQuery = "counter_query"
	OpSaveLog      = "save_log"
)

// DefaultSlowThreshold flags requests slower than this for the slow
// log (0 disables detection).
const DefaultSlowThreshold = 500 * time.Millisecond

// SlowRequestCallback fires when a request exceeds the slow threshold.
// Invoked outside the metrics lock.
type SlowRequestCallback func(operation string, latency time.Duration, at time.Time)

// SlowRequestRecord is one retained slow-request observation.
type SlowRequestRecord struct {
	Operation string    `json:"operation"`
	LatencyMS float64   `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics is the engine's telemetry collector. Safe for concurrent use.
type Metrics struct {
	mu sync.RWMutex

	requestCounts  map[string]int64
	requestErrors  map[string]int64
	requestLatency map[string][]time.Duration
	maxSamples     int

	slowThreshold time.Duration
	slowCounts    map[string]int64
	recentSlow    []SlowRequestRecord
	maxSlow       int
	slowCallback  SlowRequestCallback

	// Engine counters. Atomics: hot paths bump these without taking
	// the map lock.
	queryTimeouts   atomic.Int64
	noWorkers       atomic.Int64
	lateResults     atomic.Int64
	saveRetries     atomic.Int64
	counterFailures atomic.Int64

	startTime time.Time
}

// New creates a metrics collector.
func New() *Metrics {
	return &Metrics{
		requestCounts:  make(map[string]int64),
		requestErrors:  make(map[string]int64),
		requestLatency: make(map[string][]time.Duration),
		maxSamples:     1000,
		slowCounts:     make(map[string]int64),
		maxSlow:        100,
		slowThreshold:  DefaultSlowThreshold,
		startTime:      time.Now(),
	}
}

// SetSlowThreshold changes the slow-request threshold. 0 disables.
func (m *Metrics) SetSlowThreshold(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slowThreshold = d
}

// SetSlowCallback installs the slow-request hook.
func (m *Metrics) SetSlowCallback(cb SlowRequestCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slowCallback = cb
}

// Record notes one completed operation and its latency.
func (m *Metrics) Record(operation string, latency time.Duration) {
	now := time.Now()
	var cb SlowRequestCallback
	var slow bool

	m.mu.Lock()
	m.requestCounts[operation]++

	samples := m.requestLatency[operation]
	if len(samples) >= m.maxSamples {
		samples = samples[1:]
	}
	m.requestLatency[operation] = append(samples, latency)

	if m.slowThreshold > 0 && latency >= m.slowThreshold {
		slow = true
		m.slowCounts[operation]++
		if len(m.recentSlow) >= m.maxSlow {
			m.recentSlow = m.recentSlow[1:]
		}
		m.recentSlow = append(m.recentSlow, SlowRequestRecord{
			Operation: operation,
			LatencyMS: float64(latency) / float64(time.Millisecond),
			Timestamp: now,
		})
		cb = m.slowCallback
	}
	m.mu.Unlock()

	if slow && cb != nil {
		cb(operation, latency, now)
	}
}

// RecordError notes one failed operation.
func (m *Metrics) RecordError(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestErrors[operation]++
}

// RecordQueryTimeout counts a counter query that hit its deadline.
func (m *Metrics) RecordQueryTimeout() { m.queryTimeouts.Add(1) }

// RecordNoWorkers counts a submission rejected for worker exhaustion.
func (m *Metrics) RecordNoWorkers() { m.noWorkers.Add(1) }

// RecordLateResult counts a result that arrived after its query was
// abandoned. The value is dropped; only the counter remains.
func (m *Metrics) RecordLateResult() { m.lateResults.Add(1) }

// RecordSaveRetry counts a transient persistence failure that was
// retried.
func (m *Metrics) RecordSaveRetry() { m.saveRetries.Add(1) }

// RecordCounterFailure counts a counter that produced no value.
func (m *Metrics) RecordCounterFailure() { m.counterFailures.Add(1) }

// QueryTimeouts returns the running timeout count.
func (m *Metrics) QueryTimeouts() int64 { return m.queryTimeouts.Load() }

// LateResults returns the running late-result count.
func (m *Metrics) LateResults() int64 { return m.lateResults.Load() }

// NoWorkerRejections returns the running rejection count.
func (m *Metrics) NoWorkerRejections() int64 { return m.noWorkers.Load() }

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Timestamp       time.Time          `json:"timestamp"`
	UptimeSeconds   float64            `json:"uptime_seconds"`
	Operations      []OperationMetrics `json:"operations"`
	QueryTimeouts   int64              `json:"query_timeouts"`
	NoWorkers       int64              `json:"no_worker_rejections"`
	LateResults     int64              `json:"late_results_dropped"`
	SaveRetries     int64              `json:"save_retries"`
	CounterFailures int64              `json:"counter_failures"`
	MemoryAllocMB   uint64             `json:"memory_alloc_mb"`
	GoroutineCount  int                `json:"goroutine_count"`

	SlowThresholdMS float64             `json:"slow_threshold_ms"`
	TotalSlow       int64               `json:"total_slow_requests"`
	RecentSlow      []SlowRequestRecord `json:"recent_slow_requests,omitempty"`
}

// OperationMetrics holds metrics for one operation type.
type OperationMetrics struct {
	Operation    string       `json:"operation"`
	TotalCount   int64        `json:"total_count"`
	SuccessCount int64        `json:"success_count"`
	ErrorCount   int64        `json:"error_count"`
	SlowCount    int64        `json:"slow_count,omitempty"`
	Latency      LatencyStats `json:"latency,omitempty"`
}

// LatencyStats holds latency percentiles in milliseconds.
type LatencyStats struct {
	MinMS float64 `json:"min_ms"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
	MaxMS float64 `json:"max_ms"`
	AvgMS float64 `json:"avg_ms"`
}

// Snapshot copies current state and computes derived statistics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()

	ops := make(map[string]struct{})
	for op := range m.requestCounts {
		ops[op] = struct{}{}
	}
	for op := range m.requestErrors {
		ops[op] = struct{}{}
	}

	counts := make(map[string]int64, len(ops))
	errs := make(map[string]int64, len(ops))
	lat := make(map[string][]time.Duration, len(ops))
	slowCounts := make(map[string]int64, len(m.slowCounts))
	for op := range ops {
		counts[op] = m.requestCounts[op]
		errs[op] = m.requestErrors[op]
		if samples := m.requestLatency[op]; len(samples) > 0 {
			lat[op] = append([]time.Duration(nil), samples...)
		}
	}
	for op, c := range m.slowCounts {
		slowCounts[op] = c
	}
	threshold := m.slowThreshold
	recent := make([]SlowRequestRecord, len(m.recentSlow))
	copy(recent, m.recentSlow)

	m.mu.RUnlock()

	uptime := math.Ceil(time.Since(m.startTime).Seconds())
	if uptime == 0 {
		uptime = 1
	}

	var totalSlow int64
	operations := make([]OperationMetrics, 0, len(ops))
	for op := range ops {
		success := counts[op] - errs[op]
		if success < 0 {
			success = 0
		}
		om := OperationMetrics{
			Operation:    op,
			TotalCount:   counts[op],
			SuccessCount: success,
			ErrorCount:   errs[op],
			SlowCount:    slowCounts[op],
		}
		totalSlow += slowCounts[op]
		if samples := lat[op]; len(samples) > 0 {
			om.Latency = latencyStats(samples)
		}
		operations = append(operations, om)
	}
	sort.Slice(operations, func(i, j int) bool {
		return operations[i].TotalCount > operations[j].TotalCount
	})

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Snapshot{
		Timestamp:       time.Now(),
		UptimeSeconds:   uptime,
		Operations:      operations,
		QueryTimeouts:   m.queryTimeouts.Load(),
		NoWorkers:       m.noWorkers.Load(),
		LateResults:     m.lateResults.Load(),
		SaveRetries:     m.saveRetries.Load(),
		CounterFailures: m.counterFailures.Load(),
		MemoryAllocMB:   mem.Alloc / 1024 / 1024,
		GoroutineCount:  runtime.NumGoroutine(),
		SlowThresholdMS: float64(threshold) / float64(time.Millisecond),
		TotalSlow:       totalSlow,
		RecentSlow:      recent,
	}
}

// TopSlow returns the n slowest retained requests, slowest first.
func (m *Metrics) TopSlow(n int) []SlowRequestRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.recentSlow) == 0 {
		return nil
	}
	out := make([]SlowRequestRecord, len(m.recentSlow))
	copy(out, m.recentSlow)
	sort.Slice(out, func(i, j int) bool { return out[i].LatencyMS > out[j].LatencyMS })
	if n > 0 && n < len(out) {
		return out[:n]
	}
	return out
}

// Summary produces the one-line periodic stats log.
func (m *Metrics) Summary() string {
	snap := m.Snapshot()

	var total int64
	var latSum float64
	var withLat int
	for _, op := range snap.Operations {
		total += op.TotalCount
		if op.Latency.AvgMS > 0 {
			latSum += op.Latency.AvgMS
			withLat++
		}
	}
	avg := float64(0)
	if withLat > 0 {
		avg = latSum / float64(withLat)
	}
	rate := float64(total) / snap.UptimeSeconds

	return fmt.Sprintf("STATS: requests=%d rate=%.2f/s avg_latency=%.2fms timeouts=%d no_workers=%d late_dropped=%d slow=%d mem=%dMB",
		total, rate, avg,
		snap.QueryTimeouts, snap.NoWorkers, snap.LateResults,
		snap.TotalSlow, snap.MemoryAllocMB)
}

func latencyStats(samples []time.Duration) LatencyStats {
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	idx := func(p int) int {
		i := n * p / 100
		if i > n-1 {
			i = n - 1
		}
		return i
	}
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	toMS := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

	return LatencyStats{
		MinMS: toMS(sorted[0]),
		P50MS: toMS(sorted[idx(50)]),
		P95MS: toMS(sorted[idx(95)]),
		P99MS: toMS(sorted[idx(99)]),
		MaxMS: toMS(sorted[n-1]),
		AvgMS: toMS(sum / time.Duration(n)),
	}
}
