package telemetry

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tallylabs/tally/internal/condition"
	"github.com/tallylabs/tally/internal/storage"
	"github.com/tallylabs/tally/internal/types"
)

const storageScopeName = "github.com/tallylabs/tally/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every database operation gets a span and is counted in the
// tally.storage.* metrics. Use WrapStore to create one; it returns the
// original store unchanged when telemetry is disabled.
type InstrumentedStore struct {
	inner  storage.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("tally.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("tally.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("tally.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedStore{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedStore) SaveFact(ctx context.Context, fact *types.Fact) (storage.SaveFactResult, error) {
	attrs := []attribute.KeyValue{
		attribute.String("tally.fact.id", fact.ID),
		attribute.Int("tally.message.type", fact.T),
	}
	ctx, span, t := s.op(ctx, "SaveFact", attrs...)
	res, err := s.inner.SaveFact(ctx, fact)
	if err == nil {
		span.SetAttributes(attribute.String("tally.save.result", string(res)))
	}
	s.done(ctx, span, t, err, attrs...)
	return res, err
}

func (s *InstrumentedStore) SaveIndexEntries(ctx context.Context, entries []types.IndexEntry) (*storage.IndexSaveResult, error) {
	attrs := []attribute.KeyValue{attribute.Int("tally.entry.count", len(entries))}
	ctx, span, t := s.op(ctx, "SaveIndexEntries", attrs...)
	res, err := s.inner.SaveIndexEntries(ctx, entries)
	if err == nil && res != nil {
		span.SetAttributes(
			attribute.Int("tally.entry.saved", res.Saved),
			attribute.Int("tally.entry.failed", res.Failed),
		)
	}
	s.done(ctx, span, t, err, attrs...)
	return res, err
}

func (s *InstrumentedStore) RelevantFacts(ctx context.Context, hashes map[int][]string, excludeID string, opts storage.LookupOptions) ([]*types.Fact, error) {
	attrs := []attribute.KeyValue{attribute.Int("tally.index.types", len(hashes))}
	ctx, span, t := s.op(ctx, "RelevantFacts", attrs...)
	facts, err := s.inner.RelevantFacts(ctx, hashes, excludeID, opts)
	if err == nil {
		span.SetAttributes(attribute.Int("tally.fact.count", len(facts)))
	}
	s.done(ctx, span, t, err, attrs...)
	return facts, err
}

func (s *InstrumentedStore) CounterCandidates(ctx context.Context, conn *sql.Conn, q *storage.CandidateQuery) ([]storage.Candidate, error) {
	attrs := []attribute.KeyValue{
		attribute.Int("tally.index.type", q.IndexType),
		attribute.Int("tally.hash.count", len(q.Hashes)),
	}
	ctx, span, t := s.op(ctx, "CounterCandidates", attrs...)
	cands, err := s.inner.CounterCandidates(ctx, conn, q)
	if err == nil {
		span.SetAttributes(attribute.Int("tally.candidate.count", len(cands)))
	}
	s.done(ctx, span, t, err, attrs...)
	return cands, err
}

func (s *InstrumentedStore) SaveLog(ctx context.Context, rec *storage.LogRecord) error {
	ctx, span, t := s.op(ctx, "SaveLog")
	err := s.inner.SaveLog(ctx, rec)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) Conn(ctx context.Context) (*sql.Conn, error) {
	ctx, span, t := s.op(ctx, "Conn")
	conn, err := s.inner.Conn(ctx)
	s.done(ctx, span, t, err)
	return conn, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) Dialect() condition.SQLDialect { return s.inner.Dialect() }

func (s *InstrumentedStore) Close() error { return s.inner.Close() }
