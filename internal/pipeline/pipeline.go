// Package pipeline runs one ingested message end to end: map to a
// fact, project index entries, persist both in parallel, evaluate the
// applicable counters and assemble the response.
//
// Failure policy: mapping and validation errors reject the message
// with nothing persisted. A transient persistence failure is retried
// once and only then fails the request. Counter failures never fail
// the request; the affected names are reported in the result metrics.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tallylabs/tally/internal/counters"
	"github.com/tallylabs/tally/internal/indexer"
	"github.com/tallylabs/tally/internal/logsample"
	"github.com/tallylabs/tally/internal/mapper"
	"github.com/tallylabs/tally/internal/metrics"
	"github.com/tallylabs/tally/internal/storage"
	"github.com/tallylabs/tally/internal/types"
)

// Pipeline owns the per-message flow. All dependencies are read-only
// after construction, so one Pipeline serves every request.
type Pipeline struct {
	mapper   *mapper.Mapper
	indexer  *indexer.Indexer
	store    storage.Store
	counters *counters.Service
	sampler  *logsample.Sampler
	m        *metrics.Metrics
	log      *zap.Logger
}

func New(mp *mapper.Mapper, ix *indexer.Indexer, store storage.Store, svc *counters.Service, sampler *logsample.Sampler, m *metrics.Metrics, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		mapper:   mp,
		indexer:  ix,
		store:    store,
		counters: svc,
		sampler:  sampler,
		m:        m,
		log:      log,
	}
}

// Ingest processes one message. raw is the boundary payload as
// received, retained only for log sampling; debug attaches diagnostic
// detail to the result.
func (p *Pipeline) Ingest(ctx context.Context, msg *types.Message, raw json.RawMessage, debug bool) (*types.IngestionResult, error) {
	t0 := time.Now()

	fact, err := p.mapper.Map(msg)
	if err != nil {
		p.m.RecordError(metrics.OpIngest)
		return nil, err
	}
	entries := p.indexer.Index(fact)

	var (
		factRes  storage.SaveFactResult
		indexRes *storage.IndexSaveResult
		factMs   int64
		indexMs  int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		res, err := p.saveFact(gctx, fact)
		factMs = time.Since(start).Milliseconds()
		factRes = res
		return err
	})
	g.Go(func() error {
		start := time.Now()
		res, err := p.saveIndex(gctx, entries)
		indexMs = time.Since(start).Milliseconds()
		indexRes = res
		return err
	})
	if err := g.Wait(); err != nil {
		p.m.RecordError(metrics.OpIngest)
		return nil, err
	}

	hashValues := indexer.HashValuesForSearch(entries)

	countersStart := time.Now()
	outcome := p.counters.RelevantFactCounters(ctx, fact, hashValues)
	countersMs := time.Since(countersStart).Milliseconds()

	result := &types.IngestionResult{
		MessageType: msg.T,
		FactID:      fact.ID,
		Fact:        fact,
		Counters:    outcome.Counters,
		SaveFact:    string(factRes),
		SaveIndex: &types.IndexSaveSummary{
			Saved:   indexRes.Saved,
			Ignored: indexRes.Ignored,
			Failed:  indexRes.Failed,
		},
		Metrics: types.ResultMetrics{
			Info:           outcome.Info,
			FailedCounters: outcome.Failed,
		},
		ProcessingTime: types.ProcessingTime{
			Total:      time.Since(t0).Milliseconds(),
			Counters:   countersMs,
			SaveFact:   factMs,
			SaveIndex:  indexMs,
			WorkerWait: outcome.WorkerWait.Milliseconds(),
			QueryTime:  outcome.QueryTime.Milliseconds(),
		},
	}
	if indexRes.Failed > 0 {
		result.Metrics.Info = append(result.Metrics.Info,
			fmt.Sprintf("index save: %d of %d entries failed", indexRes.Failed, len(entries)))
	}
	if debug {
		result.Debug = &types.DebugInfo{
			HashValues:   hashValues,
			IndexEntries: len(entries),
			QueryCount:   outcome.Queries,
		}
	}

	p.sampler.Observe(&logsample.Sample{
		Message: raw,
		Fact:    fact,
		Timings: result.ProcessingTime,
		Metrics: result.Metrics,
		Debug:   result.Debug,
	})
	p.m.Record(metrics.OpIngest, time.Since(t0))
	return result, nil
}

// saveFact persists the fact, retrying once on a transient failure.
func (p *Pipeline) saveFact(ctx context.Context, fact *types.Fact) (storage.SaveFactResult, error) {
	start := time.Now()
	res, err := p.store.SaveFact(ctx, fact)
	if err != nil && types.IsTransient(err) && ctx.Err() == nil {
		p.m.RecordSaveRetry()
		p.log.Warn("retrying fact save", zap.String("factId", fact.ID), zap.Error(err))
		res, err = p.store.SaveFact(ctx, fact)
	}
	p.m.Record(metrics.OpSaveFact, time.Since(start))
	if err != nil {
		p.m.RecordError(metrics.OpSaveFact)
		return "", err
	}
	return res, nil
}

// saveIndex persists the entries, retrying once on a transient
// failure. The bulk write is idempotent, so the retry re-submits the
// whole batch. Per-row failures inside a committed batch are reported,
// logged and tolerated.
func (p *Pipeline) saveIndex(ctx context.Context, entries []types.IndexEntry) (*storage.IndexSaveResult, error) {
	start := time.Now()
	res, err := p.store.SaveIndexEntries(ctx, entries)
	if err != nil && types.IsTransient(err) && ctx.Err() == nil {
		p.m.RecordSaveRetry()
		p.log.Warn("retrying index save", zap.Int("entries", len(entries)), zap.Error(err))
		res, err = p.store.SaveIndexEntries(ctx, entries)
	}
	p.m.Record(metrics.OpSaveIndex, time.Since(start))
	if err != nil {
		p.m.RecordError(metrics.OpSaveIndex)
		return nil, err
	}
	if res.Failed > 0 {
		p.log.Warn("index entries failed within batch",
			zap.Int("failed", res.Failed),
			zap.Int("saved", res.Saved),
			zap.Errors("errors", res.Errors))
	}
	return res, nil
}
