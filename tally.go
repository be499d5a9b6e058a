// Package tally provides a minimal public API for embedding the engine.
//
// Most deployments run the tally binary and speak HTTP to it. This
// package exports just enough to drive the ingestion pipeline from Go:
// open an engine against the standard configuration files, feed it
// messages, read the counter results.
package tally

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tallylabs/tally/internal/config"
	"github.com/tallylabs/tally/internal/counters"
	"github.com/tallylabs/tally/internal/dispatch"
	"github.com/tallylabs/tally/internal/indexer"
	"github.com/tallylabs/tally/internal/logsample"
	"github.com/tallylabs/tally/internal/mapper"
	"github.com/tallylabs/tally/internal/metrics"
	"github.com/tallylabs/tally/internal/pipeline"
	"github.com/tallylabs/tally/internal/storage"
	"github.com/tallylabs/tally/internal/storage/factory"
	"github.com/tallylabs/tally/internal/types"
)

// Core engine types re-exported for embedders.
type (
	Message         = types.Message
	Fact            = types.Fact
	IngestionResult = types.IngestionResult
	CounterValues   = types.CounterValues
	MetricsSnapshot = metrics.Snapshot
)

// Options configures an embedded engine. Zero values take the same
// defaults the server uses.
type Options struct {
	// Backend selects the storage backend: "sqlite" (default) or "dolt".
	Backend string
	// Location is the database path (sqlite, embedded dolt) or DSN
	// (dolt server mode). Required.
	Location string
	// Database names the logical database for server-mode backends.
	Database string

	// MessageConfig, IndexConfig, and CounterConfig are the engine
	// configuration file paths.
	MessageConfig string
	IndexConfig   string
	CounterConfig string

	// EmbedFactData copies fact payloads into index entries so counter
	// scans skip the join back to the facts table.
	EmbedFactData bool

	// Workers sizes the counter query pool; QueryTimeout bounds each
	// counter query.
	Workers      int
	QueryTimeout time.Duration

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Engine owns an assembled ingestion pipeline and its storage.
type Engine struct {
	pipe    *pipeline.Pipeline
	store   storage.Store
	pool    *dispatch.Pool
	sampler *logsample.Sampler
	m       *metrics.Metrics
}

// Open assembles an engine from configuration files. The caller owns
// the engine and must Close it.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	queryTimeout := opts.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}

	msgCfg, err := config.LoadMessageConfig(opts.MessageConfig)
	if err != nil {
		return nil, err
	}
	idxCfg, err := config.LoadIndexConfig(opts.IndexConfig)
	if err != nil {
		return nil, err
	}
	ctrCfg, err := config.LoadCounterConfig(opts.CounterConfig)
	if err != nil {
		return nil, err
	}

	store, err := factory.New(ctx, opts.Backend, opts.Location, factory.Options{
		Database:      opts.Database,
		EmbedFactData: opts.EmbedFactData,
		PoolSize:      workers + 2,
	})
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	pool := dispatch.New(dispatch.Options{
		Workers:      workers,
		QueryTimeout: queryTimeout,
	}, m, log)
	if err := pool.Start(ctx, store); err != nil {
		_ = store.Close()
		return nil, err
	}

	producer, err := counters.NewProducer(ctrCfg.Counters, idxCfg, nil, log)
	if err != nil {
		pool.Close()
		_ = store.Close()
		return nil, err
	}
	ix, err := indexer.New(idxCfg, opts.EmbedFactData)
	if err != nil {
		pool.Close()
		_ = store.Close()
		return nil, err
	}

	sampler := logsample.New(store, 0, log)
	pipe := pipeline.New(
		mapper.New(msgCfg, nil),
		ix,
		store,
		counters.NewService(producer, store, pool, workers, m, log),
		sampler,
		m,
		log,
	)

	return &Engine{pipe: pipe, store: store, pool: pool, sampler: sampler, m: m}, nil
}

// Ingest runs one message through the pipeline and returns the
// counter results computed against the accumulated stream.
func (e *Engine) Ingest(ctx context.Context, messageType int, fields map[string]any) (*IngestionResult, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	msg := &types.Message{T: messageType, Fields: fields}
	return e.pipe.Ingest(ctx, msg, raw, false)
}

// Metrics returns a snapshot of the engine's counters and latencies.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.m.Snapshot()
}

// Close releases the query pool and the underlying storage.
func (e *Engine) Close() error {
	e.sampler.Flush()
	e.pool.Close()
	return e.store.Close()
}
