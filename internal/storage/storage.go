// Package storage defines the persistence interface shared by all
// database backends.
//
// A Store owns a database/sql pool. Ingestion writes go through
// SaveFact and SaveIndexEntries; counter scans run on dedicated
// connections handed out by Conn so a slow scan never starves the
// ingest path. Backends report how condition fragments translate to
// their SQL through Dialect.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tallylabs/tally/internal/condition"
	"github.com/tallylabs/tally/internal/types"
)

// SaveFactResult reports what SaveFact did with the incoming fact.
type SaveFactResult string

const (
	// SaveInserted means the fact id was new and a row was created.
	SaveInserted SaveFactResult = "inserted"
	// SaveUpdated means the id existed with a different payload and d
	// was overwritten.
	SaveUpdated SaveFactResult = "updated"
	// SaveIgnored means the id existed with an identical payload and
	// nothing was written.
	SaveIgnored SaveFactResult = "ignored"
)

// IndexSaveResult summarizes an unordered bulk index write.
type IndexSaveResult struct {
	Saved   int
	Ignored int
	Failed  int
	// Errors holds per-row failures, capped by the backend.
	Errors []error
}

// LookupOptions bound a RelevantFacts query.
type LookupOptions struct {
	// DepthLimit caps rows per index type, newest first. Nil means no
	// cap; an explicit zero returns no rows.
	DepthLimit *int64
	// DepthFromMs, when positive, restricts entries to
	// dt >= now-DepthFromMs.
	DepthFromMs int64
	// Now anchors DepthFromMs. Zero means time.Now at call time.
	Now time.Time
}

// CandidateQuery describes one grouped counter scan against the fact
// index. The backend narrows rows by index type, hash set, window and
// row cap, applies the optional Where pre-filter, and returns the
// survivors for in-process evaluation.
type CandidateQuery struct {
	IndexType int
	Hashes    []string
	// ExcludeID removes the triggering fact's own entries from the scan.
	ExcludeID string

	// Window bounds on the entry's domain date dt: FromDT inclusive,
	// ToDT exclusive. Nil leaves the side open.
	FromDT *int64
	ToDT   *int64

	// MaxEvaluated caps rows entering the filter, newest first. Nil
	// means no cap; an explicit zero evaluates nothing.
	MaxEvaluated *int64

	// Where is an optional pre-filter fragment rendered against this
	// store's Dialect. It only reduces rows; callers re-apply the full
	// conditions in process.
	Where string
	Args  []any
}

// Candidate is one index row returned by CounterCandidates. Doc is
// fact-shaped ({_id, t, c, d}) so counter conditions evaluate against
// it directly.
type Candidate struct {
	FactID string
	DT     int64
	Doc    map[string]any
}

// LogRecord is one retained ingestion report, already rendered to JSON
// by the sampler.
type LogRecord struct {
	ID        string
	ProcessID string
	CreatedAt int64
	Message   json.RawMessage
	Fact      json.RawMessage
	Timings   json.RawMessage
	Metrics   json.RawMessage
	Debug     json.RawMessage
}

// Store is the interface implemented by all storage backends.
type Store interface {
	// SaveFact persists the fact idempotently: a new id inserts,
	// an identical resubmission is a no-op, a changed payload
	// overwrites d only and leaves c untouched.
	SaveFact(ctx context.Context, fact *types.Fact) (SaveFactResult, error)

	// SaveIndexEntries writes entries keyed by (h, f) as an unordered
	// bulk. Duplicate keys are ignored, per-row failures are collected,
	// and the summary is returned even when rows fail.
	SaveIndexEntries(ctx context.Context, entries []types.IndexEntry) (*IndexSaveResult, error)

	// RelevantFacts returns the distinct facts whose index entries match
	// any of the per-type hash values, excluding excludeID, bounded per
	// index type by opts.
	RelevantFacts(ctx context.Context, hashes map[int][]string, excludeID string, opts LookupOptions) ([]*types.Fact, error)

	// CounterCandidates runs one grouped counter scan on the supplied
	// connection.
	CounterCandidates(ctx context.Context, conn *sql.Conn, q *CandidateQuery) ([]Candidate, error)

	// SaveLog persists one sampled ingestion record.
	SaveLog(ctx context.Context, rec *LogRecord) error

	// Conn hands out a dedicated connection from the pool. The caller
	// owns it and must Close it.
	Conn(ctx context.Context) (*sql.Conn, error)

	// Dialect renders condition paths for CandidateQuery.Where against
	// this backend's scan shape.
	Dialect() condition.SQLDialect

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Close releases the pool and any backend resources.
	Close() error
}
