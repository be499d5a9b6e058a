// Package sqlite implements storage.Store on SQLite via the ncruces
// WASM driver. It is the default backend: a single file, no server, no
// CGO.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/tallylabs/tally/internal/condition"
	"github.com/tallylabs/tally/internal/storage"
	"github.com/tallylabs/tally/internal/types"
)

func init() {
	setupWASMCache()
}

// setupWASMCache configures wazero to cache compiled SQLite WASM to
// disk, cutting startup from ~200ms to ~10ms. Any failure falls back
// to in-memory compilation.
func setupWASMCache() {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return
	}
	wazeroCache := filepath.Join(cacheDir, "tally", "wazero")
	if err := os.MkdirAll(wazeroCache, 0o755); err != nil {
		return
	}
	cache, err := wazero.NewCompilationCacheWithDir(wazeroCache)
	if err != nil {
		return
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

// DefaultPoolSize is the connection cap for file databases when the
// caller does not set one. Sized for the query worker pool plus the
// ingest writers.
const DefaultPoolSize = 16

// maxCollectedErrors caps per-row errors kept in an IndexSaveResult.
const maxCollectedErrors = 10

// Options configures a sqlite Store.
type Options struct {
	// EmbedFactData matches the indexer's embed flag: candidate scans
	// read payloads from the index when set, and join back to facts
	// when not.
	EmbedFactData bool

	// PoolSize caps open connections for file databases. Zero uses
	// DefaultPoolSize. Memory databases always use one connection.
	PoolSize int
}

// Store is the SQLite-backed storage.Store.
type Store struct {
	db    *sql.DB
	path  string
	embed bool
}

var _ storage.Store = (*Store)(nil)

// memSeq keeps concurrent :memory: opens in one process isolated from
// each other.
var memSeq atomic.Int64

// New opens (creating if necessary) the database at dbPath and applies
// the schema. ":memory:" opens a process-private in-memory database.
func New(ctx context.Context, dbPath string, opts Options) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite: empty database path")
	}

	memory := dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:")
	var connStr string
	if memory {
		// Shared cache so every pool connection sees the same data; a
		// unique name per open so two stores never collide.
		name := fmt.Sprintf("tallymem%d", memSeq.Add(1))
		connStr = "file:" + name + "?mode=memory&cache=shared" + connParams
	} else {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: creating %s: %w", dir, err)
			}
		}
		connStr = "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" + connParams
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", dbPath, err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	} else {
		size := opts.PoolSize
		if size <= 0 {
			size = DefaultPoolSize
		}
		db.SetMaxOpenConns(size)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: connecting to %s: %w", dbPath, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: initializing schema: %w", err)
	}

	return &Store{db: db, path: dbPath, embed: opts.EmbedFactData}, nil
}

// connParams are shared by every open. _txlock=immediate takes the
// write lock at BEGIN so read-modify-write transactions never hit the
// busy-on-upgrade case that busy_timeout cannot wait out.
const connParams = "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_txlock=immediate"

// Path returns the database location this store was opened with.
func (s *Store) Path() string { return s.path }

// Dialect reports the scan-shape column mapping for push-down
// fragments: index rows aliased s, joined facts aliased fct.
func (s *Store) Dialect() condition.SQLDialect {
	if s.embed {
		return Dialect{Payload: "s.d"}
	}
	return Dialect{Payload: "fct.d"}
}

// Conn hands out a dedicated pool connection.
func (s *Store) Conn(ctx context.Context) (*sql.Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, wrapErr("acquire connection", err)
	}
	return conn, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveFact inserts the fact, or on an existing id overwrites d when the
// payload changed and does nothing when it is identical. t and c are
// never mutated after insert.
func (s *Store) SaveFact(ctx context.Context, fact *types.Fact) (storage.SaveFactResult, error) {
	payload, err := json.Marshal(fact.D)
	if err != nil {
		return "", types.NewValidationError("fact %s: encoding payload: %v", fact.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", wrapErr("save fact", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT d FROM facts WHERE id = ?`, fact.ID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO facts (id, t, c, d) VALUES (?, ?, ?, ?)`,
			fact.ID, fact.T, fact.C, string(payload)); err != nil {
			return "", wrapErr("save fact", err)
		}
		if err := tx.Commit(); err != nil {
			return "", wrapErr("save fact", err)
		}
		return storage.SaveInserted, nil
	case err != nil:
		return "", wrapErr("save fact", err)
	}

	if jsonEqual(existing, payload) {
		if err := tx.Commit(); err != nil {
			return "", wrapErr("save fact", err)
		}
		return storage.SaveIgnored, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE facts SET d = ? WHERE id = ?`, string(payload), fact.ID); err != nil {
		return "", wrapErr("save fact", err)
	}
	if err := tx.Commit(); err != nil {
		return "", wrapErr("save fact", err)
	}
	return storage.SaveUpdated, nil
}

// jsonEqual compares a stored payload against a freshly marshaled one
// through a canonical re-marshal, so key order never causes a spurious
// update.
func jsonEqual(stored string, fresh []byte) bool {
	if stored == string(fresh) {
		return true
	}
	var v any
	if err := json.Unmarshal([]byte(stored), &v); err != nil {
		return false
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return string(canon) == string(fresh)
}

// SaveIndexEntries writes the entries in one transaction as an
// unordered bulk: duplicate (h, f) keys are ignored, a failing row is
// recorded and the rest proceed.
func (s *Store) SaveIndexEntries(ctx context.Context, entries []types.IndexEntry) (*storage.IndexSaveResult, error) {
	res := &storage.IndexSaveResult{}
	if len(entries) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("save index", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO fact_index (h, f, it, v, t, dt, c, d)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, wrapErr("save index", err)
	}
	defer stmt.Close()

	for i := range entries {
		e := &entries[i]
		var payload any
		if e.D != nil {
			b, err := json.Marshal(e.D)
			if err != nil {
				res.Failed++
				if len(res.Errors) < maxCollectedErrors {
					res.Errors = append(res.Errors, fmt.Errorf("entry %s: %w", e.ID, err))
				}
				continue
			}
			payload = string(b)
		}
		r, err := stmt.ExecContext(ctx, e.ID.H, e.ID.F, e.IT, e.V, e.T, e.DT, e.C, payload)
		if err != nil {
			res.Failed++
			if len(res.Errors) < maxCollectedErrors {
				res.Errors = append(res.Errors, fmt.Errorf("entry %s: %w", e.ID, err))
			}
			continue
		}
		if n, _ := r.RowsAffected(); n == 0 {
			res.Ignored++
		} else {
			res.Saved++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("save index", err)
	}
	return res, nil
}

// RelevantFacts unions the per-index-type lookups, newest first within
// each type, deduplicated by fact id across types.
func (s *Store) RelevantFacts(ctx context.Context, hashes map[int][]string, excludeID string, opts storage.LookupOptions) ([]*types.Fact, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	if opts.DepthLimit != nil && *opts.DepthLimit <= 0 {
		return nil, nil
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	its := make([]int, 0, len(hashes))
	for it := range hashes {
		its = append(its, it)
	}
	sort.Ints(its)

	var out []*types.Fact
	seen := make(map[string]bool)
	for _, it := range its {
		vals := hashes[it]
		if len(vals) == 0 {
			continue
		}
		facts, err := s.relevantByType(ctx, it, vals, excludeID, now, opts)
		if err != nil {
			return nil, err
		}
		for _, f := range facts {
			if seen[f.ID] {
				continue
			}
			seen[f.ID] = true
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Store) relevantByType(ctx context.Context, it int, vals []string, excludeID string, now time.Time, opts storage.LookupOptions) ([]*types.Fact, error) {
	var b strings.Builder
	args := make([]any, 0, len(vals)+4)

	if s.embed {
		b.WriteString("SELECT f, t, c, d FROM fact_index WHERE it = ? AND h IN (")
	} else {
		b.WriteString("SELECT fct.id, fct.t, fct.c, fct.d FROM fact_index fi JOIN facts fct ON fct.id = fi.f WHERE fi.it = ? AND fi.h IN (")
	}
	args = append(args, it)
	b.WriteString(placeholders(len(vals)))
	for _, v := range vals {
		args = append(args, v)
	}
	if s.embed {
		b.WriteString(") AND f <> ?")
	} else {
		b.WriteString(") AND fi.f <> ?")
	}
	args = append(args, excludeID)
	if opts.DepthFromMs > 0 {
		if s.embed {
			b.WriteString(" AND dt >= ?")
		} else {
			b.WriteString(" AND fi.dt >= ?")
		}
		args = append(args, now.UnixMilli()-opts.DepthFromMs)
	}
	if s.embed {
		b.WriteString(" ORDER BY c DESC")
	} else {
		b.WriteString(" ORDER BY fi.c DESC")
	}
	if opts.DepthLimit != nil {
		b.WriteString(" LIMIT ?")
		args = append(args, *opts.DepthLimit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, wrapErr("relevant facts", err)
	}
	defer rows.Close()

	var out []*types.Fact
	for rows.Next() {
		var (
			id      string
			t       int
			c       int64
			payload sql.NullString
		)
		if err := rows.Scan(&id, &t, &c, &payload); err != nil {
			return nil, wrapErr("relevant facts", err)
		}
		f := &types.Fact{ID: id, T: t, C: c, D: map[string]any{}}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &f.D); err != nil {
				return nil, wrapErr("relevant facts", fmt.Errorf("fact %s: decoding payload: %w", id, err))
			}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("relevant facts", err)
	}
	return out, nil
}

// CounterCandidates runs one grouped scan: narrow by index type, hash
// set, window and row cap inside a derived table ordered newest first,
// then apply the optional push-down fragment outside it.
func (s *Store) CounterCandidates(ctx context.Context, conn *sql.Conn, q *storage.CandidateQuery) ([]storage.Candidate, error) {
	if len(q.Hashes) == 0 {
		return nil, nil
	}
	if q.MaxEvaluated != nil && *q.MaxEvaluated <= 0 {
		return nil, nil
	}

	query, args := s.candidateSQL(q)
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("counter scan", err)
	}
	defer rows.Close()

	var out []storage.Candidate
	for rows.Next() {
		var (
			fid     string
			t       int
			c       int64
			dt      int64
			payload sql.NullString
		)
		if err := rows.Scan(&fid, &t, &c, &dt, &payload); err != nil {
			return nil, wrapErr("counter scan", err)
		}
		doc := map[string]any{"_id": fid, "t": t, "c": c}
		d := map[string]any{}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &d); err != nil {
				return nil, wrapErr("counter scan", fmt.Errorf("fact %s: decoding payload: %w", fid, err))
			}
		}
		doc["d"] = d
		out = append(out, storage.Candidate{FactID: fid, DT: dt, Doc: doc})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("counter scan", err)
	}
	return out, nil
}

func (s *Store) candidateSQL(q *storage.CandidateQuery) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(q.Hashes)+8+len(q.Args))

	b.WriteString("SELECT s.f, s.t, s.c, s.dt, ")
	if s.embed {
		b.WriteString("s.d")
	} else {
		b.WriteString("fct.d")
	}
	b.WriteString(" FROM (SELECT f, t, c, dt")
	if s.embed {
		b.WriteString(", d")
	}
	b.WriteString(" FROM fact_index WHERE it = ? AND h IN (")
	args = append(args, q.IndexType)
	b.WriteString(placeholders(len(q.Hashes)))
	for _, h := range q.Hashes {
		args = append(args, h)
	}
	b.WriteString(") AND f <> ?")
	args = append(args, q.ExcludeID)
	if q.FromDT != nil {
		b.WriteString(" AND dt >= ?")
		args = append(args, *q.FromDT)
	}
	if q.ToDT != nil {
		b.WriteString(" AND dt < ?")
		args = append(args, *q.ToDT)
	}
	b.WriteString(" ORDER BY c DESC")
	if q.MaxEvaluated != nil {
		b.WriteString(" LIMIT ?")
		args = append(args, *q.MaxEvaluated)
	}
	b.WriteString(") s")
	if !s.embed {
		b.WriteString(" JOIN facts fct ON fct.id = s.f")
	}
	if q.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(q.Where)
		args = append(args, q.Args...)
	}
	return b.String(), args
}

// SaveLog inserts one sampled ingestion record.
func (s *Store) SaveLog(ctx context.Context, rec *storage.LogRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_log (id, process_id, created_at, message, fact, timings, metrics, debug)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProcessID, rec.CreatedAt,
		rawOrNil(rec.Message), rawOrNil(rec.Fact), rawOrNil(rec.Timings),
		rawOrNil(rec.Metrics), rawOrNil(rec.Debug))
	if err != nil {
		return wrapErr("save log", err)
	}
	return nil
}

func rawOrNil(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func wrapErr(op string, err error) error {
	return types.NewPersistenceError(transientErr(err), op, err)
}

// transientErr reports whether the failure is worth one retry: lock
// contention and interrupted statements clear on their own, schema and
// constraint errors do not.
func transientErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"database is locked", "busy", "interrupted"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
