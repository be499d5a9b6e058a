// Package dolt implements storage.Store on Dolt, a MySQL-compatible
// versioned database.
//
// Connection modes:
//   - Embedded: opens the database directory in-process via the
//     dolthub driver (requires CGO).
//   - Server: connects to a running dolt sql-server over the MySQL
//     protocol; works without CGO and supports multiple writers.
//
// Server-mode operations retry transient connection failures with
// exponential backoff so a server restart does not cascade into
// request failures.
package dolt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"

	"github.com/tallylabs/tally/internal/condition"
	"github.com/tallylabs/tally/internal/storage"
	"github.com/tallylabs/tally/internal/types"
)

// maxCollectedErrors caps per-row errors kept in an IndexSaveResult.
const maxCollectedErrors = 10

// Store is the Dolt-backed storage.Store.
type Store struct {
	db         *sql.DB
	cfg        *Config
	serverMode bool

	// closeConnector releases the embedded engine's filesystem locks;
	// nil in server mode.
	closeConnector func() error
}

var _ storage.Store = (*Store)(nil)

// New opens the store in the mode selected by cfg and applies the
// schema.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.CommitterName == "" {
		cfg.CommitterName = defaultCommitter
	}
	if cfg.CommitterEmail == "" {
		cfg.CommitterEmail = defaultEmail
	}
	if err := validIdent(cfg.Database); err != nil {
		return nil, err
	}

	var (
		s   *Store
		err error
	)
	if cfg.Server != nil {
		s, err = openServer(ctx, cfg)
	} else {
		s, err = openEmbedded(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}

	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("dolt: initializing schema: %w", err)
	}
	return s, nil
}

// openServer connects to a dolt sql-server. A short TCP probe fails
// fast with a clear message instead of the driver's slow handshake
// timeout.
func openServer(ctx context.Context, cfg *Config) (*Store, error) {
	srv := cfg.Server
	addr := net.JoinHostPort(srv.Host, fmt.Sprintf("%d", srv.Port))
	probe, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("dolt: server unreachable at %s: %w", addr, err)
	}
	_ = probe.Close()

	// Ensure the database exists before selecting it.
	initDB, err := sql.Open("mysql", serverDSN(srv, ""))
	if err != nil {
		return nil, fmt.Errorf("dolt: opening init connection: %w", err)
	}
	_, err = initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database))
	_ = initDB.Close()
	if err != nil {
		return nil, fmt.Errorf("dolt: creating database %s: %w", cfg.Database, err)
	}

	db, err := sql.Open("mysql", serverDSN(srv, cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("dolt: opening server connection: %w", err)
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dolt: connecting to %s: %w", addr, err)
	}
	return &Store{db: db, cfg: cfg, serverMode: true}, nil
}

// serverDSN builds a MySQL DSN. An empty database connects without
// selecting one, for CREATE DATABASE.
func serverDSN(srv *ServerConfig, database string) string {
	userPart := srv.User
	if srv.Password != "" {
		userPart = srv.User + ":" + srv.Password
	}
	params := "parseTime=true"
	if srv.TLS {
		params += "&tls=true"
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?%s", userPart, srv.Host, srv.Port, database, params)
}

func validIdent(name string) error {
	if name == "" {
		return fmt.Errorf("dolt: empty database name")
	}
	for _, r := range name {
		ok := r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !ok {
			return fmt.Errorf("dolt: invalid database name %q", name)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.execContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// serverRetryMaxElapsed bounds server-mode retries; long enough to
// ride out a server restart.
const serverRetryMaxElapsed = 30 * time.Second

func newServerRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = serverRetryMaxElapsed
	return bo
}

// isRetryableError reports transient connection-level failures worth
// retrying in server mode.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"database is read only",
		"too many connections",
		"deadlock",
		"lock wait timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// withRetry retries op with backoff in server mode. Embedded mode runs
// op once: there is no server to come back.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	if !s.serverMode {
		return op()
	}
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(newServerRetryBackoff(), ctx))
}

func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

func (s *Store) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var qErr error
		rows, qErr = s.db.QueryContext(ctx, query, args...)
		return qErr
	})
	return rows, err
}

// Dialect reports the scan-shape column mapping for push-down
// fragments: index rows aliased s, joined facts aliased fct.
func (s *Store) Dialect() condition.SQLDialect {
	if s.cfg.EmbedFactData {
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
	err := s.db.Close()
	if s.closeConnector != nil {
		if cerr := s.closeConnector(); err == nil {
			err = cerr
		}
	}
	return err
}

// SaveFact inserts the fact, or on an existing id overwrites d when
// the payload changed and does nothing when it is identical. t and c
// are never mutated after insert.
func (s *Store) SaveFact(ctx context.Context, fact *types.Fact) (storage.SaveFactResult, error) {
	payload, err := json.Marshal(fact.D)
	if err != nil {
		return "", types.NewValidationError("fact %s: encoding payload: %v", fact.ID, err)
	}

	var result storage.SaveFactResult
	err = s.withRetry(ctx, func() error {
		r, saveErr := s.saveFactOnce(ctx, fact, payload)
		if saveErr != nil {
			return saveErr
		}
		result = r
		return nil
	})
	if err != nil {
		return "", wrapErr("save fact", err)
	}
	return result, nil
}

func (s *Store) saveFactOnce(ctx context.Context, fact *types.Fact, payload []byte) (storage.SaveFactResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT d FROM facts WHERE id = ? FOR UPDATE`, fact.ID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO facts (id, t, c, d) VALUES (?, ?, ?, ?)`,
			fact.ID, fact.T, fact.C, string(payload)); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return storage.SaveInserted, nil
	case err != nil:
		return "", err
	}

	if jsonEqual(existing, payload) {
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return storage.SaveIgnored, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE facts SET d = ? WHERE id = ?`, string(payload), fact.ID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return storage.SaveUpdated, nil
}

// jsonEqual compares through a canonical re-marshal; MySQL normalizes
// JSON on storage, so byte equality against the fresh payload is not
// enough.
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

	err := s.withRetry(ctx, func() error {
		r, saveErr := s.saveIndexOnce(ctx, entries)
		if saveErr != nil {
			return saveErr
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, wrapErr("save index", err)
	}
	return res, nil
}

func (s *Store) saveIndexOnce(ctx context.Context, entries []types.IndexEntry) (*storage.IndexSaveResult, error) {
	res := &storage.IndexSaveResult{}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT IGNORE INTO fact_index (h, f, it, v, t, dt, c, d)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
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
		return nil, err
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
	embed := s.cfg.EmbedFactData

	if embed {
		b.WriteString("SELECT f, t, c, d FROM fact_index WHERE it = ? AND h IN (")
	} else {
		b.WriteString("SELECT fct.id, fct.t, fct.c, fct.d FROM fact_index fi JOIN facts fct ON fct.id = fi.f WHERE fi.it = ? AND fi.h IN (")
	}
	args = append(args, it)
	b.WriteString(placeholders(len(vals)))
	for _, v := range vals {
		args = append(args, v)
	}
	if embed {
		b.WriteString(") AND f <> ?")
	} else {
		b.WriteString(") AND fi.f <> ?")
	}
	args = append(args, excludeID)
	if opts.DepthFromMs > 0 {
		if embed {
			b.WriteString(" AND dt >= ?")
		} else {
			b.WriteString(" AND fi.dt >= ?")
		}
		args = append(args, now.UnixMilli()-opts.DepthFromMs)
	}
	if embed {
		b.WriteString(" ORDER BY c DESC")
	} else {
		b.WriteString(" ORDER BY fi.c DESC")
	}
	if opts.DepthLimit != nil {
		b.WriteString(" LIMIT ?")
		args = append(args, *opts.DepthLimit)
	}

	rows, err := s.queryContext(ctx, b.String(), args...)
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

// CounterCandidates runs one grouped scan on the supplied connection.
// No retry here: the connection is worker-owned and counter scans are
// best-effort, so a dead connection surfaces to the dispatcher.
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
	embed := s.cfg.EmbedFactData

	b.WriteString("SELECT s.f, s.t, s.c, s.dt, ")
	if embed {
		b.WriteString("s.d")
	} else {
		b.WriteString("fct.d")
	}
	b.WriteString(" FROM (SELECT f, t, c, dt")
	if embed {
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
	if !embed {
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
	_, err := s.execContext(ctx, `
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
	return types.NewPersistenceError(isRetryableError(err), op, err)
}
