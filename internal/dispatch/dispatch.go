// Package dispatch runs counter queries on a fixed pool of workers,
// each owning a dedicated database connection for its lifetime.
//
// Callers hand a task to Submit, which blocks briefly for a free
// worker; an unbuffered channel makes that wait the admission control.
// Every query gets a process-unique id. Results route back through a
// pending table keyed by that id, so a result arriving after its
// waiter gave up is dropped silently and counted, never misrouted to
// another request.
package dispatch

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tallylabs/tally/internal/metrics"
	"github.com/tallylabs/tally/internal/types"
)

// Task is one unit of query work executed on a worker's connection.
type Task func(ctx context.Context, conn *sql.Conn) (any, error)

// ConnSource hands out dedicated connections for workers. Satisfied by
// storage.Store.
type ConnSource interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// Options configure a Pool. Zero values take the defaults.
type Options struct {
	// Workers is the number of workers, each holding one connection.
	Workers int
	// QueryTimeout bounds both the worker-side execution and the
	// caller-side wait for one query.
	QueryTimeout time.Duration
	// AcquireTimeout bounds how long Submit blocks for a free worker
	// before rejecting the task.
	AcquireTimeout time.Duration
}

const (
	DefaultWorkers        = 8
	DefaultQueryTimeout   = 5 * time.Second
	DefaultAcquireTimeout = 500 * time.Millisecond
)

func (o *Options) withDefaults() Options {
	out := *o
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	if out.QueryTimeout <= 0 {
		out.QueryTimeout = DefaultQueryTimeout
	}
	if out.AcquireTimeout <= 0 {
		out.AcquireTimeout = DefaultAcquireTimeout
	}
	return out
}

type result struct {
	value   any
	elapsed time.Duration
	err     error
}

type submission struct {
	queryID string
	task    Task
}

// Pool is the worker pool. Create with New, then Start, then Submit
// from any goroutine. Close stops the workers and releases their
// connections.
type Pool struct {
	opts Options
	m    *metrics.Metrics
	log  *zap.Logger

	submitCh chan *submission
	prefix   string
	seq      atomic.Int64

	mu      sync.Mutex
	pending map[string]chan result

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options, m *metrics.Metrics, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		opts:     opts.withDefaults(),
		m:        m,
		log:      log,
		submitCh: make(chan *submission),
		prefix:   strconv.Itoa(os.Getpid()) + "-",
		pending:  make(map[string]chan result),
	}
}

// Start acquires one connection per worker and launches the workers.
// It fails, releasing anything acquired, if the pool cannot be fully
// populated.
func (p *Pool) Start(ctx context.Context, src ConnSource) error {
	conns := make([]*sql.Conn, 0, p.opts.Workers)
	for i := 0; i < p.opts.Workers; i++ {
		conn, err := src.Conn(ctx)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return err
		}
		conns = append(conns, conn)
	}

	wctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i, conn := range conns {
		p.wg.Add(1)
		go p.worker(wctx, i, conn)
	}
	p.log.Debug("query workers started", zap.Int("workers", p.opts.Workers))
	return nil
}

// Close stops the workers and waits for in-flight tasks to unwind.
// Submissions arriving afterwards are rejected by the acquire timeout.
func (p *Pool) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

// Workers reports the pool size.
func (p *Pool) Workers() int { return p.opts.Workers }

// PendingCount reports queries whose callers are still waiting.
func (p *Pool) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Pending is a submitted query: its process-unique id and how long the
// submission waited for a worker.
type Pending struct {
	ID         string
	WorkerWait time.Duration

	pool *Pool
	ch   chan result
}

// Submit registers the query and hands it to a worker, blocking up to
// AcquireTimeout. When no worker frees up in time the task is
// rejected with a NoWorkersError and nothing stays queued.
func (p *Pool) Submit(ctx context.Context, task Task) (*Pending, error) {
	queryID := p.prefix + strconv.FormatInt(p.seq.Add(1), 10)
	ch := make(chan result, 1)

	p.mu.Lock()
	p.pending[queryID] = ch
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	start := time.Now()
	select {
	case p.submitCh <- &submission{queryID: queryID, task: task}:
		return &Pending{ID: queryID, WorkerWait: time.Since(start), pool: p, ch: ch}, nil
	case <-timer.C:
		p.unregister(queryID)
		p.m.RecordNoWorkers()
		return nil, types.NewNoWorkersError()
	case <-ctx.Done():
		p.unregister(queryID)
		return nil, ctx.Err()
	}
}

// Wait blocks for the result, the query timeout, or ctx. On timeout
// the pending entry is dropped so the worker's eventual result is
// discarded silently.
func (pn *Pending) Wait(ctx context.Context) (any, time.Duration, error) {
	timer := time.NewTimer(pn.pool.opts.QueryTimeout)
	defer timer.Stop()

	select {
	case res := <-pn.ch:
		return res.value, res.elapsed, res.err
	case <-timer.C:
		pn.pool.unregister(pn.ID)
		pn.pool.m.RecordQueryTimeout()
		return nil, 0, types.NewTimeoutError(pn.ID)
	case <-ctx.Done():
		pn.pool.unregister(pn.ID)
		return nil, 0, ctx.Err()
	}
}

// Do submits the task and waits for its result.
func (p *Pool) Do(ctx context.Context, task Task) (any, *Pending, time.Duration, error) {
	pn, err := p.Submit(ctx, task)
	if err != nil {
		return nil, nil, 0, err
	}
	v, elapsed, err := pn.Wait(ctx)
	return v, pn, elapsed, err
}

func (p *Pool) unregister(queryID string) {
	p.mu.Lock()
	delete(p.pending, queryID)
	p.mu.Unlock()
}

func (p *Pool) worker(ctx context.Context, id int, conn *sql.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-p.submitCh:
			p.run(ctx, sub, conn)
		}
	}
}

func (p *Pool) run(ctx context.Context, sub *submission, conn *sql.Conn) {
	qctx, cancel := context.WithTimeout(ctx, p.opts.QueryTimeout)
	defer cancel()

	start := time.Now()
	v, err := sub.task(qctx, conn)
	elapsed := time.Since(start)

	p.m.Record(metrics.OpCounterQuery, elapsed)
	if err != nil {
		p.m.RecordError(metrics.OpCounterQuery)
	}
	p.resolve(sub.queryID, result{value: v, elapsed: elapsed, err: err})
}

// resolve routes a finished query to its waiter. A missing entry means
// the waiter gave up; the result is dropped and counted, not treated
// as an unknown query.
func (p *Pool) resolve(queryID string, res result) {
	p.mu.Lock()
	ch, ok := p.pending[queryID]
	if ok {
		delete(p.pending, queryID)
	}
	p.mu.Unlock()

	if !ok {
		p.m.RecordLateResult()
		return
	}
	ch <- res
}
