// Package dbq is the per-connection coordination core: it serializes all
// access to one logical database connection, bridges the engine's
// asynchronous completion model into blocking-shaped calls, and runs
// multi-statement transactions as straight-line code.
//
// The package is built around a single-context discipline: exactly one
// execution context drives a Conn at a time, and engine completions are
// delivered only through Engine.Drive. The Conn therefore needs no mutex;
// correctness rests on clearing the lock only immediately before draining
// the pending queue.
package dbq

import (
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgeflare/dbq/pkg/dberr"
	"github.com/edgeflare/dbq/pkg/engine"
	"github.com/edgeflare/dbq/pkg/metrics"
)

const syncPollInterval = 200 * time.Microsecond

// QueryOpts carries the per-query options of the host contract. Params are
// bound in order; Raw sends the text unchanged with no parameter binding.
type QueryOpts struct {
	Params []any
	Raw    bool
}

// Conn is the host-facing connection object. It owns the pending operation
// queue, the connection lock, and at most one live transaction, and
// forwards execution to its engine.
type Conn struct {
	id     string
	eng    engine.Engine
	logger *zap.Logger

	locked  bool
	pending []func()
	txn     *Txn

	// true while a transaction body has control of the connection; used to
	// reject re-entrant queries that would otherwise deadlock behind the
	// body's own lock
	bodyActive bool
}

// Option configures a Conn at construction.
type Option func(*Conn)

// WithLogger overrides the connection's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// New returns a Conn driving the given engine.
func New(eng engine.Engine, opts ...Option) *Conn {
	c := &Conn{
		id:     uuid.NewString(),
		eng:    eng,
		logger: zap.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("conn_id", c.id))
	return c
}

// ID is the connection's log-correlation id.
func (c *Conn) ID() string { return c.id }

// State reads the engine's link state directly; it never touches the queue.
func (c *Conn) State() engine.State { return c.eng.State() }

// StateName is the human-readable form of State.
func (c *Conn) StateName() string { return c.eng.State().String() }

func (c *Conn) IsConnected() bool    { return c.eng.State() == engine.Connected }
func (c *Conn) IsConnecting() bool   { return c.eng.State() == engine.Connecting }
func (c *Conn) IsDisconnected() bool { return c.eng.State() == engine.Disconnected }
func (c *Conn) IsNotConnected() bool { return c.eng.State() == engine.NotConnected }

// Drive advances pending engine completions on the calling goroutine. The
// embedding host calls this from its tick loop.
func (c *Conn) Drive() int { return c.eng.Drive() }

// Run executes a statement and discards its result.
func (c *Conn) Run(query string, opts *QueryOpts, cb func(*dberr.Error)) *dberr.Error {
	return c.submit(engine.Run, query, opts, func(err *dberr.Error, _ *engine.Result) {
		if cb != nil {
			cb(err)
		}
	})
}

// Execute executes a statement and reports affected rows and last insert id.
func (c *Conn) Execute(query string, opts *QueryOpts, cb func(*dberr.Error, *engine.ExecResult)) *dberr.Error {
	return c.submit(engine.Exec, query, opts, func(err *dberr.Error, res *engine.Result) {
		if cb == nil {
			return
		}
		if err != nil {
			cb(err, nil)
			return
		}
		cb(nil, res.Exec)
	})
}

// Fetch executes a query and returns every row.
func (c *Conn) Fetch(query string, opts *QueryOpts, cb func(*dberr.Error, []engine.Row)) *dberr.Error {
	return c.submit(engine.Fetch, query, opts, func(err *dberr.Error, res *engine.Result) {
		if cb == nil {
			return
		}
		if err != nil {
			cb(err, nil)
			return
		}
		cb(nil, res.Rows)
	})
}

// FetchOne executes a query and returns the first row, or nil when no row
// matched.
func (c *Conn) FetchOne(query string, opts *QueryOpts, cb func(*dberr.Error, engine.Row)) *dberr.Error {
	return c.submit(engine.FetchOne, query, opts, func(err *dberr.Error, res *engine.Result) {
		if cb == nil {
			return
		}
		if err != nil {
			cb(err, nil)
			return
		}
		cb(nil, res.Row)
	})
}

// RunSync is the blocking-shaped form of Run.
func (c *Conn) RunSync(query string, opts *QueryOpts) *dberr.Error {
	var (
		done bool
		out  *dberr.Error
	)
	if err := c.Run(query, opts, func(e *dberr.Error) { out, done = e, true }); err != nil {
		return err
	}
	c.drivePoll(&done)
	return out
}

// ExecuteSync is the blocking-shaped form of Execute.
func (c *Conn) ExecuteSync(query string, opts *QueryOpts) (*engine.ExecResult, *dberr.Error) {
	var (
		done bool
		res  *engine.ExecResult
		out  *dberr.Error
	)
	err := c.Execute(query, opts, func(e *dberr.Error, r *engine.ExecResult) {
		out, res, done = e, r, true
	})
	if err != nil {
		return nil, err
	}
	c.drivePoll(&done)
	return res, out
}

// FetchSync is the blocking-shaped form of Fetch.
func (c *Conn) FetchSync(query string, opts *QueryOpts) ([]engine.Row, *dberr.Error) {
	var (
		done bool
		rows []engine.Row
		out  *dberr.Error
	)
	err := c.Fetch(query, opts, func(e *dberr.Error, r []engine.Row) {
		out, rows, done = e, r, true
	})
	if err != nil {
		return nil, err
	}
	c.drivePoll(&done)
	return rows, out
}

// FetchOneSync is the blocking-shaped form of FetchOne.
func (c *Conn) FetchOneSync(query string, opts *QueryOpts) (engine.Row, *dberr.Error) {
	var (
		done bool
		row  engine.Row
		out  *dberr.Error
	)
	err := c.FetchOne(query, opts, func(e *dberr.Error, r engine.Row) {
		out, row, done = e, r, true
	})
	if err != nil {
		return nil, err
	}
	c.drivePoll(&done)
	return row, out
}

// Start asks the engine to (re-)establish the link.
func (c *Conn) Start(cb func(*dberr.Error)) *dberr.Error {
	if err := c.guardBody(); err != nil {
		return err
	}
	c.enqueueOrRun(func() {
		c.locked = true
		c.eng.Start(func(err *dberr.Error) {
			c.invoke(func() {
				if cb != nil {
					cb(err)
				}
			})
			c.locked = false
			c.drainQueue()
		})
	})
	return nil
}

// StartSync is the blocking-shaped form of Start.
func (c *Conn) StartSync() *dberr.Error {
	var (
		done bool
		out  *dberr.Error
	)
	if err := c.Start(func(e *dberr.Error) { out, done = e, true }); err != nil {
		return err
	}
	c.drivePoll(&done)
	return out
}

// Disconnect closes the link.
func (c *Conn) Disconnect(cb func(*dberr.Error)) *dberr.Error {
	if err := c.guardBody(); err != nil {
		return err
	}
	c.enqueueOrRun(func() {
		c.locked = true
		c.eng.Disconnect(func(err *dberr.Error) {
			c.invoke(func() {
				if cb != nil {
					cb(err)
				}
			})
			c.locked = false
			c.drainQueue()
		})
	})
	return nil
}

// DisconnectSync is the blocking-shaped form of Disconnect.
func (c *Conn) DisconnectSync() *dberr.Error {
	var (
		done bool
		out  *dberr.Error
	)
	if err := c.Disconnect(func(e *dberr.Error) { out, done = e, true }); err != nil {
		return err
	}
	c.drivePoll(&done)
	return out
}

// Ping round-trips the link and reports latency.
func (c *Conn) Ping(cb func(*dberr.Error, time.Duration)) *dberr.Error {
	if err := c.guardBody(); err != nil {
		return err
	}
	c.enqueueOrRun(func() {
		c.locked = true
		c.eng.Ping(func(err *dberr.Error, latency time.Duration) {
			c.invoke(func() {
				if cb != nil {
					cb(err, latency)
				}
			})
			c.locked = false
			c.drainQueue()
		})
	})
	return nil
}

// PingSync is the blocking-shaped form of Ping.
func (c *Conn) PingSync() (time.Duration, *dberr.Error) {
	var (
		done    bool
		latency time.Duration
		out     *dberr.Error
	)
	err := c.Ping(func(e *dberr.Error, l time.Duration) { out, latency, done = e, l, true })
	if err != nil {
		return 0, err
	}
	c.drivePoll(&done)
	return latency, out
}

func (c *Conn) submit(kind engine.Kind, query string, opts *QueryOpts, cb engine.Callback) *dberr.Error {
	if err := c.guardBody(); err != nil {
		return err
	}
	op := &engine.Operation{Query: query, Kind: kind}
	if opts != nil {
		op.Params = opts.Params
		op.Raw = opts.Raw
	}
	c.enqueueOrRun(func() { c.dispatch(op, cb) })
	return nil
}

// guardBody rejects connection-level calls made from inside the open
// transaction's own body: that context already holds exclusive access, so
// queueing could never complete.
func (c *Conn) guardBody() *dberr.Error {
	if c.bodyActive {
		return dberr.New("connection is locked by a transaction owned by the calling context; issue the query through the transaction handle")
	}
	return nil
}

// enqueueOrRun runs the operation immediately when the lock is free,
// otherwise appends it to the pending queue. The caller is never blocked.
func (c *Conn) enqueueOrRun(run func()) {
	if c.locked {
		c.pending = append(c.pending, run)
		metrics.QueueDepth.WithLabelValues(c.id).Set(float64(len(c.pending)))
		return
	}
	run()
}

// drainQueue releases queued operations after the lock clears. The queue
// is swapped for an empty one before resubmitting so a completion running
// inside the loop cannot mutate the slice being iterated.
func (c *Conn) drainQueue() {
	if len(c.pending) == 0 {
		return
	}
	q := c.pending
	c.pending = nil
	metrics.QueueDepth.WithLabelValues(c.id).Set(0)
	for _, run := range q {
		c.enqueueOrRun(run)
	}
}

// dispatch takes the lock, hands the operation to the engine, and releases
// the lock and drains once its completion has been delivered.
func (c *Conn) dispatch(op *engine.Operation, cb engine.Callback) {
	c.locked = true
	start := time.Now()
	op.Callback = func(err *dberr.Error, res *engine.Result) {
		observeOp(op.Kind, start, err)
		c.invoke(func() { cb(err, res) })
		c.locked = false
		c.drainQueue()
	}
	c.eng.Submit(op)
}

// drivePoll advances the engine until the watched flag flips. Valid only
// because the embedding context is the sole driver of completions: calling
// Drive here is what makes the outstanding operation progress.
func (c *Conn) drivePoll(done *bool) {
	for !*done {
		if c.eng.Drive() == 0 {
			runtime.Gosched()
			time.Sleep(syncPollInterval)
		}
	}
}

// invoke shields the coordination layer from host callback panics; a
// panicking callback must not leave the lock held or the queue undrained.
func (c *Conn) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("callback panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func observeOp(kind engine.Kind, start time.Time, err *dberr.Error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.QueriesTotal.WithLabelValues(kind.String(), status).Inc()
	metrics.QueryDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
}
