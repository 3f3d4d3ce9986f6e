package dbq

import (
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflare/dbq/pkg/dberr"
	"github.com/edgeflare/dbq/pkg/engine"
	"github.com/edgeflare/dbq/pkg/metrics"
)

// TxnFunc is a transaction body. It receives the transaction handle, or a
// nil handle and a non-nil error when the transaction could not be opened.
// Inside the body all queries go through the handle and are
// blocking-shaped; issuing queries through the Conn from inside the body
// is rejected.
type TxnFunc func(tx *Txn, err *dberr.Error)

// Txn gives a body exclusive, ordered access to the connection between
// Begin and Commit/Rollback. The body runs on its own goroutine under
// strict control alternation with the driving context: at any instant
// exactly one of the two is running. A query call suspends the body until
// that specific operation completes; nothing else can resume it.
type Txn struct {
	conn       *Conn
	identity   int64 // connection identity captured at Begin
	open       bool
	finalizing bool
	beginStack []byte // attribution for "left open" diagnostics

	wake     chan txnResult // completion -> body
	yield    chan bodyEvent // body -> driving context
	syncDone *bool          // BeginSync completion flag, nil for Begin
}

// txnResult is what a suspended body resumes with.
type txnResult struct {
	err     *dberr.Error
	res     *engine.Result
	latency time.Duration
}

// bodyEvent is the body's half of the control handoff: either "suspended
// at a query" or "finished" (normally or by panic).
type bodyEvent struct {
	finished bool
	panicked any
}

// Begin opens a transaction and runs body under it. The open itself is one
// operation through the connection queue, so a Begin issued while the
// connection is busy waits its turn.
func (c *Conn) Begin(body TxnFunc) *dberr.Error {
	return c.begin(body, nil)
}

// BeginSync is the blocking-shaped form of Begin: it returns once the
// transaction has fully finalized (or failed to open).
func (c *Conn) BeginSync(body TxnFunc) *dberr.Error {
	var done bool
	if err := c.begin(body, &done); err != nil {
		return err
	}
	c.drivePoll(&done)
	return nil
}

func (c *Conn) begin(body TxnFunc, syncDone *bool) *dberr.Error {
	if err := c.guardBody(); err != nil {
		return err
	}
	stack := debug.Stack()
	c.enqueueOrRun(func() {
		c.locked = true
		c.eng.Submit(&engine.Operation{
			Query: "SET autocommit = 0;",
			Raw:   true,
			Kind:  engine.Run,
			Callback: func(err *dberr.Error, _ *engine.Result) {
				c.onBegin(body, stack, syncDone, err)
			},
		})
	})
	return nil
}

// onBegin runs on the driving context once the autocommit statement
// completed. It either rejects the transaction (body invoked once with the
// error, nothing attached) or creates the Txn and starts the body.
func (c *Conn) onBegin(body TxnFunc, stack []byte, syncDone *bool, beginErr *dberr.Error) {
	if c.eng.State() != engine.Connected {
		beginErr = dberr.New("connection is not open")
	}
	if beginErr != nil {
		c.locked = false
		metrics.TransactionsTotal.WithLabelValues("failed_begin").Inc()
		c.invoke(func() { body(nil, beginErr) })
		c.drainQueue()
		c.finishSync(syncDone)
		return
	}

	t := &Txn{
		conn:       c,
		identity:   c.eng.Identity(),
		open:       true,
		beginStack: stack,
		wake:       make(chan txnResult),
		yield:      make(chan bodyEvent),
		syncDone:   syncDone,
	}
	c.txn = t

	c.bodyActive = true
	go t.runBody(body)
	ev := <-t.yield
	c.bodyActive = false
	if ev.finished {
		c.finishBody(t, ev.panicked)
	}
}

func (t *Txn) runBody(body TxnFunc) {
	defer func() {
		t.yield <- bodyEvent{finished: true, panicked: recover()}
	}()
	body(t, nil)
}

// IsOpen reports whether the transaction can still accept queries.
func (t *Txn) IsOpen() bool { return t.open && !t.finalizing }

// Run executes a statement inside the transaction and discards its result.
func (t *Txn) Run(query string, opts *QueryOpts) *dberr.Error {
	_, err := t.query(engine.Run, query, opts)
	return err
}

// Execute executes a statement inside the transaction and reports affected
// rows and last insert id.
func (t *Txn) Execute(query string, opts *QueryOpts) (*engine.ExecResult, *dberr.Error) {
	res, err := t.query(engine.Exec, query, opts)
	if err != nil {
		return nil, err
	}
	return res.Exec, nil
}

// Fetch returns every row of a query inside the transaction.
func (t *Txn) Fetch(query string, opts *QueryOpts) ([]engine.Row, *dberr.Error) {
	res, err := t.query(engine.Fetch, query, opts)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// FetchOne returns the first row of a query inside the transaction, or nil
// when no row matched.
func (t *Txn) FetchOne(query string, opts *QueryOpts) (engine.Row, *dberr.Error) {
	res, err := t.query(engine.FetchOne, query, opts)
	if err != nil {
		return nil, err
	}
	return res.Row, nil
}

// Ping round-trips the link from inside the transaction.
func (t *Txn) Ping() (time.Duration, *dberr.Error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	r := t.suspend(func(deliver func(txnResult)) {
		t.conn.eng.Ping(func(err *dberr.Error, latency time.Duration) {
			deliver(txnResult{err: err, latency: latency})
		})
	})
	return r.latency, r.err
}

// Commit finalizes the transaction. Calling it on an already-closed
// transaction is a no-op.
func (t *Txn) Commit() *dberr.Error {
	return t.finalize("COMMIT;", "committed")
}

// Rollback discards the transaction. Calling it on an already-closed
// transaction is a no-op.
func (t *Txn) Rollback() *dberr.Error {
	return t.finalize("ROLLBACK;", "rolled_back")
}

func (t *Txn) query(kind engine.Kind, query string, opts *QueryOpts) (*engine.Result, *dberr.Error) {
	if err := t.guard(); err != nil {
		return nil, err
	}
	op := &engine.Operation{Query: query, Kind: kind}
	if opts != nil {
		op.Params = opts.Params
		op.Raw = opts.Raw
	}
	start := time.Now()
	r := t.suspend(func(deliver func(txnResult)) {
		op.Callback = func(err *dberr.Error, res *engine.Result) {
			observeOp(kind, start, err)
			deliver(txnResult{err: err, res: res})
		}
		t.conn.eng.Submit(op)
	})
	return r.res, r.err
}

func (t *Txn) guard() *dberr.Error {
	if !t.open || t.finalizing {
		return dberr.New("transaction is closed")
	}
	if !t.conn.bodyActive {
		return dberr.New("transaction can only be used from inside its own body")
	}
	return nil
}

// suspend submits one operation directly to the engine (the body already
// owns the connection, so the queue is bypassed) and parks the body until
// that operation's own completion. The lock is cleared only for the instant
// of submission and re-set before yielding control.
func (t *Txn) suspend(submit func(deliver func(txnResult))) txnResult {
	c := t.conn
	c.locked = false
	submit(t.deliver)
	c.locked = true
	t.yield <- bodyEvent{}
	return <-t.wake
}

// deliver runs on the driving context when the awaited operation
// completes: it transfers control to the body and takes it back when the
// body suspends again or finishes.
func (t *Txn) deliver(r txnResult) {
	c := t.conn
	c.bodyActive = true
	t.wake <- r
	ev := <-t.yield
	c.bodyActive = false
	if ev.finished {
		c.finishBody(t, ev.panicked)
	}
}

func (t *Txn) finalize(stmt, outcome string) *dberr.Error {
	if !t.open {
		return nil
	}
	if !t.conn.bodyActive {
		return dberr.New("transaction can only be finalized from inside its own body")
	}
	t.finalizing = true

	var stmtErr *dberr.Error
	c := t.conn
	// a reconnect underneath the transaction means these statements would
	// land on a different session; skip them entirely
	if c.eng.State() == engine.Connected && c.eng.Identity() == t.identity {
		stmtErr = t.rawStep(stmt).err
		// restore autocommit whatever the statement's result was
		_ = t.rawStep("SET autocommit = 1;")
	}

	t.close()
	metrics.TransactionsTotal.WithLabelValues(outcome).Inc()
	return stmtErr
}

func (t *Txn) rawStep(query string) txnResult {
	return t.suspend(func(deliver func(txnResult)) {
		t.conn.eng.Submit(&engine.Operation{
			Query: query,
			Raw:   true,
			Kind:  engine.Run,
			Callback: func(err *dberr.Error, _ *engine.Result) {
				deliver(txnResult{err: err})
			},
		})
	})
}

// close detaches the transaction and hands the connection back: whatever
// happened before, the connection always ends up unlocked with its queue
// drained.
func (t *Txn) close() {
	t.open = false
	t.finalizing = false
	c := t.conn
	if c.txn == t {
		c.txn = nil
	}
	c.locked = false
	c.drainQueue()
	c.finishSync(t.syncDone)
}

// finishBody is the safety net: it runs on the driving context after the
// body goroutine exited. A body that exits with the transaction still open
// is a bug in the caller; the transaction is force-rolled-back and the
// failure attributed to the Begin call site.
func (c *Conn) finishBody(t *Txn, panicked any) {
	if !t.open {
		if panicked != nil {
			c.logger.Error("transaction body panicked after finalize",
				zap.Any("panic", panicked),
				zap.ByteString("begin_stack", t.beginStack))
		}
		return
	}
	if panicked != nil {
		c.logger.Error("transaction body panicked, rolling back",
			zap.Any("panic", panicked),
			zap.ByteString("begin_stack", t.beginStack))
	} else {
		c.logger.Error("transaction body finished without Commit or Rollback, rolling back",
			zap.ByteString("begin_stack", t.beginStack))
	}
	c.forceRollback(t)
}

// forceRollback issues cleanup statements best-effort, regardless of the
// identity check: a failed result here is not actionable and must never
// block queue drainage.
func (c *Conn) forceRollback(t *Txn) {
	ignore := func(*dberr.Error, *engine.Result) {}
	c.eng.Submit(&engine.Operation{Query: "ROLLBACK;", Raw: true, Kind: engine.Run, Callback: ignore})
	c.eng.Submit(&engine.Operation{Query: "SET autocommit = 1;", Raw: true, Kind: engine.Run, Callback: ignore})

	t.open = false
	if c.txn == t {
		c.txn = nil
	}
	c.locked = false
	metrics.TransactionsTotal.WithLabelValues("forced_rollback").Inc()
	c.drainQueue()
	c.finishSync(t.syncDone)
}

func (c *Conn) finishSync(done *bool) {
	if done != nil {
		*done = true
	}
}
