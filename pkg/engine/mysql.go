package engine

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/edgeflare/dbq/pkg/dberr"
	"github.com/edgeflare/dbq/pkg/metrics"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

const (
	reconnectInitialDelay = 2 * time.Second
	reconnectMaxAttempts  = 7
)

// MySQL is an Engine backed by a single dedicated MySQL session. One worker
// goroutine executes submitted work serially, preserving submission order;
// completions are posted to an internal queue drained by Drive.
type MySQL struct {
	dsn    string
	logger *zap.Logger

	state    atomicState
	identity atomicIdentity

	tasks chan func(*mysqlSession)
	comps completionQueue
	done  chan struct{}
}

// mysqlSession is the worker-owned connection state. Only the worker
// goroutine touches it.
type mysqlSession struct {
	db   *sqlx.DB
	conn *sqlx.Conn
}

// NewMySQL returns an engine for the given DSN. The link is not opened
// until Start.
func NewMySQL(dsn string, opts ...EngineOption) *MySQL {
	e := &MySQL{
		dsn:    dsn,
		logger: zap.L(),
		tasks:  make(chan func(*mysqlSession), 16),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&e.logger)
	}
	go e.worker()
	return e
}

// EngineOption configures an engine at construction.
type EngineOption func(logger **zap.Logger)

// WithLogger overrides the engine's logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(logger **zap.Logger) { *logger = l }
}

func (e *MySQL) worker() {
	defer close(e.done)
	s := &mysqlSession{}
	for task := range e.tasks {
		task(s)
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// Close stops the worker after draining already-submitted work, waiting up
// to the context deadline. No callbacks are invoked after Close returns.
func (e *MySQL) Close(ctx context.Context) error {
	close(e.tasks)
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *MySQL) State() State    { return e.state.load() }
func (e *MySQL) Identity() int64 { return e.identity.load() }
func (e *MySQL) Drive() int      { return e.comps.drive() }

// Start (re-)establishes the session. Connects are serialized by the
// worker, so a Start issued while another is still dialing simply runs
// after it; its callback is always delivered.
func (e *MySQL) Start(cb func(*dberr.Error)) {
	e.tasks <- func(s *mysqlSession) {
		err := e.connect(s)
		e.post(cb, err)
	}
}

func (e *MySQL) Disconnect(cb func(*dberr.Error)) {
	e.tasks <- func(s *mysqlSession) {
		// mark first: even a failed close leaves the session unusable
		e.state.store(Disconnected)
		var err error
		if s.conn != nil {
			err = s.conn.Close()
			s.conn = nil
		}
		e.post(cb, err)
	}
}

func (e *MySQL) Ping(cb func(*dberr.Error, time.Duration)) {
	e.tasks <- func(s *mysqlSession) {
		if s.conn == nil {
			e.comps.post(func() { cb(dberr.New("connection is not open"), 0) })
			return
		}
		start := time.Now()
		err := s.conn.PingContext(context.Background())
		latency := time.Since(start)
		e.comps.post(func() { cb(dberr.FromDriver(err), latency) })
	}
}

func (e *MySQL) Submit(op *Operation) {
	e.tasks <- func(s *mysqlSession) {
		if s.conn == nil {
			e.comps.post(func() { op.Callback(dberr.New("connection is not open"), nil) })
			return
		}
		res, err := e.execute(s, op)
		if err != nil {
			e.maybeReconnect(s, err)
		}
		e.comps.post(func() { op.Callback(dberr.FromDriver(err), res) })
	}
}

func (e *MySQL) connect(s *mysqlSession) error {
	if s.conn != nil {
		// gracefully close the old session; a failure here does not stop
		// the reconnect
		_ = s.conn.Close()
		s.conn = nil
	}
	e.state.store(Connecting)

	if s.db == nil {
		db, err := sqlx.Open("mysql", e.dsn)
		if err != nil {
			e.state.store(NotConnected)
			return err
		}
		// the session is pinned via Connx; the pool behind it holds nothing
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(0)
		s.db = db
	}

	conn, err := s.db.Connx(context.Background())
	if err != nil {
		e.state.store(NotConnected)
		return err
	}
	s.conn = conn
	e.identity.bump()
	e.state.store(Connected)
	return nil
}

func (e *MySQL) execute(s *mysqlSession, op *Operation) (*Result, error) {
	ctx := context.Background()
	switch op.Kind {
	case Run:
		_, err := s.conn.ExecContext(ctx, op.Query, bindArgs(op)...)
		if err != nil {
			return nil, err
		}
		return &Result{}, nil
	case Exec:
		res, err := s.conn.ExecContext(ctx, op.Query, bindArgs(op)...)
		if err != nil {
			return nil, err
		}
		affected, _ := res.RowsAffected()
		insertID, _ := res.LastInsertId()
		return &Result{Exec: &ExecResult{RowsAffected: affected, LastInsertID: insertID}}, nil
	case Fetch:
		rows, err := e.fetchRows(ctx, s, op)
		if err != nil {
			return nil, err
		}
		return &Result{Rows: rows}, nil
	case FetchOne:
		rows, err := e.fetchRows(ctx, s, op)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return &Result{}, nil
		}
		return &Result{Row: rows[0]}, nil
	default:
		return nil, errors.New("unknown operation kind")
	}
}

func (e *MySQL) fetchRows(ctx context.Context, s *mysqlSession, op *Operation) ([]Row, error) {
	rows, err := s.conn.QueryxContext(ctx, op.Query, bindArgs(op)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			return nil, err
		}
		out = append(out, normalizeRow(m))
	}
	return out, rows.Err()
}

// normalizeRow converts driver-native []byte column values to strings so
// rows are plain data for the host.
func normalizeRow(m map[string]any) Row {
	for k, v := range m {
		if b, ok := v.([]byte); ok {
			m[k] = string(b)
		}
	}
	return m
}

// maybeReconnect checks whether a query failure means the link itself is
// gone and, if a verification ping also fails, re-establishes the session
// with increasing delays. The worker stays busy during the retry loop so
// queued operations observe the lost link in order.
func (e *MySQL) maybeReconnect(s *mysqlSession, err error) {
	if !isConnLoss(err) {
		return
	}
	if s.conn != nil && s.conn.PingContext(context.Background()) == nil {
		return
	}
	// state must flip before any callback runs so an open transaction can
	// see that its session is gone
	e.state.store(NotConnected)
	e.logger.Warn("database connection lost, reconnecting", zap.Error(err))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialDelay
	bo.RandomizationFactor = 0

	attempt := func() error {
		metrics.Reconnects.Inc()
		return e.connect(s)
	}
	if err := backoff.Retry(attempt, backoff.WithMaxRetries(bo, reconnectMaxAttempts)); err != nil {
		e.logger.Error("failed to reconnect, giving up", zap.Error(err))
		return
	}
	e.logger.Info("reconnected")
}

// isConnLoss reports whether err looks like a dropped link rather than a
// statement failure.
func isConnLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (e *MySQL) post(cb func(*dberr.Error), err error) {
	if cb == nil {
		return
	}
	e.comps.post(func() { cb(dberr.FromDriver(err)) })
}
