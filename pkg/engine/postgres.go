package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/edgeflare/dbq/pkg/dberr"
	"github.com/edgeflare/dbq/pkg/metrics"
)

// Postgres is an Engine backed by a single pgx connection. It mirrors the
// MySQL engine's worker/completion shape; the differences are confined to
// statement execution and loss detection. Postgres has no insert id, so
// ExecResult.LastInsertID is always zero here.
type Postgres struct {
	connString string
	logger     *zap.Logger

	state    atomicState
	identity atomicIdentity

	tasks chan func(s *pgSession)
	comps completionQueue
	done  chan struct{}
}

type pgSession struct {
	conn *pgx.Conn
}

// NewPostgres returns an engine for the given pgx connection string. The
// link is not opened until Start.
func NewPostgres(connString string, opts ...EngineOption) *Postgres {
	e := &Postgres{
		connString: connString,
		logger:     zap.L(),
		tasks:      make(chan func(*pgSession), 16),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&e.logger)
	}
	go e.worker()
	return e
}

func (e *Postgres) worker() {
	defer close(e.done)
	s := &pgSession{}
	for task := range e.tasks {
		task(s)
	}
	if s.conn != nil {
		_ = s.conn.Close(context.Background())
	}
}

// Close stops the worker after draining already-submitted work, waiting up
// to the context deadline.
func (e *Postgres) Close(ctx context.Context) error {
	close(e.tasks)
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Postgres) State() State    { return e.state.load() }
func (e *Postgres) Identity() int64 { return e.identity.load() }
func (e *Postgres) Drive() int      { return e.comps.drive() }

// Start (re-)establishes the session. Connects are serialized by the
// worker, so a Start issued while another is still dialing simply runs
// after it; its callback is always delivered.
func (e *Postgres) Start(cb func(*dberr.Error)) {
	e.tasks <- func(s *pgSession) {
		err := e.connect(s)
		if cb != nil {
			e.comps.post(func() { cb(dberr.FromDriver(err)) })
		}
	}
}

func (e *Postgres) Disconnect(cb func(*dberr.Error)) {
	e.tasks <- func(s *pgSession) {
		e.state.store(Disconnected)
		var err error
		if s.conn != nil {
			err = s.conn.Close(context.Background())
			s.conn = nil
		}
		if cb != nil {
			e.comps.post(func() { cb(dberr.FromDriver(err)) })
		}
	}
}

func (e *Postgres) Ping(cb func(*dberr.Error, time.Duration)) {
	e.tasks <- func(s *pgSession) {
		if s.conn == nil {
			e.comps.post(func() { cb(dberr.New("connection is not open"), 0) })
			return
		}
		start := time.Now()
		err := s.conn.Ping(context.Background())
		latency := time.Since(start)
		e.comps.post(func() { cb(dberr.FromDriver(err), latency) })
	}
}

func (e *Postgres) Submit(op *Operation) {
	e.tasks <- func(s *pgSession) {
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

func (e *Postgres) connect(s *pgSession) error {
	if s.conn != nil {
		_ = s.conn.Close(context.Background())
		s.conn = nil
	}
	e.state.store(Connecting)

	conn, err := pgx.Connect(context.Background(), e.connString)
	if err != nil {
		e.state.store(NotConnected)
		return err
	}
	s.conn = conn
	e.identity.bump()
	e.state.store(Connected)
	return nil
}

func (e *Postgres) execute(s *pgSession, op *Operation) (*Result, error) {
	ctx := context.Background()
	switch op.Kind {
	case Run:
		// with no bound args pgx falls back to the simple protocol, so raw
		// multi-statement text is accepted
		_, err := s.conn.Exec(ctx, op.Query, bindArgs(op)...)
		if err != nil {
			return nil, err
		}
		return &Result{}, nil
	case Exec:
		tag, err := s.conn.Exec(ctx, op.Query, bindArgs(op)...)
		if err != nil {
			return nil, err
		}
		return &Result{Exec: &ExecResult{RowsAffected: tag.RowsAffected()}}, nil
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

func (e *Postgres) fetchRows(ctx context.Context, s *pgSession, op *Operation) ([]Row, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if op.Raw {
		rows, err = s.conn.Query(ctx, op.Query, pgx.QueryExecModeSimpleProtocol)
	} else {
		rows, err = s.conn.Query(ctx, op.Query, op.Params...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, normalizeRow(row))
	}
	return out, rows.Err()
}

func (e *Postgres) maybeReconnect(s *pgSession, err error) {
	if s.conn != nil && !s.conn.IsClosed() && !isConnLoss(err) {
		return
	}
	if s.conn != nil && !s.conn.IsClosed() && s.conn.Ping(context.Background()) == nil {
		return
	}
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
