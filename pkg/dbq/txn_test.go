package dbq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeflare/dbq/internal/testutil"
	"github.com/edgeflare/dbq/pkg/dberr"
	"github.com/edgeflare/dbq/pkg/engine"
)

func TestBeginOnClosedLink(t *testing.T) {
	f := testutil.NewFakeEngine()
	c := New(f, WithLogger(zap.NewNop()))

	var (
		calls  int
		gotTx  *Txn
		gotErr *dberr.Error
	)
	require.Nil(t, c.BeginSync(func(tx *Txn, err *dberr.Error) {
		calls++
		gotTx, gotErr = tx, err
	}))

	assert.Equal(t, 1, calls)
	assert.Nil(t, gotTx)
	require.NotNil(t, gotErr)
	assert.Equal(t, "connection is not open", gotErr.Message)
	assert.False(t, c.locked)
	assert.Nil(t, c.txn)
}

func TestBeginStatementFails(t *testing.T) {
	c, f := newTestConn(t)
	f.Handler = func(op *engine.Operation) (*engine.Result, *dberr.Error) {
		if op.Query == "SET autocommit = 0;" {
			return nil, &dberr.Error{Message: "access denied", Code: 1045}
		}
		return &engine.Result{}, nil
	}

	var gotErr *dberr.Error
	require.Nil(t, c.BeginSync(func(tx *Txn, err *dberr.Error) {
		gotErr = err
	}))

	require.NotNil(t, gotErr)
	assert.True(t, gotErr.Database())
	assert.False(t, c.locked)
	assert.Nil(t, c.txn)

	// the connection recovers
	require.Nil(t, c.RunSync("SELECT 1", nil))
}

func TestTransactionCommitFlow(t *testing.T) {
	c, f := newTestConn(t)
	insertID := int64(0)
	f.Handler = func(op *engine.Operation) (*engine.Result, *dberr.Error) {
		switch op.Kind {
		case engine.Fetch:
			return &engine.Result{Rows: []engine.Row{{"n": int64(7)}}}, nil
		case engine.Exec:
			insertID++
			return &engine.Result{Exec: &engine.ExecResult{RowsAffected: 1, LastInsertID: insertID}}, nil
		}
		return &engine.Result{}, nil
	}

	rows, err := c.FetchSync("SELECT n FROM t", nil)
	require.Nil(t, err)
	require.Len(t, rows, 1)

	var (
		ids       []int64
		commitErr *dberr.Error
		afterErr  *dberr.Error
		txRef     *Txn
	)
	require.Nil(t, c.BeginSync(func(tx *Txn, err *dberr.Error) {
		if err != nil {
			return
		}
		txRef = tx
		for i := 0; i < 2; i++ {
			res, xerr := tx.Execute("INSERT INTO t VALUES (1)", nil)
			if xerr != nil {
				return
			}
			ids = append(ids, res.LastInsertID)
		}
		commitErr = tx.Commit()
		_, afterErr = tx.Execute("INSERT INTO t VALUES (2)", nil)
	}))

	assert.Equal(t, []int64{1, 2}, ids)
	assert.Nil(t, commitErr)
	require.NotNil(t, afterErr)
	assert.Equal(t, "transaction is closed", afterErr.Message)

	assert.Equal(t, []string{
		"SELECT n FROM t",
		"SET autocommit = 0;",
		"INSERT INTO t VALUES (1)",
		"INSERT INTO t VALUES (1)",
		"COMMIT;",
		"SET autocommit = 1;",
	}, f.Queries)
	assert.Nil(t, c.txn)
	assert.False(t, c.locked)

	// finalizing again is a no-op
	assert.Nil(t, txRef.Commit())
	assert.Nil(t, txRef.Rollback())
}

func TestTransactionRollback(t *testing.T) {
	c, f := newTestConn(t)

	var rbErr *dberr.Error
	require.Nil(t, c.BeginSync(func(tx *Txn, err *dberr.Error) {
		if err != nil {
			return
		}
		_ = tx.Run("UPDATE t SET n = 0", nil)
		rbErr = tx.Rollback()
	}))

	assert.Nil(t, rbErr)
	assert.Equal(t, []string{
		"SET autocommit = 0;",
		"UPDATE t SET n = 0",
		"ROLLBACK;",
		"SET autocommit = 1;",
	}, f.Queries)
	assert.Nil(t, c.txn)
}

func TestForgottenFinalizeForcesRollback(t *testing.T) {
	c, f := newTestConn(t)

	require.Nil(t, c.BeginSync(func(tx *Txn, err *dberr.Error) {
		if err != nil {
			return
		}
		_ = tx.Run("UPDATE t SET n = 0", nil)
		// no Commit, no Rollback
	}))

	n := len(f.Queries)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, "ROLLBACK;", f.Queries[n-2])
	assert.Equal(t, "SET autocommit = 1;", f.Queries[n-1])
	assert.Nil(t, c.txn)
	assert.False(t, c.locked)

	drain(f)
	require.Nil(t, c.RunSync("SELECT 1", nil))
}

func TestBodyPanicForcesRollback(t *testing.T) {
	c, f := newTestConn(t)

	require.Nil(t, c.BeginSync(func(tx *Txn, err *dberr.Error) {
		if err != nil {
			return
		}
		_ = tx.Run("UPDATE t SET n = 0", nil)
		panic("body bug")
	}))

	n := len(f.Queries)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, "ROLLBACK;", f.Queries[n-2])
	assert.Equal(t, "SET autocommit = 1;", f.Queries[n-1])
	assert.Nil(t, c.txn)

	drain(f)
	require.Nil(t, c.RunSync("SELECT 1", nil))
}

func TestFinalizeSkippedAfterReconnect(t *testing.T) {
	t.Run("identity changed", func(t *testing.T) {
		c, f := newTestConn(t)

		var commitErr *dberr.Error
		require.Nil(t, c.BeginSync(func(tx *Txn, err *dberr.Error) {
			if err != nil {
				return
			}
			_ = tx.Run("UPDATE t SET n = 0", nil)
			f.BumpIdentity()
			commitErr = tx.Commit()
		}))

		assert.Nil(t, commitErr)
		assert.NotContains(t, f.Queries, "COMMIT;")
		assert.NotContains(t, f.Queries, "SET autocommit = 1;")
		assert.Nil(t, c.txn)
		assert.False(t, c.locked)
	})

	t.Run("link lost", func(t *testing.T) {
		c, f := newTestConn(t)

		var commitErr *dberr.Error
		require.Nil(t, c.BeginSync(func(tx *Txn, err *dberr.Error) {
			if err != nil {
				return
			}
			f.SetState(engine.Disconnected)
			commitErr = tx.Commit()
		}))

		assert.Nil(t, commitErr)
		assert.NotContains(t, f.Queries, "COMMIT;")
		assert.Nil(t, c.txn)
	})
}

func TestOutsideQueryWaitsForFinalize(t *testing.T) {
	c, f := newTestConn(t)

	var bodyDone bool
	require.Nil(t, c.Begin(func(tx *Txn, err *dberr.Error) {
		if err != nil {
			return
		}
		_ = tx.Run("UPDATE t SET n = 0", nil)
		_ = tx.Commit()
		bodyDone = true
	}))

	// submitted while the begin statement is still in flight: queued
	outsideCalls := 0
	require.Nil(t, c.Run("OUTSIDE", nil, func(*dberr.Error) { outsideCalls++ }))
	assert.Len(t, c.pending, 1)

	drain(f)
	drain(f)

	assert.True(t, bodyDone)
	assert.Equal(t, 1, outsideCalls)
	require.NotEmpty(t, f.Queries)
	assert.Equal(t, "OUTSIDE", f.Queries[len(f.Queries)-1])
}

func TestConnCallsRejectedInsideBody(t *testing.T) {
	c, _ := newTestConn(t)

	var runErr, beginErr, pingErr *dberr.Error
	require.Nil(t, c.BeginSync(func(tx *Txn, err *dberr.Error) {
		if err != nil {
			return
		}
		runErr = c.Run("SELECT 1", nil, nil)
		beginErr = c.Begin(func(*Txn, *dberr.Error) {})
		pingErr = c.Ping(nil)
		_ = tx.Commit()
	}))

	for _, e := range []*dberr.Error{runErr, beginErr, pingErr} {
		require.NotNil(t, e)
		assert.Contains(t, e.Message, "locked by a transaction")
	}
}

func TestTxnUseFromOutsideBody(t *testing.T) {
	c, f := newTestConn(t)
	f.HoldIf = func(op *engine.Operation) bool { return op.Query == "HELD" }

	var (
		txRef     *Txn
		commitErr *dberr.Error
	)
	require.Nil(t, c.Begin(func(tx *Txn, err *dberr.Error) {
		if err != nil {
			return
		}
		txRef = tx
		_ = tx.Run("HELD", nil)
		commitErr = tx.Commit()
	}))
	drain(f)

	// the body is suspended on HELD; the transaction handle must reject the
	// driving context
	require.NotNil(t, txRef)
	assert.True(t, txRef.IsOpen())
	err := txRef.Commit()
	require.NotNil(t, err)
	assert.Equal(t, "transaction can only be finalized from inside its own body", err.Message)
	_, err = txRef.Fetch("SELECT 1", nil)
	require.NotNil(t, err)
	assert.Equal(t, "transaction can only be used from inside its own body", err.Message)

	f.Release()
	drain(f)
	assert.Nil(t, commitErr)
	assert.False(t, txRef.IsOpen())
	assert.Nil(t, c.txn)
}

func TestTxnPing(t *testing.T) {
	c, _ := newTestConn(t)

	var (
		gotLatency bool
		pingErr    *dberr.Error
	)
	require.Nil(t, c.BeginSync(func(tx *Txn, err *dberr.Error) {
		if err != nil {
			return
		}
		latency, perr := tx.Ping()
		gotLatency, pingErr = latency > 0, perr
		_ = tx.Commit()
	}))

	assert.Nil(t, pingErr)
	assert.True(t, gotLatency)
}

func TestTxnFetchShapes(t *testing.T) {
	c, f := newTestConn(t)
	f.Handler = func(op *engine.Operation) (*engine.Result, *dberr.Error) {
		switch op.Kind {
		case engine.Fetch:
			return &engine.Result{Rows: []engine.Row{{"a": int64(1)}, {"a": int64(2)}}}, nil
		case engine.FetchOne:
			return &engine.Result{Row: engine.Row{"a": int64(1)}}, nil
		}
		return &engine.Result{}, nil
	}

	var (
		rows []engine.Row
		row  engine.Row
	)
	require.Nil(t, c.BeginSync(func(tx *Txn, err *dberr.Error) {
		if err != nil {
			return
		}
		rows, _ = tx.Fetch("SELECT a FROM t", nil)
		row, _ = tx.FetchOne("SELECT a FROM t LIMIT 1", nil)
		_ = tx.Commit()
	}))

	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[1]["a"])
	require.NotNil(t, row)
	assert.Equal(t, int64(1), row["a"])
}
