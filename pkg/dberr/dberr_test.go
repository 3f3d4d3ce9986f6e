package dberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDriver(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, FromDriver(nil))
	})

	t.Run("mysql error", func(t *testing.T) {
		src := &mysql.MySQLError{
			Number:   1062,
			SQLState: [5]byte{'2', '3', '0', '0', '0'},
			Message:  "Duplicate entry 'a' for key 'PRIMARY'",
		}
		e := FromDriver(src)
		require.NotNil(t, e)
		assert.Equal(t, int64(1062), e.Code)
		assert.Equal(t, "23000", e.SQLState)
		assert.Equal(t, src.Message, e.Message)
		assert.True(t, e.Database())
	})

	t.Run("wrapped mysql error", func(t *testing.T) {
		src := &mysql.MySQLError{Number: 1045, Message: "Access denied"}
		e := FromDriver(fmt.Errorf("query failed: %w", src))
		require.NotNil(t, e)
		assert.Equal(t, int64(1045), e.Code)
	})

	t.Run("postgres error", func(t *testing.T) {
		src := &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
		e := FromDriver(src)
		require.NotNil(t, e)
		assert.Zero(t, e.Code)
		assert.Equal(t, "23505", e.SQLState)
		assert.Equal(t, "duplicate key value", e.Message)
		assert.True(t, e.Database())
	})

	t.Run("plain error", func(t *testing.T) {
		e := FromDriver(errors.New("broken pipe"))
		require.NotNil(t, e)
		assert.Equal(t, "broken pipe", e.Message)
		assert.False(t, e.Database())
	})
}

func TestErrorRendering(t *testing.T) {
	assert.Equal(t, "(1062) duplicate", (&Error{Message: "duplicate", Code: 1062}).Error())
	assert.Equal(t, "queue busy", New("queue busy").Error())
	assert.Equal(t, "bad option: port", Newf("bad option: %s", "port").Error())
}

func TestCoordinationOrigin(t *testing.T) {
	e := New("transaction is closed")
	assert.False(t, e.Database())
	assert.Zero(t, e.Code)
	assert.Empty(t, e.SQLState)
}
