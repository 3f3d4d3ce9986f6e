package dbq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectOptions(t *testing.T) {
	t.Run("uri wins", func(t *testing.T) {
		opts, err := ParseConnectOptions(map[string]any{
			"uri": "user:pw@tcp(db:3306)/app",
		})
		require.Nil(t, err)
		assert.Equal(t, "user:pw@tcp(db:3306)/app", opts.DSN())
	})

	t.Run("structured", func(t *testing.T) {
		opts, err := ParseConnectOptions(map[string]any{
			"host":     "db.internal",
			"port":     3307,
			"username": "svc",
			"password": "secret",
			"database": "app",
		})
		require.Nil(t, err)
		assert.Equal(t, "db.internal", opts.Host)
		assert.Equal(t, uint16(3307), opts.Port)
		assert.Contains(t, opts.DSN(), "tcp(db.internal:3307)")
		assert.Contains(t, opts.DSN(), "/app")
	})

	t.Run("aliases", func(t *testing.T) {
		opts, err := ParseConnectOptions(map[string]any{
			"hostname": "db",
			"user":     "svc",
			"password": "secret",
			"db":       "app",
		})
		require.Nil(t, err)
		assert.Equal(t, "db", opts.Host)
		assert.Equal(t, "svc", opts.Username)
		assert.Equal(t, "app", opts.Database)
	})

	t.Run("weak typing", func(t *testing.T) {
		opts, err := ParseConnectOptions(map[string]any{
			"port":     "3308",
			"password": "secret",
			"database": "app",
		})
		require.Nil(t, err)
		assert.Equal(t, uint16(3308), opts.Port)
	})

	t.Run("missing password", func(t *testing.T) {
		_, err := ParseConnectOptions(map[string]any{"database": "app"})
		require.NotNil(t, err)
		assert.Equal(t, "password is required", err.Message)
	})

	t.Run("missing database", func(t *testing.T) {
		_, err := ParseConnectOptions(map[string]any{"password": "secret"})
		require.NotNil(t, err)
		assert.Equal(t, "database name is required", err.Message)
	})
}

func TestDSNDefaults(t *testing.T) {
	opts := &ConnectOptions{Username: "svc", Password: "secret", Database: "app"}
	dsn := opts.DSN()
	assert.Contains(t, dsn, "tcp(127.0.0.1:3306)")

	opts.Charset = "utf8mb4"
	opts.MultiStatements = true
	dsn = opts.DSN()
	assert.Contains(t, dsn, "charset=utf8mb4")
	assert.Contains(t, dsn, "multiStatements=true")
}

func TestParseQueryOpts(t *testing.T) {
	opts, err := ParseQueryOpts(nil)
	require.Nil(t, err)
	assert.Nil(t, opts)

	opts, err = ParseQueryOpts(map[string]any{
		"params": []any{int64(1), "two"},
		"raw":    true,
	})
	require.Nil(t, err)
	require.NotNil(t, opts)
	assert.Equal(t, []any{int64(1), "two"}, opts.Params)
	assert.True(t, opts.Raw)
}
