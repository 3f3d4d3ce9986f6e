package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edgeflare/dbq/pkg/dbq"
	"github.com/edgeflare/dbq/pkg/engine"
	"github.com/edgeflare/dbq/pkg/metrics"
)

var execCmd = &cobra.Command{
	Use:   "exec [statement]",
	Short: "Execute a statement and report affected rows",
	Args:  cobra.ExactArgs(1),
	RunE:  runExec,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [query]",
	Short: "Run a query and print its rows as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Round-trip the connection and report latency",
	Args:  cobra.NoArgs,
	RunE:  runPing,
}

// closer is the lifecycle surface shared by the concrete engines.
type closer interface {
	Close(ctx context.Context) error
}

func newConn() (*dbq.Conn, closer, error) {
	logger, err := buildLogger()
	if err != nil {
		return nil, nil, err
	}

	var (
		eng engine.Engine
		cl  closer
	)
	switch cfg.Engine {
	case "", "mysql":
		e := engine.NewMySQL(cfg.Conn.DSN(), engine.WithLogger(logger))
		eng, cl = e, e
	case "postgres":
		e := engine.NewPostgres(cfg.Conn.URI, engine.WithLogger(logger))
		eng, cl = e, e
	default:
		return nil, nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}

	if cfg.Metrics.Enabled {
		var wg sync.WaitGroup
		metrics.StartPrometheusServer(context.Background(), &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr})
	}

	conn := dbq.New(eng, dbq.WithLogger(logger))
	if derr := conn.StartSync(); derr != nil {
		_ = cl.Close(context.Background())
		return nil, nil, fmt.Errorf("connect: %s", derr.Error())
	}
	return conn, cl, nil
}

func buildLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	return zcfg.Build()
}

func teardown(conn *dbq.Conn, cl closer) {
	if derr := conn.DisconnectSync(); derr != nil {
		fmt.Println("disconnect:", derr.Error())
	}
	_ = cl.Close(context.Background())
}

func runExec(cmd *cobra.Command, args []string) error {
	conn, cl, err := newConn()
	if err != nil {
		return err
	}
	defer teardown(conn, cl)

	res, derr := conn.ExecuteSync(args[0], nil)
	if derr != nil {
		return fmt.Errorf("exec: %s", derr.Error())
	}
	fmt.Printf("rows_affected=%d last_insert_id=%d\n", res.RowsAffected, res.LastInsertID)
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	conn, cl, err := newConn()
	if err != nil {
		return err
	}
	defer teardown(conn, cl)

	rows, derr := conn.FetchSync(args[0], nil)
	if derr != nil {
		return fmt.Errorf("fetch: %s", derr.Error())
	}
	out, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runPing(cmd *cobra.Command, args []string) error {
	conn, cl, err := newConn()
	if err != nil {
		return err
	}
	defer teardown(conn, cl)

	latency, derr := conn.PingSync()
	if derr != nil {
		return fmt.Errorf("ping: %s", derr.Error())
	}
	fmt.Printf("latency=%s\n", latency)
	return nil
}
