// Package pgtest boots one throwaway Postgres container per test binary and
// hands each test its own schema with the full table set, so tests can run
// in parallel without seeing each other's rows.
package pgtest

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

//go:embed schema.sql
var schemaSQL string

var (
	once     sync.Once
	shared   *pgxpool.Pool
	startErr error
)

// Pool returns a pool connected to the shared test container and the name of
// a fresh schema created for this test. The schema is dropped on cleanup; the
// container itself is reaped when the test process exits. -short skips.
func Pool(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	once.Do(start)
	if startErr != nil {
		t.Fatalf("Failed to start postgres container: %v", startErr)
	}

	ctx := context.Background()
	schema := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if err := apply(ctx, shared, schema); err != nil {
		t.Fatalf("Failed to create schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		_, _ = shared.Exec(context.Background(),
			"DROP SCHEMA "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
	})
	return shared, schema
}

func start() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("gantry_test"),
		postgres.WithUsername("gantry"),
		postgres.WithPassword("gantry"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		startErr = fmt.Errorf("start postgres container: %w", err)
		return
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		startErr = fmt.Errorf("resolve connection string: %w", err)
		return
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		startErr = fmt.Errorf("parse pgx config: %w", err)
		return
	}
	cfg.MaxConns = 32

	shared, startErr = pgxpool.NewWithConfig(ctx, cfg)
	if startErr != nil {
		_ = testcontainers.TerminateContainer(container)
	}
}

// apply creates the schema and runs the embedded DDL inside it. The fixture
// is one multi-statement script, so it goes through the simple protocol.
func apply(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	ident := pgx.Identifier{schema}.Sanitize()
	script := fmt.Sprintf("CREATE SCHEMA %s;\nSET search_path TO %s;\n%s\nRESET search_path;",
		ident, ident, schemaSQL)

	if _, err := conn.Conn().PgConn().Exec(ctx, script).ReadAll(); err != nil {
		return fmt.Errorf("apply schema ddl: %w", err)
	}
	return nil
}
