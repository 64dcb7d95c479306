package storetest

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"stelligence/internal/store"
)

// PostgresURLEnv names the database the integration tests run against.
const PostgresURLEnv = "STELLIGENCE_TEST_DATABASE_URL"

// Postgres returns a store on a fresh, migrated schema. The test is skipped
// in short mode or when STELLIGENCE_TEST_DATABASE_URL is unset.
func Postgres(t testing.TB) *store.PostgresStore {
	t.Helper()
	db := EmptyPostgres(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := store.ApplyMigrations(ctx, db, store.Migrations("")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store.NewPostgresStore(db)
}

// EmptyPostgres opens a connection pool whose search_path is a new schema
// dropped when the test ends. Each test gets its own schema so packages
// can run in parallel against one database.
func EmptyPostgres(t testing.TB) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv(PostgresURLEnv))
	if dsn == "" {
		t.Skipf("%s is not set", PostgresURLEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	admin, err := store.Open(ctx, dsn, 2)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	schema := fmt.Sprintf("stelligence_test_%d_%d", os.Getpid(), time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, `CREATE SCHEMA `+schema); err != nil {
		_ = admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	db, err := store.Open(ctx, withSearchPath(dsn, schema), 8)
	if err != nil {
		_ = admin.Close()
		t.Fatalf("open postgres schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		_ = db.Close()
		_, _ = admin.ExecContext(context.Background(), `DROP SCHEMA IF EXISTS `+schema+` CASCADE`)
		_ = admin.Close()
	})
	return db
}

// withSearchPath sets search_path as a connection runtime parameter for both
// URL and key=value connection strings.
func withSearchPath(dsn, schema string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err == nil {
			q := u.Query()
			q.Set("search_path", schema)
			u.RawQuery = q.Encode()
			return u.String()
		}
	}
	return dsn + " search_path=" + schema
}
