// Package testdb connects integration tests to a disposable PostgreSQL
// database. Tests skip when no database is configured, except in CI where a
// missing database is a failure.
package testdb

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/casework/internal/platform/postgres"
)

// EnvTestDBURL names the variable holding the test database URL.
// DATABASE_URL is consulted when it is unset.
const EnvTestDBURL = "CASEWORK_TEST_DB_URL"

var migrateOnce sync.Once

// URL returns the configured test database URL, or "".
func URL() string {
	if u := os.Getenv(EnvTestDBURL); u != "" {
		return u
	}
	return os.Getenv("DATABASE_URL")
}

// Open connects to the test database and applies all migrations once per
// test binary. The connection is closed when t finishes.
func Open(t testing.TB) *sql.DB {
	t.Helper()

	url := URL()
	if url == "" {
		if isCI() {
			t.Fatalf("%s must be set in CI", EnvTestDBURL)
		}
		t.Skipf("%s not set", EnvTestDBURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := postgres.Open(ctx, url, postgres.PoolConfig{MaxOpenConns: 4, MaxIdleConns: 4})
	if err != nil {
		t.Fatalf("connect test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var migrateErr error
	migrateOnce.Do(func() { migrateErr = postgres.Migrate(ctx, db, "up") })
	if migrateErr != nil {
		t.Fatalf("migrate test database: %v", migrateErr)
	}
	return db
}

func isCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI"} {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}
