// Package testutil provisions databases and shared helpers for integration
// tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/civiclens/capitol-ingest/internal/infrastructure/database"
	"github.com/civiclens/capitol-ingest/internal/testutil/containers"
)

// TestDB is a throwaway database with the full migration set applied.
type TestDB struct {
	t  *testing.T
	db *sql.DB
}

// NewTestDB provisions a migrated database for one test. When
// TEST_DATABASE_URL points at a running server it creates a uniquely named
// database there and drops it afterwards; otherwise it starts a postgres
// testcontainer and terminates it when the test finishes.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	var connStr string
	if adminURL := os.Getenv("TEST_DATABASE_URL"); adminURL != "" {
		connStr = createScratchDatabase(t, adminURL)
	} else {
		container, err := containers.NewPostgresContainer(context.Background())
		require.NoError(t, err, "starting postgres container")
		t.Cleanup(func() {
			_ = container.Terminate(context.Background())
		})
		connStr = container.ConnectionString
	}

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	require.NoError(t, db.Ping())

	tdb := &TestDB{t: t, db: db}
	tdb.migrate()
	return tdb
}

// DB returns the underlying database handle.
func (tdb *TestDB) DB() *sql.DB {
	return tdb.db
}

func (tdb *TestDB) migrate() {
	tdb.t.Helper()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := database.NewMigrator(tdb.db, migrationsDir(tdb.t), quiet)
	require.NoError(tdb.t, m.Up(context.Background(), 0), "applying migrations")
}

// migrationsDir resolves the repository migrations directory relative to
// this source file, so tests in any package find the same path regardless
// of their working directory.
func migrationsDir(t *testing.T) string {
	t.Helper()

	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok, "resolving migrations path")
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// createScratchDatabase creates a uniquely named database on the server at
// adminURL and registers a cleanup that drops it.
func createScratchDatabase(t *testing.T, adminURL string) string {
	t.Helper()

	admin, err := sql.Open("postgres", adminURL)
	require.NoError(t, err)
	defer admin.Close()

	name := fmt.Sprintf("capitol_test_%d", time.Now().UnixNano())
	_, err = admin.Exec("CREATE DATABASE " + name)
	require.NoError(t, err)

	t.Cleanup(func() {
		admin, err := sql.Open("postgres", adminURL)
		if err != nil {
			return
		}
		defer admin.Close()
		_, _ = admin.Exec("DROP DATABASE IF EXISTS " + name)
	})

	u, err := url.Parse(adminURL)
	require.NoError(t, err, "parsing TEST_DATABASE_URL")
	u.Path = "/" + name
	return u.String()
}

// TruncateTables clears every ingest table between test cases. Truncating
// the parents cascades into the detail tables.
func (tdb *TestDB) TruncateTables() {
	tdb.t.Helper()

	_, err := tdb.db.ExecContext(context.Background(),
		"TRUNCATE TABLE bills, votes, legislators RESTART IDENTITY CASCADE")
	require.NoError(tdb.t, err)
}

// RowCount returns the number of rows currently in table.
func (tdb *TestDB) RowCount(table string) int {
	tdb.t.Helper()

	var count int
	err := tdb.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
	require.NoError(tdb.t, err)
	return count
}

// AssertRowCount asserts the number of rows in a table.
func (tdb *TestDB) AssertRowCount(table string, expected int) {
	tdb.t.Helper()
	require.Equal(tdb.t, expected, tdb.RowCount(table), "row count for %s", table)
}
