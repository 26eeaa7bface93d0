// Package sqlitetest opens throwaway databases for package tests.
package sqlitetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tomberek/sqlnorm/sqlite"
)

// Open creates an empty database file under t.TempDir using the default
// driver. It is closed when the test ends.
func Open(t testing.TB) *sqlite.DB {
	t.Helper()
	return OpenDriver(t, sqlite.DriverCGO)
}

// OpenDriver is Open with an explicit driver name.
func OpenDriver(t testing.TB, driver string) *sqlite.DB {
	t.Helper()
	cfg := sqlite.DefaultConfig()
	cfg.Driver = driver
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	db, err := sqlite.Create(context.Background(), cfg, sqlite.Overwrite)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// Exec runs statements and fails the test on the first error.
func Exec(t testing.TB, conn sqlite.Conn, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		_, err := conn.ExecContext(context.Background(), s)
		require.NoError(t, err, s)
	}
}

// Count returns the number of rows in table.
func Count(t testing.TB, conn sqlite.Conn, table string) int64 {
	t.Helper()
	n, err := sqlite.CountRows(context.Background(), conn, table)
	require.NoError(t, err)
	return n
}
