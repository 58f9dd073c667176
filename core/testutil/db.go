// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/adalundhe/keel/core/database"
	"github.com/adalundhe/keel/core/schema"
	"github.com/stretchr/testify/require"
)

// OpenDB returns a migrated repository database in a temp dir, using the
// pure-Go driver. It is closed when the test ends.
func OpenDB(t testing.TB) *database.Pool {
	t.Helper()
	cfg := database.DefaultPoolConfig()
	cfg.Driver = database.DriverPure
	pool, err := database.Open(filepath.Join(t.TempDir(), "repo.db"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	require.NoError(t, schema.Apply(context.Background(), pool))
	return pool
}
