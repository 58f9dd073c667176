package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPool(t *testing.T) *Pool {
	t.Helper()
	cfg := DefaultPoolConfig()
	cfg.Driver = DriverPure
	pool, err := Open(filepath.Join(t.TempDir(), "test.db"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.Driver = "postgres"
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), cfg)
	assert.Error(t, err)
}

func TestBuildDSN(t *testing.T) {
	cfg := DefaultPoolConfig()
	dsn, err := buildDSN("/r/repo.db", cfg)
	require.NoError(t, err)
	assert.Equal(t, "file:/r/repo.db?_busy_timeout=30000&_journal_mode=WAL&_foreign_keys=0", dsn)

	cfg.Driver = DriverPure
	cfg.EnableWAL = false
	dsn, err = buildDSN("/r/repo.db", cfg)
	require.NoError(t, err)
	assert.Contains(t, dsn, "_pragma=journal_mode(DELETE)")
}

func TestPoolTransaction(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, "CREATE TABLE t(x INTEGER)")
	require.NoError(t, err)

	t.Run("commits on success", func(t *testing.T) {
		err := pool.Transaction(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "INSERT INTO t VALUES(1)")
			return err
		})
		require.NoError(t, err)

		var n int
		require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM t").Scan(&n))
		assert.Equal(t, 1, n)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := pool.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO t VALUES(2)"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		var n int
		require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM t").Scan(&n))
		assert.Equal(t, 1, n)
	})
}

func TestMigrator(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	migrations := []Migration{
		{
			Version:     2,
			Description: "add column",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return ExecAll(ctx, tx, "ALTER TABLE a ADD COLUMN y TEXT")
			},
		},
		{
			Version:     1,
			Description: "create a",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return ExecAll(ctx, tx, "CREATE TABLE a(x INTEGER)")
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				return ExecAll(ctx, tx, "DROP TABLE a")
			},
		},
	}

	m := NewMigrator(pool, migrations)
	pending, err := m.PendingMigrations()
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, m.Migrate(ctx))
	v, err := pool.Version()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	// Re-running is a no-op.
	require.NoError(t, m.Migrate(ctx))

	_, err = pool.Exec(ctx, "INSERT INTO a(x, y) VALUES(1, 'z')")
	require.NoError(t, err)

	err = m.Rollback(ctx, 0)
	assert.Error(t, err, "migration 2 has no down step")
	require.NoError(t, pool.IntegrityCheck())
}

func TestAdvisoryLock(t *testing.T) {
	dir := t.TempDir()
	first, err := NewAdvisoryLock(dir, "checkout")
	require.NoError(t, err)
	second, err := NewAdvisoryLock(dir, "checkout")
	require.NoError(t, err)

	require.NoError(t, first.Acquire(context.Background(), time.Second))

	ok, err := second.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)

	err = second.Acquire(context.Background(), 120*time.Millisecond)
	assert.Error(t, err)

	require.NoError(t, first.Release())
	ok, err = second.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Release())
}
