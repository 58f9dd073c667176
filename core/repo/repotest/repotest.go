// Package repotest builds throwaway repositories for tests.
package repotest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adalundhe/keel/core/config"
	"github.com/adalundhe/keel/core/database"
	"github.com/adalundhe/keel/core/repo"
	"github.com/adalundhe/keel/core/report"
)

// Option adjusts the settings a fixture repository is opened with.
type Option func(*config.Config)

func WithBinaryGlob(patterns ...string) Option {
	return func(c *config.Config) { c.Merge.BinaryGlob = patterns }
}

func WithCaseInsensitive() Option {
	return func(c *config.Config) { c.Merge.CaseSensitive = false }
}

func WithIgnoreGlob(patterns ...string) Option {
	return func(c *config.Config) { c.Merge.IgnoreGlob = patterns }
}

type Fixture struct {
	T     testing.TB
	Ctx   context.Context
	Repo  *repo.Repo
	Lines *report.Collector
	// Root is the initial empty check-in.
	Root  repo.RID
	clock time.Time
}

// New initializes a repository in a temp dir. Its clock starts at a fixed
// instant and advances one second per artifact, so check-in order is
// deterministic.
func New(t testing.TB, opts ...Option) *Fixture {
	t.Helper()
	settings := config.DefaultConfig()
	settings.User = "tester"
	settings.Database.Driver = database.DriverPure
	for _, o := range opts {
		o(settings)
	}

	f := &Fixture{
		T:     t,
		Ctx:   context.Background(),
		Lines: &report.Collector{},
		clock: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	r, err := repo.Init(f.Ctx, t.TempDir(), "test", repo.Config{
		Settings: settings,
		Reporter: f.Lines,
		Now:      f.now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	f.Repo = r
	f.Root = f.Current()
	f.Lines.Reset()
	return f
}

func (f *Fixture) now() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

// Do runs fn in a transaction and fails the test on error.
func (f *Fixture) Do(fn func(tx *repo.Tx) error) {
	f.T.Helper()
	require.NoError(f.T, f.Repo.Update(f.Ctx, fn))
}

func (f *Fixture) Write(name, data string) {
	f.T.Helper()
	require.NoError(f.T, f.Repo.FS().WriteFile(name, []byte(data), false))
}

func (f *Fixture) Read(name string) string {
	f.T.Helper()
	data, err := f.Repo.FS().ReadFile(name)
	require.NoError(f.T, err)
	return string(data)
}

func (f *Fixture) Exists(name string) bool {
	f.T.Helper()
	info, err := f.Repo.FS().Lstat(name)
	require.NoError(f.T, err)
	return info.Exists
}

// Add writes files (name -> content) and starts tracking them.
func (f *Fixture) Add(files map[string]string) {
	f.T.Helper()
	for name, data := range files {
		f.Write(name, data)
	}
	f.Do(func(tx *repo.Tx) error {
		for name := range files {
			if _, err := tx.Checkout.Add(f.Ctx, name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (f *Fixture) Commit(comment string) repo.RID {
	f.T.Helper()
	return f.CommitWith(repo.CheckinOptions{Comment: comment})
}

func (f *Fixture) CommitWith(opts repo.CheckinOptions) repo.RID {
	f.T.Helper()
	var rid repo.RID
	f.Do(func(tx *repo.Tx) error {
		var err error
		rid, err = tx.Checkin(f.Ctx, opts)
		return err
	})
	return rid
}

// Checkout switches the working tree to rid, discarding local changes.
func (f *Fixture) Checkout(rid repo.RID) {
	f.T.Helper()
	f.Do(func(tx *repo.Tx) error { return tx.Checkout.Switch(f.Ctx, rid, true) })
	f.Lines.Reset()
}

func (f *Fixture) Current() repo.RID {
	f.T.Helper()
	var rid repo.RID
	require.NoError(f.T, f.Repo.View(f.Ctx, func(tx *repo.Tx) error {
		var err error
		rid, err = tx.Checkout.Current(f.Ctx)
		return err
	}))
	return rid
}
