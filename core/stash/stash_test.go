package stash

import (
	"context"
	"testing"
	"time"

	"github.com/adalundhe/keel/core/checkout"
	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/filesystem"
	"github.com/adalundhe/keel/core/manifest"
	"github.com/adalundhe/keel/core/match"
	"github.com/adalundhe/keel/core/report"
	"github.com/adalundhe/keel/core/testutil"
	"github.com/adalundhe/keel/core/undo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *content.Store
	fs    *filesystem.FilesystemManager
	co    *checkout.Checkout
	undo  *undo.Manager
	lines *report.Collector
	s     *Stash
}

func newFixture(t *testing.T) *fixture {
	pool := testutil.OpenDB(t)
	store, err := content.NewStore(pool.DB(), content.Config{})
	require.NoError(t, err)
	fsys, err := filesystem.NewFilesystemManager(t.TempDir(), filesystem.DefaultFilesystemConfig())
	require.NoError(t, err)
	lines := &report.Collector{}
	co := checkout.New(store, checkout.Config{FS: fsys, Collation: match.Exact})
	u := undo.New(pool.DB(), undo.Config{FS: fsys})
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store,
		fs:    fsys,
		co:    co,
		undo:  u,
		lines: lines,
		s:     New(store, co, u, Config{Reporter: lines}),
	}

	vid := f.commit(map[string]string{
		"a.txt": "alpha\nbeta\ngamma\n",
		"b.txt": "bravo\n",
	})
	require.NoError(t, co.Switch(f.ctx, vid, false))
	return f
}

func (f *fixture) commit(files map[string]string) content.RID {
	f.t.Helper()
	m := &manifest.Manifest{Comment: "base", Date: time.UnixMilli(1_700_000_000_000), User: "tester"}
	for name, data := range files {
		rid, err := f.store.Put(f.ctx, []byte(data))
		require.NoError(f.t, err)
		uuid, err := f.store.UUIDOf(f.ctx, rid)
		require.NoError(f.t, err)
		m.Files = append(m.Files, manifest.File{Name: name, UUID: uuid})
	}
	rid, err := f.store.Put(f.ctx, m.Bytes())
	require.NoError(f.t, err)
	return rid
}

func (f *fixture) write(name, data string) {
	f.t.Helper()
	require.NoError(f.t, f.fs.WriteFile(name, []byte(data), false))
}

func (f *fixture) read(name string) (string, bool) {
	f.t.Helper()
	info, err := f.fs.Lstat(name)
	require.NoError(f.t, err)
	if !info.Exists {
		return "", false
	}
	data, err := f.fs.ReadFile(name)
	require.NoError(f.t, err)
	return string(data), true
}

// dirty edits a.txt, adds c.txt and removes b.txt.
func (f *fixture) dirty() {
	f.t.Helper()
	f.write("a.txt", "ALPHA\nbeta\ngamma\n!\n")
	f.write("c.txt", "charlie\n")
	_, err := f.co.Add(f.ctx, "c.txt")
	require.NoError(f.t, err)
	require.NoError(f.t, f.co.Remove(f.ctx, "b.txt"))
	require.NoError(f.t, f.fs.Remove("b.txt"))
}

func TestSaveRevertsAndApplyRestores(t *testing.T) {
	f := newFixture(t)
	f.dirty()

	id, err := f.s.Save(f.ctx, "wip", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	a, _ := f.read("a.txt")
	assert.Equal(t, "alpha\nbeta\ngamma\n", a)
	b, ok := f.read("b.txt")
	assert.True(t, ok)
	assert.Equal(t, "bravo\n", b)
	_, ok = f.read("c.txt")
	assert.False(t, ok)

	changes, err := f.co.Changes(f.ctx)
	require.NoError(t, err)
	assert.True(t, changes.Empty())

	entries, err := f.s.List(f.ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "wip", entries[0].Comment)
	assert.Equal(t, 3, entries[0].Files)

	res, err := f.s.Apply(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updates)
	assert.Equal(t, 1, res.Adds)
	assert.Equal(t, 1, res.Deletes)
	assert.Zero(t, res.Conflicts)

	a, _ = f.read("a.txt")
	assert.Equal(t, "ALPHA\nbeta\ngamma\n!\n", a)
	c, _ := f.read("c.txt")
	assert.Equal(t, "charlie\n", c)
	_, ok = f.read("b.txt")
	assert.False(t, ok)

	cf, err := f.co.File(f.ctx, "c.txt")
	require.NoError(t, err)
	assert.True(t, cf.IsAdded())
	bf, err := f.co.File(f.ctx, "b.txt")
	require.NoError(t, err)
	assert.True(t, bf.Deleted)

	// Apply keeps the entry.
	entries, err = f.s.List(f.ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestApplyMergesLaterEdits(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "ALPHA!\nbeta\ngamma\n")
	_, err := f.s.Save(f.ctx, "", nil)
	require.NoError(t, err)

	f.write("a.txt", "alpha\nbeta\nGAMMA!\n")
	res, err := f.s.Apply(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merges)
	assert.Zero(t, res.Conflicts)
	assert.Contains(t, f.lines.Lines(), "MERGE a.txt")

	a, _ := f.read("a.txt")
	assert.Equal(t, "ALPHA!\nbeta\nGAMMA!\n", a)
}

func TestApplyCountsConflicts(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "alpha\nmine!!\ngamma\n")
	_, err := f.s.Save(f.ctx, "", nil)
	require.NoError(t, err)

	f.write("a.txt", "alpha\ntheirs!\ngamma\n")
	res, err := f.s.Apply(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Contains(t, f.lines.Lines(), "CONFLICT a.txt")
	assert.Contains(t, f.lines.Lines(), "WARNING: 1 merge conflicts")
}

func TestApplyOverSymlinkConflicts(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "alpha\nstashed\ngamma\n")
	_, err := f.s.Save(f.ctx, "", nil)
	require.NoError(t, err)

	require.NoError(t, f.fs.Symlink("b.txt", "a.txt"))
	res, err := f.s.Apply(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Zero(t, res.Merges)
	assert.Zero(t, res.Updates)
	assert.Contains(t, f.lines.Lines(), "***** Cannot merge symlink a.txt")

	info, err := f.fs.Lstat("a.txt")
	require.NoError(t, err)
	assert.True(t, info.Symlink)
	target, _ := f.read("a.txt")
	assert.Equal(t, "b.txt", target)
}

func TestSaveWithoutChanges(t *testing.T) {
	f := newFixture(t)
	_, err := f.s.Save(f.ctx, "", nil)
	assert.ErrorIs(t, err, errors.ErrPrecondition)
}

func TestSavePathFilter(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "edited a\n")
	f.write("b.txt", "edited bravo\n")

	_, err := f.s.Save(f.ctx, "", []string{"b.txt"})
	require.NoError(t, err)

	a, _ := f.read("a.txt")
	assert.Equal(t, "edited a\n", a)
	b, _ := f.read("b.txt")
	assert.Equal(t, "bravo\n", b)

	_, files, err := f.s.Info(f.ctx, 1)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "b.txt", files[0].NewName)
	assert.Equal(t, Modified, files[0].Kind)
}

func TestSnapshotLeavesTree(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "snap\n")
	_, err := f.s.Snapshot(f.ctx, "snap", nil)
	require.NoError(t, err)

	a, _ := f.read("a.txt")
	assert.Equal(t, "snap\n", a)
	entries, err := f.s.List(f.ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSaveIsUndoable(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "work in progress!!\n")
	_, err := f.s.Save(f.ctx, "", nil)
	require.NoError(t, err)

	require.NoError(t, f.undo.Undo(f.ctx, false))
	a, _ := f.read("a.txt")
	assert.Equal(t, "work in progress!!\n", a)
}

func TestSaveStashesRename(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.co.Rename(f.ctx, "b.txt", "d.txt", true))

	_, err := f.s.Save(f.ctx, "", nil)
	require.NoError(t, err)
	_, ok := f.read("d.txt")
	assert.False(t, ok)
	b, _ := f.read("b.txt")
	assert.Equal(t, "bravo\n", b)

	res, err := f.s.Apply(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Renames)
	d, ok := f.read("d.txt")
	assert.True(t, ok)
	assert.Equal(t, "bravo\n", d)
	_, ok = f.read("b.txt")
	assert.False(t, ok)
}

func TestPopAndDrop(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "first stash\n")
	_, err := f.s.Save(f.ctx, "one", nil)
	require.NoError(t, err)
	f.write("b.txt", "second stash\n")
	_, err = f.s.Save(f.ctx, "two", nil)
	require.NoError(t, err)

	entries, err := f.s.List(f.ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Comment)

	_, err = f.s.Pop(f.ctx)
	require.NoError(t, err)
	b, _ := f.read("b.txt")
	assert.Equal(t, "second stash\n", b)

	require.NoError(t, f.s.Drop(f.ctx, 1))
	entries, err = f.s.List(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = f.s.Pop(f.ctx)
	assert.ErrorIs(t, err, errors.ErrPrecondition)
	assert.ErrorIs(t, f.s.Drop(f.ctx, 9), errors.ErrPrecondition)
	_, err = f.s.Apply(f.ctx, 9)
	assert.ErrorIs(t, err, errors.ErrPrecondition)
}

func TestDiff(t *testing.T) {
	f := newFixture(t)
	f.dirty()
	_, err := f.s.Save(f.ctx, "", nil)
	require.NoError(t, err)

	out, err := f.s.Diff(f.ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, out, "--- a.txt\n+++ a.txt\n")
	assert.Contains(t, out, "-alpha\n")
	assert.Contains(t, out, "+ALPHA\n")
	assert.Contains(t, out, "-bravo\n")
	assert.Contains(t, out, "+charlie\n")

	_, err = f.s.Diff(f.ctx, 7)
	assert.ErrorIs(t, err, errors.ErrPrecondition)
}
