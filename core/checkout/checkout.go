// Package checkout keeps the records of a working tree: which check-in it
// is based on (vvar), the state of every tracked file (vfile) and pending
// merge sources (vmerge).
package checkout

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/database"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/filesystem"
	"github.com/adalundhe/keel/core/manifest"
	"github.com/adalundhe/keel/core/match"
	"github.com/adalundhe/keel/core/report"
	"github.com/adalundhe/keel/core/schema"
)

type Config struct {
	FS        filesystem.FS
	Collation match.Collation
	Logger    *slog.Logger
	Reporter  report.Reporter
}

type Checkout struct {
	q        database.Querier
	store    *content.Store
	fs       filesystem.FS
	coll     match.Collation
	logger   *slog.Logger
	reporter report.Reporter
}

func New(store *content.Store, cfg Config) *Checkout {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = report.Discard
	}
	return &Checkout{
		q:        store.Querier(),
		store:    store,
		fs:       cfg.FS,
		coll:     cfg.Collation,
		logger:   cfg.Logger,
		reporter: cfg.Reporter,
	}
}

func (c *Checkout) FS() filesystem.FS { return c.fs }

func (c *Checkout) Collation() match.Collation { return c.coll }

// Current returns the check-in the working tree is based on.
func (c *Checkout) Current(ctx context.Context) (RID, error) {
	var vid RID
	err := c.q.QueryRowContext(ctx, `SELECT value FROM vvar WHERE name = ?`, schema.VarCheckout).Scan(&vid)
	if err == sql.ErrNoRows {
		return 0, errors.Precondition("checkout", "no open checkout")
	}
	if err != nil {
		return 0, fmt.Errorf("read checkout: %w", err)
	}
	return vid, nil
}

// IsOpen reports whether a checkout exists.
func (c *Checkout) IsOpen(ctx context.Context) (bool, error) {
	_, err := c.Current(ctx)
	if errors.Is(err, errors.ErrPrecondition) {
		return false, nil
	}
	return err == nil, err
}

// SetCurrent records vid as the checkout's baseline.
func (c *Checkout) SetCurrent(ctx context.Context, vid RID) error {
	uuid, err := c.store.UUIDOf(ctx, vid)
	if err != nil {
		return err
	}
	for name, value := range map[string]any{schema.VarCheckout: vid, schema.VarCheckoutUUID: uuid} {
		if _, err := c.q.ExecContext(ctx, `INSERT OR REPLACE INTO vvar(name, value) VALUES (?, ?)`, name, value); err != nil {
			return fmt.Errorf("set checkout: %w", err)
		}
	}
	return nil
}

// Load replaces the vfile rows of vid with the files of its manifest.
// Files whose content is unknown get phantom rows.
func (c *Checkout) Load(ctx context.Context, vid RID) (int, error) {
	m, err := manifest.Load(ctx, c.store, vid)
	if err != nil {
		return 0, err
	}
	if _, err := c.q.ExecContext(ctx, `DELETE FROM vfile WHERE vid = ?`, vid); err != nil {
		return 0, err
	}
	for _, mf := range m.Files {
		rid, err := c.store.RIDOf(ctx, mf.UUID)
		if errors.IsNotFound(err) {
			rid, err = c.store.NewPhantom(ctx, mf.UUID)
		}
		if err != nil {
			return 0, err
		}
		f := &File{
			VID:  vid,
			Exec: mf.Perm == manifest.PermExec,
			Link: mf.Perm == manifest.PermSymlink,
			RID:  rid,
			MRID: rid,
			Path: mf.Name,
		}
		if _, err := c.Insert(ctx, f); err != nil {
			return 0, err
		}
	}
	return len(m.Files), nil
}

// Add starts tracking path, or undoes a pending removal of it. It reports
// false when path was already tracked.
func (c *Checkout) Add(ctx context.Context, path string) (bool, error) {
	info, err := c.fs.Lstat(path)
	if err != nil {
		return false, err
	}
	if !info.Exists {
		return false, errors.NotFound("file", path)
	}

	f, err := c.File(ctx, path)
	switch {
	case err == nil && f.Deleted:
		f.Deleted = false
		return true, c.Update(ctx, f)
	case err == nil:
		return false, nil
	case !errors.IsNotFound(err):
		return false, err
	}

	_, err = c.Insert(ctx, &File{
		Changed: Edited,
		Exec:    info.Exec,
		Link:    info.Symlink,
		MTime:   info.ModTime.UnixMilli(),
		Path:    path,
	})
	if err == nil {
		report.Printf(c.reporter, "ADDED  %s", path)
	}
	return err == nil, err
}

// Remove stops tracking path. The file on disk is left alone.
func (c *Checkout) Remove(ctx context.Context, path string) error {
	f, err := c.File(ctx, path)
	if err != nil {
		return err
	}
	report.Printf(c.reporter, "DELETED %s", f.Path)
	if f.RID == 0 {
		return c.DeleteRow(ctx, f.ID)
	}
	f.Deleted = true
	return c.Update(ctx, f)
}

// Rename records that from is now called to. With onDisk set the working
// file is moved as well.
func (c *Checkout) Rename(ctx context.Context, from, to string, onDisk bool) error {
	f, err := c.File(ctx, from)
	if err != nil {
		return err
	}
	existing, err := c.File(ctx, to)
	switch {
	case err == nil && existing.ID != f.ID && !existing.Deleted:
		return errors.Precondition("rename", "%s is already tracked", to)
	case err == nil && existing.ID != f.ID:
		// A pending removal gives up its name.
		if err := c.DeleteRow(ctx, existing.ID); err != nil {
			return err
		}
	case err != nil && !errors.IsNotFound(err):
		return err
	}

	if onDisk {
		data, err := c.fs.ReadFile(from)
		if err != nil {
			return err
		}
		if f.Link {
			err = c.fs.Symlink(string(data), to)
		} else {
			err = c.fs.WriteFile(to, data, f.Exec)
		}
		if err != nil {
			return err
		}
		if !c.coll.Equal(from, to) {
			if err := c.fs.Remove(from); err != nil {
				return err
			}
		}
	}

	switch {
	case f.RID == 0:
		f.OrigName = ""
	case f.OrigName == "":
		f.OrigName = f.Path
	case f.OrigName == to:
		f.OrigName = ""
	}
	f.Path = to
	report.Printf(c.reporter, "RENAME %s %s", from, to)
	return c.Update(ctx, f)
}

// Switch makes vid the checkout: every file of vid is written to disk and
// committed files of the old checkout that vid lacks are removed. Local changes make it
// fail unless force is set.
func (c *Checkout) Switch(ctx context.Context, vid RID, force bool) error {
	cur, err := c.Current(ctx)
	if err != nil && !errors.Is(err, errors.ErrPrecondition) {
		return err
	}

	var old []*File
	if cur != 0 {
		if !force {
			changes, err := c.Changes(ctx)
			if err != nil {
				return err
			}
			if !changes.Empty() {
				return errors.Precondition("checkout", "the working tree has uncommitted changes")
			}
		}
		if old, err = c.FilesOf(ctx, cur); err != nil {
			return err
		}
	}

	if _, err := c.Load(ctx, vid); err != nil {
		return err
	}
	files, err := c.FilesOf(ctx, vid)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(files))
	for _, f := range files {
		keep[c.coll.Key(f.Path)] = true
		if err := c.WriteBaseline(ctx, f); err != nil {
			return err
		}
	}
	for _, f := range old {
		if f.RID != 0 && !keep[c.coll.Key(f.Path)] {
			if err := c.fs.Remove(f.Path); err != nil {
				return err
			}
			report.Printf(c.reporter, "REMOVE %s", f.Path)
		}
	}

	if cur != 0 && cur != vid {
		if _, err := c.q.ExecContext(ctx, `DELETE FROM vfile WHERE vid = ?`, cur); err != nil {
			return err
		}
	}
	if err := c.ClearMerge(ctx); err != nil {
		return err
	}
	c.logger.Debug("checkout switched", "from", cur, "to", vid, "files", len(files))
	return c.SetCurrent(ctx, vid)
}

// WriteBaseline writes f's baseline content to disk and records the new
// mtime.
func (c *Checkout) WriteBaseline(ctx context.Context, f *File) error {
	data, err := c.store.Get(ctx, f.RID)
	if err != nil {
		return fmt.Errorf("%s: %w", f.Path, err)
	}
	if err := c.WriteFile(f, data); err != nil {
		return err
	}
	return c.touch(ctx, f)
}

// WriteFile writes data at f's path honoring its link and exec flags.
func (c *Checkout) WriteFile(f *File, data []byte) error {
	if f.Link {
		return c.fs.Symlink(string(data), f.Path)
	}
	return c.fs.WriteFile(f.Path, data, f.Exec)
}

func (c *Checkout) touch(ctx context.Context, f *File) error {
	info, err := c.fs.Lstat(f.Path)
	if err != nil {
		return err
	}
	f.MTime = info.ModTime.UnixMilli()
	_, err = c.q.ExecContext(ctx, `UPDATE vfile SET mtime = ? WHERE id = ?`, f.MTime, f.ID)
	return err
}

// Baseline returns the committed content of f.
func (c *Checkout) Baseline(ctx context.Context, f *File) ([]byte, error) {
	if f.RID == 0 {
		return nil, nil
	}
	return c.store.Get(ctx, f.RID)
}
