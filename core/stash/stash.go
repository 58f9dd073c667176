// Package stash saves uncommitted working-tree changes under a numbered
// entry and brings them back later, merging with whatever happened to the
// files in between.
package stash

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/adalundhe/keel/core/checkout"
	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/database"
	"github.com/adalundhe/keel/core/delta"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/report"
	"github.com/adalundhe/keel/core/textdiff"
	"github.com/adalundhe/keel/core/undo"
)

type RID = content.RID

type Config struct {
	Merger   textdiff.Merger
	Differ   textdiff.Differ
	Logger   *slog.Logger
	Reporter report.Reporter
	Now      func() time.Time
}

type Stash struct {
	q        database.Querier
	store    *content.Store
	co       *checkout.Checkout
	undo     *undo.Manager
	merger   textdiff.Merger
	differ   textdiff.Differ
	logger   *slog.Logger
	reporter report.Reporter
	now      func() time.Time
}

func New(store *content.Store, co *checkout.Checkout, u *undo.Manager, cfg Config) *Stash {
	if cfg.Differ == nil {
		cfg.Differ = textdiff.NewMyersDiffer()
	}
	if cfg.Merger == nil {
		cfg.Merger = textdiff.NewMerger(cfg.Differ)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = report.Discard
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Stash{
		q:        store.Querier(),
		store:    store,
		co:       co,
		undo:     u,
		merger:   cfg.Merger,
		differ:   cfg.Differ,
		logger:   cfg.Logger,
		reporter: cfg.Reporter,
		now:      cfg.Now,
	}
}

// Kind is what a stash entry records about one file.
type Kind int

const (
	Modified Kind = iota
	Added
	Removed
)

var kindNames = map[Kind]string{
	Modified: "modified",
	Added:    "added",
	Removed:  "removed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// File is one stashfile row.
type File struct {
	Kind     Kind
	Exec     bool
	Link     bool
	RID      RID
	OrigName string
	NewName  string
	// Data is full content for an added file, a delta against RID for a
	// modified one, and nil for a removal.
	Data []byte
}

func (f *File) IsRenamed() bool {
	return f.OrigName != f.NewName
}

type Entry struct {
	ID      int64
	VID     RID
	UUID    content.UUID
	Comment string
	Created time.Time
	Files   int
}

// Save stashes the changes to paths (every change when paths is empty) and
// reverts those files to their baseline. It is undoable.
func (s *Stash) Save(ctx context.Context, comment string, paths []string) (int64, error) {
	return s.save(ctx, comment, paths, true)
}

// Snapshot stashes like Save but leaves the working tree alone.
func (s *Stash) Snapshot(ctx context.Context, comment string, paths []string) (int64, error) {
	return s.save(ctx, comment, paths, false)
}

func (s *Stash) save(ctx context.Context, comment string, paths []string, revert bool) (int64, error) {
	vid, err := s.co.Current(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := s.co.CheckSignatures(ctx, false); err != nil {
		return 0, err
	}
	files, err := s.co.FilesOf(ctx, vid)
	if err != nil {
		return 0, err
	}

	var picked []*checkout.File
	for _, f := range files {
		if changed(f) && selected(f, paths) {
			picked = append(picked, f)
		}
	}
	if len(picked) == 0 {
		return 0, errors.Precondition("stash", "no changes to stash")
	}

	var id int64
	if err := s.q.QueryRowContext(ctx, `SELECT coalesce(max(stashid), 0) + 1 FROM stash`).Scan(&id); err != nil {
		return 0, err
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO stash(stashid, vid, comment, ctime) VALUES (?, ?, ?, ?)`,
		id, vid, comment, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("create stash: %w", err)
	}

	for _, f := range picked {
		sf, err := s.capture(ctx, f)
		if err != nil {
			return 0, err
		}
		if err := s.insertFile(ctx, id, sf); err != nil {
			return 0, err
		}
	}
	s.logger.Debug("stash saved", "id", id, "files", len(picked), "revert", revert)

	if revert {
		if err := s.revert(ctx, picked); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func changed(f *checkout.File) bool {
	return f.Deleted || f.IsAdded() || f.Changed != checkout.Unchanged || f.IsRenamed()
}

// selected reports whether f is named by paths, directly or by a
// directory prefix.
func selected(f *checkout.File, paths []string) bool {
	if len(paths) == 0 {
		return true
	}
	for _, p := range paths {
		p = strings.TrimSuffix(path.Clean(p), "/")
		if p == "." || f.Path == p || strings.HasPrefix(f.Path, p+"/") {
			return true
		}
	}
	return false
}

func (s *Stash) capture(ctx context.Context, f *checkout.File) (*File, error) {
	sf := &File{RID: f.RID, Exec: f.Exec, Link: f.Link, NewName: f.Path, OrigName: f.Path}
	if f.IsRenamed() {
		sf.OrigName = f.OrigName
	}

	fsys := s.co.FS()
	switch {
	case f.Deleted:
		sf.Kind = Removed
		return sf, nil
	case f.IsAdded():
		sf.Kind = Added
		sf.RID = 0
		data, err := fsys.ReadFile(f.Path)
		if err != nil {
			return nil, err
		}
		sf.Data = data
		return sf, nil
	}

	sf.Kind = Modified
	info, err := fsys.Lstat(f.Path)
	if err != nil {
		return nil, err
	}
	base, err := s.co.Baseline(ctx, f)
	if err != nil {
		return nil, err
	}
	current := base
	if info.Exists {
		if current, err = fsys.ReadFile(f.Path); err != nil {
			return nil, err
		}
		sf.Exec, sf.Link = info.Exec, info.Symlink
	}
	sf.Data = delta.Create(base, current)
	return sf, nil
}

func (s *Stash) insertFile(ctx context.Context, id int64, sf *File) error {
	var packed []byte
	if sf.Data != nil {
		var err error
		if packed, err = content.Compress(sf.Data); err != nil {
			return err
		}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO stashfile(stashid, isadded, isremoved, isexec, islink, rid, origname, newname, delta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sf.Kind == Added, sf.Kind == Removed, sf.Exec, sf.Link, sf.RID, sf.OrigName, sf.NewName, packed)
	if err != nil {
		return fmt.Errorf("stash %s: %w", sf.NewName, err)
	}
	return nil
}

// revert puts the stashed files back to their baseline state.
func (s *Stash) revert(ctx context.Context, files []*checkout.File) error {
	if err := s.undo.Begin(ctx); err != nil {
		return err
	}
	fsys := s.co.FS()
	for _, f := range files {
		if err := s.undo.SavePath(ctx, f.Path); err != nil {
			return err
		}
		if f.IsRenamed() {
			if err := s.undo.SavePath(ctx, f.OrigName); err != nil {
				return err
			}
		}

		if f.IsAdded() {
			// Added locally or by a merge: the file and its row both go.
			if err := fsys.Remove(f.Path); err != nil {
				return err
			}
			if err := s.co.DeleteRow(ctx, f.ID); err != nil {
				return err
			}
			report.Printf(s.reporter, "REVERT %s", f.Path)
			continue
		}
		if f.IsRenamed() {
			if err := fsys.Remove(f.Path); err != nil {
				return err
			}
			f.Path, f.OrigName = f.OrigName, ""
		}
		f.Deleted = false
		f.Changed = checkout.Unchanged
		f.MRID = f.RID
		if err := s.co.Update(ctx, f); err != nil {
			return err
		}
		if err := s.co.WriteBaseline(ctx, f); err != nil {
			return err
		}
		report.Printf(s.reporter, "REVERT %s", f.Path)
	}
	return s.undo.Finish(ctx)
}

// Result counts what Apply did.
type Result struct {
	Conflicts int
	Updates   int
	Merges    int
	Adds      int
	Deletes   int
	Renames   int
}

// Apply brings stash id back into the working tree. Files edited since the
// stash was taken are merged three ways; conflicts are counted and left
// marked in the files.
func (s *Stash) Apply(ctx context.Context, id int64) (*Result, error) {
	if _, err := s.entry(ctx, id); err != nil {
		return nil, err
	}
	files, err := s.Files(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.undo.Begin(ctx); err != nil {
		return nil, err
	}

	res := &Result{}
	for _, sf := range files {
		if err := s.applyFile(ctx, sf, res); err != nil {
			if rbErr := s.undo.Rollback(ctx); rbErr != nil {
				s.logger.Error("stash rollback failed", "error", rbErr)
			}
			return nil, err
		}
	}
	if res.Conflicts > 0 {
		report.Printf(s.reporter, "WARNING: %d merge conflicts", res.Conflicts)
	}
	return res, s.undo.Finish(ctx)
}

func (s *Stash) applyFile(ctx context.Context, sf *File, res *Result) error {
	fsys := s.co.FS()
	if err := s.undo.SavePath(ctx, sf.NewName); err != nil {
		return err
	}

	switch sf.Kind {
	case Added:
		if err := s.write(sf.NewName, sf.Data, sf.Exec, sf.Link); err != nil {
			return err
		}
		if _, err := s.co.File(ctx, sf.NewName); errors.IsNotFound(err) {
			if _, err := s.co.Insert(ctx, &checkout.File{
				Changed: checkout.Edited, Exec: sf.Exec, Link: sf.Link, Path: sf.NewName,
			}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		report.Printf(s.reporter, "ADD %s", sf.NewName)
		res.Adds++
		return nil

	case Removed:
		f, err := s.co.File(ctx, sf.OrigName)
		if errors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.co.Remove(ctx, f.Path); err != nil {
			return err
		}
		report.Printf(s.reporter, "DELETE %s", sf.OrigName)
		res.Deletes++
		return fsys.Remove(f.Path)
	}

	if sf.IsRenamed() {
		if err := s.undo.SavePath(ctx, sf.OrigName); err != nil {
			return err
		}
		if _, err := s.co.File(ctx, sf.OrigName); err == nil {
			if err := s.co.Rename(ctx, sf.OrigName, sf.NewName, true); err != nil {
				return err
			}
			res.Renames++
		} else if !errors.IsNotFound(err) {
			return err
		}
	}

	base, err := s.store.Get(ctx, sf.RID)
	if err != nil {
		return fmt.Errorf("%s: %w", sf.NewName, err)
	}
	target, err := delta.Apply(base, sf.Data)
	if err != nil {
		return errors.Corrupt(int64(sf.RID), "stash delta for %s: %v", sf.NewName, err)
	}

	info, err := fsys.Lstat(sf.NewName)
	if err != nil {
		return err
	}
	disk := base
	if info.Exists {
		if disk, err = fsys.ReadFile(sf.NewName); err != nil {
			return err
		}
	}

	switch {
	case string(disk) == string(base):
		if err := s.write(sf.NewName, target, sf.Exec, sf.Link); err != nil {
			return err
		}
		report.Printf(s.reporter, "UPDATE %s", sf.NewName)
		res.Updates++
	case sf.Link || info.Symlink:
		report.Printf(s.reporter, "***** Cannot merge symlink %s", sf.NewName)
		res.Conflicts++
	case textdiff.LooksBinary(base) || textdiff.LooksBinary(disk) || textdiff.LooksBinary(target):
		report.Printf(s.reporter, "***** Cannot merge binary file %s", sf.NewName)
		res.Conflicts++
	default:
		merged, n := s.merger.Merge3(base, disk, target)
		if err := s.write(sf.NewName, merged, sf.Exec, false); err != nil {
			return err
		}
		report.Printf(s.reporter, "MERGE %s", sf.NewName)
		res.Merges++
		if n > 0 {
			report.Printf(s.reporter, "CONFLICT %s", sf.NewName)
			res.Conflicts++
		}
	}
	return nil
}

func (s *Stash) write(name string, data []byte, exec, link bool) error {
	if link {
		return s.co.FS().Symlink(string(data), name)
	}
	return s.co.FS().WriteFile(name, data, exec)
}

// Pop applies the newest stash and drops it.
func (s *Stash) Pop(ctx context.Context) (*Result, error) {
	var id sql.NullInt64
	if err := s.q.QueryRowContext(ctx, `SELECT max(stashid) FROM stash`).Scan(&id); err != nil {
		return nil, err
	}
	if !id.Valid {
		return nil, errors.Precondition("stash", "empty stash")
	}
	res, err := s.Apply(ctx, id.Int64)
	if err != nil {
		return nil, err
	}
	return res, s.Drop(ctx, id.Int64)
}

// Drop deletes stash id.
func (s *Stash) Drop(ctx context.Context, id int64) error {
	if _, err := s.entry(ctx, id); err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM stashfile WHERE stashid = ?`,
		`DELETE FROM stash WHERE stashid = ?`,
	} {
		if _, err := s.q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("drop stash %d: %w", id, err)
		}
	}
	return nil
}

// List returns every stash, newest first.
func (s *Stash) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.q.QueryContext(ctx, entryQuery+` GROUP BY s.stashid ORDER BY s.stashid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Info returns stash id and its files.
func (s *Stash) Info(ctx context.Context, id int64) (*Entry, []*File, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	files, err := s.Files(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return e, files, nil
}

const entryQuery = `
	SELECT s.stashid, s.vid, coalesce(b.uuid, ''), coalesce(s.comment, ''), s.ctime, count(f.newname)
	  FROM stash s
	  LEFT JOIN blob b ON b.rid = s.vid
	  LEFT JOIN stashfile f ON f.stashid = s.stashid`

func scanEntry(sc interface{ Scan(...any) error }) (*Entry, error) {
	e := &Entry{}
	var ctime int64
	if err := sc.Scan(&e.ID, &e.VID, &e.UUID, &e.Comment, &ctime, &e.Files); err != nil {
		return nil, err
	}
	e.Created = time.UnixMilli(ctime).UTC()
	return e, nil
}

func (s *Stash) entry(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanEntry(s.q.QueryRowContext(ctx, entryQuery+` WHERE s.stashid = ? GROUP BY s.stashid`, id))
	if err == sql.ErrNoRows {
		return nil, errors.Precondition("stash", "no such stash: %d", id)
	}
	return e, err
}

// Files lists the files of stash id by name.
func (s *Stash) Files(ctx context.Context, id int64) ([]*File, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT isadded, isremoved, isexec, islink, rid, origname, newname, delta
		  FROM stashfile WHERE stashid = ? ORDER BY newname`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		var (
			sf             File
			added, removed bool
			packed         []byte
		)
		if err := rows.Scan(&added, &removed, &sf.Exec, &sf.Link, &sf.RID, &sf.OrigName, &sf.NewName, &packed); err != nil {
			return nil, err
		}
		switch {
		case added:
			sf.Kind = Added
		case removed:
			sf.Kind = Removed
		}
		if packed != nil {
			if sf.Data, err = content.Decompress(packed); err != nil {
				return nil, errors.Corrupt(int64(sf.RID), "stash %d %s: %v", id, sf.NewName, err)
			}
		}
		out = append(out, &sf)
	}
	return out, rows.Err()
}

// Diff renders stash id as a unified diff against each file's baseline.
func (s *Stash) Diff(ctx context.Context, id int64) (string, error) {
	files, err := s.Files(ctx, id)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		if _, err := s.entry(ctx, id); err != nil {
			return "", err
		}
	}

	var out strings.Builder
	for _, sf := range files {
		var before, after []byte
		switch sf.Kind {
		case Added:
			after = sf.Data
		case Removed:
			if before, err = s.store.Get(ctx, sf.RID); err != nil {
				return "", err
			}
		default:
			if before, err = s.store.Get(ctx, sf.RID); err != nil {
				return "", err
			}
			if after, err = delta.Apply(before, sf.Data); err != nil {
				return "", errors.Corrupt(int64(sf.RID), "stash delta for %s: %v", sf.NewName, err)
			}
		}
		if textdiff.LooksBinary(before) || textdiff.LooksBinary(after) {
			fmt.Fprintf(&out, "Binary files %s and %s differ\n", sf.OrigName, sf.NewName)
			continue
		}
		out.WriteString(textdiff.Unified(s.differ, sf.OrigName, sf.NewName, before, after, 3))
	}
	return out.String(), nil
}
