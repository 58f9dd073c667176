package checkout

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/manifest"
)

type RID = content.RID

// Change is the vfile.chnged state of a file.
type Change int

const (
	Unchanged    Change = 0
	Edited       Change = 1
	MergeChanged Change = 2
	MergeAdded   Change = 3
	Integrated   Change = 4
	MergeRenamed Change = 5
)

var changeNames = map[Change]string{
	Unchanged:    "unchanged",
	Edited:       "edited",
	MergeChanged: "changed by merge",
	MergeAdded:   "added by merge",
	Integrated:   "integrated",
	MergeRenamed: "renamed by merge",
}

func (c Change) String() string {
	if name, ok := changeNames[c]; ok {
		return name
	}
	return "unknown"
}

// IsMerge reports whether the state was produced by a merge.
func (c Change) IsMerge() bool {
	return c >= MergeChanged && c <= MergeRenamed
}

// File is one vfile row: a tracked path of a checkout.
type File struct {
	ID      int64
	VID     RID
	Changed Change
	Deleted bool
	Exec    bool
	Link    bool
	// RID is the baseline content, 0 for a newly added file.
	RID RID
	// MRID is the content a merge left on disk, RID when no merge touched
	// the file.
	MRID     RID
	MTime    int64
	Path     string
	OrigName string

	// Baseline blob identity, empty when RID is 0.
	UUID content.UUID
	Size int64
}

// IsAdded reports whether the file is new in the working tree.
func (f *File) IsAdded() bool {
	return f.RID == 0 || f.Changed == MergeAdded
}

// IsRenamed reports whether the file was tracked under another name.
func (f *File) IsRenamed() bool {
	return f.OrigName != "" && f.OrigName != f.Path
}

// Perm maps the exec and link flags to a manifest permission.
func (f *File) Perm() manifest.Perm {
	switch {
	case f.Link:
		return manifest.PermSymlink
	case f.Exec:
		return manifest.PermExec
	default:
		return manifest.PermRegular
	}
}

const fileColumns = `v.id, v.vid, v.chnged, v.deleted, v.isexe, v.islink, v.rid, v.mrid, v.mtime,
	v.pathname, coalesce(v.origname, ''), coalesce(b.uuid, ''), coalesce(b.size, 0)`

const fileFrom = ` FROM vfile v LEFT JOIN blob b ON b.rid = v.rid AND v.rid > 0`

func scanFile(sc interface{ Scan(...any) error }) (*File, error) {
	f := &File{}
	err := sc.Scan(&f.ID, &f.VID, &f.Changed, &f.Deleted, &f.Exec, &f.Link, &f.RID, &f.MRID, &f.MTime,
		&f.Path, &f.OrigName, &f.UUID, &f.Size)
	return f, err
}

func (c *Checkout) queryFiles(ctx context.Context, where string, args ...any) ([]*File, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+fileColumns+fileFrom+` WHERE `+where+` ORDER BY v.pathname`, args...)
	if err != nil {
		return nil, fmt.Errorf("query vfile: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// FilesOf lists every row of checkout vid, deleted ones included.
func (c *Checkout) FilesOf(ctx context.Context, vid RID) ([]*File, error) {
	return c.queryFiles(ctx, `v.vid = ?`, vid)
}

// Files lists every row of the current checkout, deleted ones included.
func (c *Checkout) Files(ctx context.Context) ([]*File, error) {
	vid, err := c.Current(ctx)
	if err != nil {
		return nil, err
	}
	return c.FilesOf(ctx, vid)
}

// File finds the current checkout's row for path under the configured
// collation.
func (c *Checkout) File(ctx context.Context, path string) (*File, error) {
	vid, err := c.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !c.coll.CaseSensitive {
		return c.foldedFile(ctx, vid, path)
	}
	f, err := scanFile(c.q.QueryRowContext(ctx,
		`SELECT `+fileColumns+fileFrom+` WHERE v.vid = ? AND v.pathname = ?`, vid, path))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("file", path)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", path, err)
	}
	return f, nil
}

// foldedFile matches path in Go so that lookups fold case the same way
// every other path-keyed map in the checkout does. SQL collations only
// fold ASCII.
func (c *Checkout) foldedFile(ctx context.Context, vid RID, path string) (*File, error) {
	files, err := c.FilesOf(ctx, vid)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", path, err)
	}
	key := c.coll.Key(path)
	for _, f := range files {
		if c.coll.Key(f.Path) == key {
			return f, nil
		}
	}
	return nil, errors.NotFound("file", path)
}

// Insert adds a row and returns its id. VID defaults to the current checkout.
func (c *Checkout) Insert(ctx context.Context, f *File) (int64, error) {
	if f.VID == 0 {
		vid, err := c.Current(ctx)
		if err != nil {
			return 0, err
		}
		f.VID = vid
	}
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO vfile(vid, chnged, deleted, isexe, islink, rid, mrid, mtime, pathname, origname)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.VID, f.Changed, f.Deleted, f.Exec, f.Link, f.RID, f.MRID, f.MTime, f.Path, nullIfEmpty(f.OrigName))
	if err != nil {
		return 0, fmt.Errorf("insert vfile %s: %w", f.Path, err)
	}
	f.ID, err = res.LastInsertId()
	return f.ID, err
}

// Update writes every column of f back to its row.
func (c *Checkout) Update(ctx context.Context, f *File) error {
	_, err := c.q.ExecContext(ctx, `
		UPDATE vfile SET chnged = ?, deleted = ?, isexe = ?, islink = ?, rid = ?, mrid = ?, mtime = ?,
		       pathname = ?, origname = ?
		 WHERE id = ?`,
		f.Changed, f.Deleted, f.Exec, f.Link, f.RID, f.MRID, f.MTime, f.Path, nullIfEmpty(f.OrigName), f.ID)
	if err != nil {
		return fmt.Errorf("update vfile %s: %w", f.Path, err)
	}
	return nil
}

// DeleteRow forgets a row entirely.
func (c *Checkout) DeleteRow(ctx context.Context, id int64) error {
	_, err := c.q.ExecContext(ctx, `DELETE FROM vfile WHERE id = ?`, id)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
