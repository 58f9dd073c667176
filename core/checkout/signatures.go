package checkout

import (
	"context"

	"github.com/adalundhe/keel/core/content"
)

// CheckSignatures brings the chnged column up to date with the disk. A file
// whose size and mtime match the record is assumed unchanged unless
// hashAll is set. Merge states survive; a plain edit whose content went
// back to the baseline is cleared. It returns the tracked paths missing
// from disk.
func (c *Checkout) CheckSignatures(ctx context.Context, hashAll bool) ([]string, error) {
	files, err := c.Files(ctx)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, f := range files {
		if f.Deleted {
			continue
		}
		info, err := c.fs.Lstat(f.Path)
		if err != nil {
			return nil, err
		}
		if !info.Exists {
			missing = append(missing, f.Path)
			continue
		}
		if f.RID == 0 {
			continue
		}

		changed := f.Changed
		mtime := info.ModTime.UnixMilli()
		permChanged := f.Link != info.Symlink || (!info.Symlink && f.Exec != info.Exec)
		if !hashAll && !permChanged && mtime == f.MTime && info.Size == f.Size {
			continue
		}

		data, err := c.fs.ReadFile(f.Path)
		if err != nil {
			return nil, err
		}
		same := content.ComputeUUID(data) == f.UUID
		switch {
		case !same || permChanged:
			if changed == Unchanged {
				changed = Edited
			}
		case changed == Edited:
			changed = Unchanged
		}

		if changed != f.Changed || mtime != f.MTime || permChanged {
			f.Changed = changed
			f.MTime = mtime
			if permChanged {
				f.Exec = info.Exec
				f.Link = info.Symlink
			}
			if err := c.Update(ctx, f); err != nil {
				return nil, err
			}
		}
	}
	return missing, nil
}

// Summary groups the working tree's pending changes by kind.
type Summary struct {
	Edited  []string
	Added   []string
	Removed []string
	Renamed []string
	Merged  []string
	Missing []string
	// Merging is set while vmerge records a pending merge.
	Merging bool
}

func (s *Summary) Empty() bool {
	return !s.Merging && len(s.Edited)+len(s.Added)+len(s.Removed)+len(s.Renamed)+len(s.Merged)+len(s.Missing) == 0
}

// Changes refreshes signatures and summarizes what a commit would record.
func (c *Checkout) Changes(ctx context.Context) (*Summary, error) {
	missing, err := c.CheckSignatures(ctx, false)
	if err != nil {
		return nil, err
	}
	files, err := c.Files(ctx)
	if err != nil {
		return nil, err
	}
	s := &Summary{Missing: missing}
	for _, f := range files {
		switch {
		case f.Deleted:
			s.Removed = append(s.Removed, f.Path)
		case f.IsAdded():
			s.Added = append(s.Added, f.Path)
		case f.Changed == Edited:
			s.Edited = append(s.Edited, f.Path)
		case f.Changed.IsMerge():
			s.Merged = append(s.Merged, f.Path)
		}
		if f.IsRenamed() && !f.Deleted {
			s.Renamed = append(s.Renamed, f.OrigName+" -> "+f.Path)
		}
	}
	sources, err := c.MergeSources(ctx)
	if err != nil {
		return nil, err
	}
	s.Merging = len(sources) > 0
	return s, nil
}
