package repo

import (
	"context"
	"time"

	"github.com/adalundhe/keel/core/checkout"
	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/manifest"
	"github.com/adalundhe/keel/core/report"
	"github.com/adalundhe/keel/core/tag"
	"github.com/adalundhe/keel/core/textdiff"
)

type CheckinOptions struct {
	Comment string
	// User defaults to the configured user.
	User string
	// Date defaults to now.
	Date time.Time
	// Branch starts a new branch at the new check-in.
	Branch string
	// Private marks the new check-in private.
	Private bool
	// AllowEmpty commits even when nothing changed.
	AllowEmpty bool
	// AllowConflict commits files that still carry merge conflict markers.
	AllowConflict bool
	// AllowFork commits on top of a check-in that already has a child on
	// the same branch.
	AllowFork bool
}

// Checkin commits the working tree as a child of the current checkout and
// re-bases the checkout on the new check-in.
func (tx *Tx) Checkin(ctx context.Context, opts CheckinOptions) (RID, error) {
	vid, err := tx.Checkout.Current(ctx)
	if err != nil {
		return 0, err
	}
	missing, err := tx.Checkout.CheckSignatures(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(missing) > 0 {
		return 0, errors.Precondition("commit", "missing files: %v", missing)
	}
	if !opts.AllowFork {
		leaf, err := tx.Graph.IsLeaf(ctx, vid)
		if err != nil {
			return 0, err
		}
		if !leaf && opts.Branch == "" {
			return 0, errors.Precondition("commit", "would fork; update first or commit to a new branch")
		}
	}

	files, err := tx.Checkout.FilesOf(ctx, vid)
	if err != nil {
		return 0, err
	}
	vuuid, err := tx.Content.UUIDOf(ctx, vid)
	if err != nil {
		return 0, err
	}

	m := &manifest.Manifest{
		Comment: opts.Comment,
		Date:    opts.Date,
		User:    opts.User,
		Parents: []content.UUID{vuuid},
	}
	if m.Date.IsZero() {
		m.Date = tx.repo.now()
	}
	m.Date = m.Date.UTC().Truncate(time.Millisecond)
	if m.User == "" {
		m.User = tx.repo.settings.User
	}

	changed := false
	for _, f := range files {
		if f.Deleted {
			changed = true
			continue
		}
		uuid, fileChanged, err := tx.storeFile(ctx, f, opts.AllowConflict)
		if err != nil {
			return 0, err
		}
		mf := manifest.File{Name: f.Path, UUID: uuid, Perm: f.Perm()}
		if f.IsRenamed() {
			mf.OldName = f.OrigName
			fileChanged = true
		}
		changed = changed || fileChanged
		m.Files = append(m.Files, mf)
	}

	sources, err := tx.Checkout.MergeSources(ctx)
	if err != nil {
		return 0, err
	}
	for _, src := range sources {
		if src.ID > 0 {
			continue
		}
		uuid, err := tx.Content.UUIDOf(ctx, src.Merge)
		if err != nil {
			return 0, err
		}
		changed = true
		switch src.ID {
		case checkout.MergeID, checkout.IntegrateID:
			m.Parents = append(m.Parents, uuid)
		case checkout.CherrypickID:
			m.CherryPicks = append(m.CherryPicks, manifest.CherryPick{UUID: uuid})
		case checkout.BackoutID:
			m.CherryPicks = append(m.CherryPicks, manifest.CherryPick{Backout: true, UUID: uuid})
		}
		if src.ID == checkout.IntegrateID {
			m.Tags = append(m.Tags, manifest.Tag{Op: '+', Name: "closed", Target: string(uuid)})
		}
	}
	if !changed && !opts.AllowEmpty {
		return 0, errors.Precondition("commit", "nothing has changed")
	}

	if opts.Branch != "" {
		if err := tx.branchCards(ctx, m, vid, opts.Branch); err != nil {
			return 0, err
		}
	}
	if opts.Private {
		m.Tags = append(m.Tags, manifest.Tag{Op: '+', Name: "private", Target: manifest.SelfTarget})
	}

	rid, err := tx.CommitManifest(ctx, m)
	if err != nil {
		return 0, err
	}
	if err := tx.rebase(ctx, vid, rid); err != nil {
		return 0, err
	}
	uuid, err := tx.Content.UUIDOf(ctx, rid)
	if err != nil {
		return 0, err
	}
	report.Printf(tx.repo.reporter, "New_Version: %s", uuid)
	return rid, nil
}

// storeFile stores the working copy of f when it differs from its baseline
// and returns the content id to record. The old baseline is re-stored as a
// delta against the new content.
func (tx *Tx) storeFile(ctx context.Context, f *checkout.File, allowConflict bool) (content.UUID, bool, error) {
	if f.RID != 0 && f.Changed == checkout.Unchanged {
		return f.UUID, false, nil
	}
	data, err := tx.Checkout.FS().ReadFile(f.Path)
	if err != nil {
		return "", false, err
	}
	if !allowConflict && !f.Link && textdiff.ContainsMergeMarker(data) {
		return "", false, errors.Precondition("commit", "merge conflict markers in %s", f.Path)
	}
	rid, err := tx.Content.Put(ctx, data)
	if err != nil {
		return "", false, err
	}
	if f.RID != 0 && f.RID != rid {
		if _, err := tx.Content.Deltify(ctx, f.RID, rid); err != nil {
			return "", false, err
		}
	}
	uuid, err := tx.Content.UUIDOf(ctx, rid)
	return uuid, rid != f.RID, err
}

// branchCards adds the tags that move the new check-in onto branch.
func (tx *Tx) branchCards(ctx context.Context, m *manifest.Manifest, vid RID, branch string) error {
	m.Tags = append(m.Tags,
		manifest.Tag{Op: '*', Name: "branch", Target: manifest.SelfTarget, Value: branch},
		manifest.Tag{Op: '*', Name: tag.SymbolicName(branch), Target: manifest.SelfTarget},
	)
	applied, err := tx.Tags.List(ctx, vid)
	if err != nil {
		return err
	}
	for _, a := range applied {
		if tag.IsSymbolic(a.Name) && a.Name != tag.SymbolicName(branch) && a.Type == tag.Propagate {
			m.Tags = append(m.Tags, manifest.Tag{Op: '-', Name: a.Name, Target: manifest.SelfTarget})
		}
	}
	return nil
}

// rebase makes rid the checkout, keeping the working tree as is.
func (tx *Tx) rebase(ctx context.Context, vid, rid RID) error {
	if _, err := tx.Checkout.Load(ctx, rid); err != nil {
		return err
	}
	if _, err := tx.q.ExecContext(ctx, `DELETE FROM vfile WHERE vid = ?`, vid); err != nil {
		return err
	}
	if err := tx.Checkout.ClearMerge(ctx); err != nil {
		return err
	}
	if err := tx.Checkout.SetCurrent(ctx, rid); err != nil {
		return err
	}
	if _, err := tx.Checkout.CheckSignatures(ctx, true); err != nil {
		return err
	}
	return tx.Undo.Reset(ctx)
}
