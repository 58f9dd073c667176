// Package merge folds the changes of another check-in into the working
// tree with a file-level three-way merge against a pivot.
package merge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/adalundhe/keel/core/checkout"
	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/dag"
	"github.com/adalundhe/keel/core/database"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/manifest"
	"github.com/adalundhe/keel/core/match"
	"github.com/adalundhe/keel/core/name"
	"github.com/adalundhe/keel/core/report"
	"github.com/adalundhe/keel/core/textdiff"
	"github.com/adalundhe/keel/core/undo"
)

type RID = content.RID

type Options struct {
	// Target names the check-in to merge in.
	Target string
	// Pivot names an explicit baseline, overriding the common ancestor.
	Pivot      string
	Cherrypick bool
	Backout    bool
	// Integrate marks the merged branch to be closed by the next commit.
	Integrate bool
	DryRun    bool
	// Force runs a merge that would otherwise be skipped as a no-op.
	Force bool
	// BinaryGlob lists patterns of files that are never content-merged.
	BinaryGlob []string
}

type Result struct {
	Pivot  RID
	Target RID
	// Skipped is set when the pivot equals the target, so there was
	// nothing to merge.
	Skipped    bool
	Conflicts  int
	Overwrites int
	Updates    int
	Merges     int
	Adds       int
	Deletes    int
	Renames    int
	// Lines holds every reported line in order.
	Lines []string
}

// Changes counts the files the merge touched.
func (r *Result) Changes() int {
	return r.Updates + r.Merges + r.Adds + r.Deletes + r.Renames
}

type Config struct {
	Merger   textdiff.Merger
	Logger   *slog.Logger
	Reporter report.Reporter
}

type Engine struct {
	q        database.Querier
	store    *content.Store
	names    *name.Resolver
	graph    *dag.Graph
	co       *checkout.Checkout
	undo     *undo.Manager
	merger   textdiff.Merger
	logger   *slog.Logger
	reporter report.Reporter
}

func NewEngine(store *content.Store, names *name.Resolver, graph *dag.Graph, co *checkout.Checkout,
	u *undo.Manager, cfg Config) *Engine {
	if cfg.Merger == nil {
		cfg.Merger = textdiff.NewMerger(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = report.Discard
	}
	return &Engine{
		q:        store.Querier(),
		store:    store,
		names:    names,
		graph:    graph,
		co:       co,
		undo:     u,
		merger:   cfg.Merger,
		logger:   cfg.Logger,
		reporter: cfg.Reporter,
	}
}

// run carries the state of one Merge call.
type run struct {
	*Engine
	opts   Options
	res    *Result
	binary *match.Matcher
	vid    RID
}

func (r *run) report(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	r.res.Lines = append(r.res.Lines, line)
	r.reporter.Report(line)
}

// Merge folds opts.Target into the current checkout. Conflicts are counted
// in the result and never abort the merge. Every precondition is checked
// before anything is written.
func (e *Engine) Merge(ctx context.Context, opts Options) (*Result, error) {
	if opts.Cherrypick && opts.Backout {
		return nil, errors.Precondition("merge", "cannot use --cherrypick and --backout together")
	}
	if (opts.Cherrypick || opts.Backout) && opts.Pivot != "" {
		return nil, errors.Precondition("merge", "cannot use --baseline with --cherrypick or --backout")
	}
	binary, err := match.NewMatcher(opts.BinaryGlob)
	if err != nil {
		return nil, errors.Precondition("merge", "binary glob: %v", err)
	}

	vid, err := e.co.Current(ctx)
	if err != nil {
		return nil, err
	}
	mid, err := e.names.Resolve(ctx, opts.Target, name.CheckIn)
	if err != nil {
		return nil, fmt.Errorf("merge target %q: %w", opts.Target, err)
	}
	if mid == vid {
		return nil, errors.Precondition("merge", "cannot merge into itself")
	}

	pid, err := e.pivot(ctx, opts, vid, mid)
	if err != nil {
		return nil, err
	}
	if opts.Backout {
		pid, mid = mid, pid
	}

	r := &run{Engine: e, opts: opts, res: &Result{Pivot: pid, Target: mid}, binary: binary, vid: vid}
	if opts.Integrate && !opts.Cherrypick && !opts.Backout {
		leaf, err := e.graph.IsLeaf(ctx, mid)
		if err != nil {
			return nil, err
		}
		if !leaf {
			r.report("WARNING: ignoring --integrate: %s is not a leaf", opts.Target)
			r.opts.Integrate = false
		}
	}
	if pid == mid && !opts.Force {
		r.res.Skipped = true
		r.report("Merge skipped because it is a no-op. Use --force to force the merge.")
		return r.res, nil
	}

	if !opts.DryRun {
		if err := e.undo.Begin(ctx); err != nil {
			return nil, err
		}
	}
	if err := r.merge(ctx); err != nil {
		if !opts.DryRun {
			if rbErr := e.undo.Rollback(ctx); rbErr != nil {
				e.logger.Error("merge rollback failed", "error", rbErr)
			}
		}
		return nil, err
	}
	if !opts.DryRun {
		if err := e.undo.Finish(ctx); err != nil {
			return nil, err
		}
	}
	return r.res, nil
}

// pivot picks the baseline of the merge.
func (e *Engine) pivot(ctx context.Context, opts Options, vid, mid RID) (RID, error) {
	switch {
	case opts.Pivot != "":
		pid, err := e.names.Resolve(ctx, opts.Pivot, name.CheckIn)
		if err != nil {
			return 0, fmt.Errorf("merge baseline %q: %w", opts.Pivot, err)
		}
		return pid, nil

	case opts.Cherrypick || opts.Backout:
		pid, err := e.graph.PrimaryParent(ctx, mid)
		if err != nil {
			return 0, err
		}
		if pid == 0 {
			return 0, errors.Precondition("merge", "cannot cherrypick or backout the initial check-in")
		}
		return pid, nil
	}

	var extra []RID
	for _, id := range []int64{checkout.MergeID, checkout.IntegrateID} {
		parents, err := e.co.MergeParents(ctx, id)
		if err != nil {
			return 0, err
		}
		extra = append(extra, parents...)
	}
	pid, err := e.graph.CommonAncestor(ctx, vid, mid, extra)
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, errors.Precondition("merge", "no common ancestor")
	}
	return pid, nil
}

func (r *run) merge(ctx context.Context) error {
	pid, mid := r.res.Pivot, r.res.Target
	r.logger.Debug("merge", "vid", r.vid, "pivot", pid, "target", mid, "dry_run", r.opts.DryRun)

	if _, err := r.co.CheckSignatures(ctx, false); err != nil {
		return err
	}
	vfiles, err := r.co.FilesOf(ctx, r.vid)
	if err != nil {
		return err
	}
	p, err := manifest.Load(ctx, r.store, pid)
	if err != nil {
		return fmt.Errorf("pivot: %w", err)
	}
	m, err := manifest.Load(ctx, r.store, mid)
	if err != nil {
		return fmt.Errorf("merge target: %w", err)
	}
	renamesPV, err := r.nameChanges(ctx, pid, r.vid)
	if err != nil {
		return err
	}
	renamesPM, err := r.nameChanges(ctx, pid, mid)
	if err != nil {
		return err
	}
	w, err := r.buildWorkingSet(ctx, vfiles, p, m, renamesPV, renamesPM)
	if err != nil {
		return err
	}
	entries := w.sorted()

	for _, ent := range entries {
		if ent.idv > 0 && ent.inM && !ent.inP && ent.ridv != ent.ridm {
			r.report("WARNING: no common ancestor for %s", ent.fn)
			ent.inM, ent.ridm = false, 0
		}
	}
	for _, ent := range entries {
		var err error
		switch {
		case ent.idv == 0 && !ent.inP && ent.inM:
			err = r.add(ctx, ent)
		case ent.idv > 0 && ent.inP && ent.inM && ent.ridm != ent.ridp:
			if ent.ridv == ent.ridp && ent.chnged == checkout.Unchanged {
				err = r.update(ctx, ent)
				break
			}
			var same bool
			if same, err = r.matchesTarget(ctx, ent); err == nil && !same {
				err = r.contentMerge(ctx, ent)
			}
		case ent.idv > 0 && ent.inP && !ent.inM:
			err = r.delete(ctx, ent)
		}
		if err != nil {
			return err
		}
	}
	for _, ent := range entries {
		if err := r.rename(ctx, w, ent); err != nil {
			return err
		}
	}

	if !r.opts.DryRun {
		if err := r.co.SetMergeSource(ctx, r.mergeID(), r.recordedTarget()); err != nil {
			return err
		}
	}
	if r.res.Conflicts > 0 {
		r.report("WARNING: %d merge conflicts", r.res.Conflicts)
	}
	if r.res.Overwrites > 0 {
		r.report("WARNING: %d unmanaged files were overwritten", r.res.Overwrites)
	}
	if r.opts.DryRun {
		r.report("REMINDER: this was a dry run - no files were actually changed.")
	}
	return nil
}

// mergeID is the vmerge id recording the merge as a whole.
func (r *run) mergeID() int64 {
	switch {
	case r.opts.Cherrypick:
		return checkout.CherrypickID
	case r.opts.Backout:
		return checkout.BackoutID
	case r.opts.Integrate:
		return checkout.IntegrateID
	default:
		return checkout.MergeID
	}
}

// recordedTarget is the check-in the merge is attributed to. A backout is
// attributed to the check-in being backed out, which is the pivot here.
func (r *run) recordedTarget() RID {
	if r.opts.Backout {
		return r.res.Pivot
	}
	return r.res.Target
}

// changedState is the vfile state a merge leaves on a file it rewrote.
func (r *run) changedState() checkout.Change {
	if r.opts.Integrate {
		return checkout.Integrated
	}
	return checkout.MergeChanged
}

func (r *run) save(ctx context.Context, path string) error {
	if r.opts.DryRun {
		return nil
	}
	return r.undo.SavePath(ctx, path)
}

// add brings in a file that only M has.
func (r *run) add(ctx context.Context, ent *entry) error {
	info, err := r.co.FS().Lstat(ent.fnm)
	if err != nil {
		return err
	}
	if info.Exists {
		r.res.Overwrites++
		r.report("ADDED %s (overwrites an unmanaged file)", ent.fnm)
	} else {
		r.report("ADDED %s", ent.fnm)
	}
	r.res.Adds++
	if r.opts.DryRun {
		return nil
	}

	if err := r.save(ctx, ent.fnm); err != nil {
		return err
	}
	f := &checkout.File{
		VID:     r.vid,
		Changed: checkout.MergeAdded,
		Exec:    ent.isexem,
		Link:    ent.islinkm,
		RID:     ent.ridm,
		MRID:    ent.ridm,
		Path:    ent.fnm,
	}
	if _, err := r.co.Insert(ctx, f); err != nil {
		return err
	}
	if err := r.co.WriteBaseline(ctx, f); err != nil {
		return err
	}
	return r.co.SetMergeSource(ctx, f.ID, ent.ridm)
}

// update fast-forwards a file V left alone to M's content.
func (r *run) update(ctx context.Context, ent *entry) error {
	r.report("UPDATE %s", ent.fn)
	r.res.Updates++
	if r.opts.DryRun {
		return nil
	}

	if err := r.save(ctx, ent.fn); err != nil {
		return err
	}
	data, err := r.store.Get(ctx, ent.ridm)
	if err != nil {
		return fmt.Errorf("%s: %w", ent.fn, err)
	}
	f := ent.vfile
	f.Exec, f.Link = ent.isexem, ent.islinkm
	if err := r.co.WriteFile(f, data); err != nil {
		return err
	}
	f.MRID = ent.ridm
	f.Changed = r.changedState()
	f.MTime = 0
	if err := r.co.Update(ctx, f); err != nil {
		return err
	}
	return r.co.SetMergeSource(ctx, f.ID, ent.ridm)
}

// contentMerge combines edits made on both sides.
func (r *run) contentMerge(ctx context.Context, ent *entry) error {
	if ent.islinkv || ent.islinkm {
		r.report("***** Cannot merge symlink %s", ent.fn)
		r.res.Conflicts++
		return nil
	}

	pivot, err := r.store.Get(ctx, ent.ridp)
	if err != nil {
		return fmt.Errorf("%s: %w", ent.fn, err)
	}
	theirs, err := r.store.Get(ctx, ent.ridm)
	if err != nil {
		return fmt.Errorf("%s: %w", ent.fn, err)
	}
	mine, err := r.working(ctx, ent)
	if err != nil {
		return err
	}

	if r.binary.Matches(ent.fn) || textdiff.LooksBinary(pivot) || textdiff.LooksBinary(mine) || textdiff.LooksBinary(theirs) {
		r.report("***** Cannot merge binary file %s", ent.fn)
		r.res.Conflicts++
		return nil
	}

	merged, conflicts := r.merger.Merge3(pivot, mine, theirs)
	if conflicts == 0 && bytes.Equal(merged, mine) {
		// V already carries every change M made.
		return nil
	}
	r.report("MERGE %s", ent.fn)
	r.res.Merges++
	if conflicts > 0 {
		r.report("***** %d merge conflict(s) in %s", conflicts, ent.fn)
		r.res.Conflicts++
	}
	if r.opts.DryRun {
		return nil
	}

	if err := r.save(ctx, ent.fn); err != nil {
		return err
	}
	f := ent.vfile
	if err := r.co.WriteFile(f, merged); err != nil {
		return err
	}
	f.MRID = ent.ridm
	f.Changed = r.changedState()
	f.MTime = 0
	if err := r.co.Update(ctx, f); err != nil {
		return err
	}
	return r.co.SetMergeSource(ctx, f.ID, ent.ridm)
}

// matchesTarget reports whether V's file already holds M's content, as it
// does after the same merge ran before.
func (r *run) matchesTarget(ctx context.Context, ent *entry) (bool, error) {
	if ent.islinkv != ent.islinkm {
		return false, nil
	}
	theirs, err := r.store.UUIDOf(ctx, ent.ridm)
	if err != nil {
		return false, fmt.Errorf("%s: %w", ent.fn, err)
	}
	mine, err := r.working(ctx, ent)
	if err != nil {
		return false, err
	}
	return content.ComputeUUID(mine) == theirs, nil
}

// working returns V's content of the file, falling back to its baseline
// when the file is missing from disk.
func (r *run) working(ctx context.Context, ent *entry) ([]byte, error) {
	info, err := r.co.FS().Lstat(ent.fn)
	if err != nil {
		return nil, err
	}
	if !info.Exists {
		return r.co.Baseline(ctx, ent.vfile)
	}
	data, err := r.co.FS().ReadFile(ent.fn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ent.fn, err)
	}
	return data, nil
}

// delete removes a file M dropped.
func (r *run) delete(ctx context.Context, ent *entry) error {
	if ent.chnged != checkout.Unchanged {
		r.report("WARNING: local edits lost for %s", ent.fn)
		r.res.Conflicts++
	}
	r.report("DELETE %s", ent.fn)
	r.res.Deletes++
	if r.opts.DryRun {
		return nil
	}

	if err := r.save(ctx, ent.fn); err != nil {
		return err
	}
	f := ent.vfile
	f.Deleted = true
	if err := r.co.Update(ctx, f); err != nil {
		return err
	}
	return r.co.FS().Remove(ent.fn)
}

// rename adopts a rename made on P->M when V kept the pivot name.
func (r *run) rename(ctx context.Context, w *workingSet, ent *entry) error {
	coll := w.coll
	if ent.idv == 0 || !ent.inP || !ent.inM || ent.vfile.Deleted {
		return nil
	}
	if coll.Equal(ent.fnp, ent.fnm) || !coll.Equal(ent.fn, ent.fnp) {
		return nil
	}
	if other := w.byV(ent.fnm); other != nil && other != ent && other.idv > 0 && !other.vfile.Deleted {
		r.report("WARNING: cannot rename %s to %s: name already in use", ent.fn, ent.fnm)
		r.res.Conflicts++
		return nil
	}

	r.report("RENAME %s -> %s", ent.fn, ent.fnm)
	r.res.Renames++
	if r.opts.DryRun {
		return nil
	}

	for _, path := range []string{ent.fn, ent.fnm} {
		if err := r.save(ctx, path); err != nil {
			return err
		}
	}
	fsys := r.co.FS()
	data, err := r.working(ctx, ent)
	if err != nil {
		return err
	}
	f := ent.vfile
	from := f.Path
	f.Path = ent.fnm
	if err := r.co.WriteFile(f, data); err != nil {
		return err
	}
	if !coll.Equal(from, ent.fnm) {
		if err := fsys.Remove(from); err != nil {
			return err
		}
	}
	if f.OrigName == "" {
		f.OrigName = from
	}
	if f.Changed == checkout.Unchanged {
		f.Changed = checkout.MergeRenamed
	}
	f.MTime = 0
	return r.co.Update(ctx, f)
}
