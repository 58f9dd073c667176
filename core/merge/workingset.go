package merge

import (
	"context"
	"fmt"
	"sort"

	"github.com/adalundhe/keel/core/checkout"
	"github.com/adalundhe/keel/core/manifest"
	"github.com/adalundhe/keel/core/match"
)

// entry is one file of the working set: its name in V, P and M, and its
// identity in each tree. A zero id or rid means absent from that tree.
type entry struct {
	fn, fnp, fnm string

	idv     int64
	ridv    RID
	chnged  checkout.Change
	isexe   bool
	islinkv bool
	vfile   *checkout.File

	ridp RID

	ridm    RID
	isexem  bool
	islinkm bool
	inM     bool
	inP     bool
}

// workingSet is the in-memory union of V, P and M, keyed by collation key.
type workingSet struct {
	coll    match.Collation
	entries []*entry
	byFn    map[string]*entry
	byP     map[string]*entry
	byM     map[string]*entry
}

func newWorkingSet(coll match.Collation) *workingSet {
	return &workingSet{
		coll: coll,
		byFn: map[string]*entry{},
		byP:  map[string]*entry{},
		byM:  map[string]*entry{},
	}
}

// add inserts e unless its V name is taken.
func (w *workingSet) add(e *entry) bool {
	key := w.coll.Key(e.fn)
	if _, ok := w.byFn[key]; ok {
		return false
	}
	w.byFn[key] = e
	w.entries = append(w.entries, e)
	w.index(e)
	return true
}

func (w *workingSet) index(e *entry) {
	if k := w.coll.Key(e.fnp); w.byP[k] == nil {
		w.byP[k] = e
	}
	if k := w.coll.Key(e.fnm); w.byM[k] == nil {
		w.byM[k] = e
	}
}

// reindex rebuilds the pivot and merge name indexes after renames.
func (w *workingSet) reindex() {
	w.byP = make(map[string]*entry, len(w.entries))
	w.byM = make(map[string]*entry, len(w.entries))
	for _, e := range w.entries {
		w.index(e)
	}
}

func (w *workingSet) byV(name string) *entry     { return w.byFn[w.coll.Key(name)] }
func (w *workingSet) byPivot(name string) *entry { return w.byP[w.coll.Key(name)] }
func (w *workingSet) byMerge(name string) *entry { return w.byM[w.coll.Key(name)] }

// sorted returns the entries ordered by their name in V.
func (w *workingSet) sorted() []*entry {
	out := append([]*entry(nil), w.entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].fn < out[j].fn })
	return out
}

// buildWorkingSet unifies the three trees. renamesPV and renamesPM map a
// pivot name to its name in V and in M.
func (e *Engine) buildWorkingSet(ctx context.Context, vfiles []*checkout.File, p, m *manifest.Manifest,
	renamesPV, renamesPM map[string]string) (*workingSet, error) {

	w := newWorkingSet(e.co.Collation())
	for _, f := range vfiles {
		if f.Deleted {
			continue
		}
		w.add(&entry{
			fn: f.Path, fnp: f.Path, fnm: f.Path,
			idv: f.ID, ridv: f.RID, chnged: f.Changed, isexe: f.Exec, islinkv: f.Link, vfile: f,
		})
	}

	for pname, vname := range renamesPV {
		if ent := w.byV(vname); ent != nil {
			ent.fnp, ent.fnm = pname, pname
		}
	}
	w.reindex()
	for pname, mname := range renamesPM {
		if ent := w.byPivot(pname); ent != nil {
			ent.fnm = mname
		}
	}
	w.reindex()

	for _, pf := range p.Files {
		ent := w.byPivot(pf.Name)
		if ent == nil {
			mname := pf.Name
			if renamed, ok := renamesPM[pf.Name]; ok {
				mname = renamed
			}
			ent = &entry{fn: pf.Name, fnp: pf.Name, fnm: mname}
			if !w.add(ent) {
				continue
			}
		}
		rid, err := e.rid(ctx, pf)
		if err != nil {
			return nil, err
		}
		ent.ridp, ent.inP = rid, true
	}

	for _, mf := range m.Files {
		ent := w.byMerge(mf.Name)
		if ent == nil {
			ent = &entry{fn: mf.Name, fnp: mf.Name, fnm: mf.Name}
			if !w.add(ent) {
				e.logger.Debug("merge name collision", "path", mf.Name)
				continue
			}
		}
		rid, err := e.rid(ctx, mf)
		if err != nil {
			return nil, err
		}
		ent.ridm, ent.inM = rid, true
		ent.isexem = mf.Perm == manifest.PermExec
		ent.islinkm = mf.Perm == manifest.PermSymlink
	}
	return w, nil
}

func (e *Engine) rid(ctx context.Context, f manifest.File) (RID, error) {
	rid, err := e.store.RIDOf(ctx, f.UUID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", f.Name, err)
	}
	return rid, nil
}
