package repo

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/match"
	"github.com/adalundhe/keel/core/storage"
)

// Extras lists files in the working tree that the checkout does not track,
// skipping names matched by the ignore globs. Paths use forward slashes.
func (tx *Tx) Extras(ctx context.Context) ([]string, error) {
	ignore, err := match.NewMatcher(tx.repo.settings.Merge.IgnoreGlob)
	if err != nil {
		return nil, errors.Precondition("extras", "ignore glob: %v", err)
	}
	files, err := tx.Checkout.Files(ctx)
	if err != nil {
		return nil, err
	}
	coll := tx.Checkout.Collation()
	tracked := make(map[string]bool, len(files))
	for _, f := range files {
		tracked[coll.Key(f.Path)] = true
	}

	root := tx.repo.Root()
	var out []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == storage.MetaDirName {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !tracked[coll.Key(rel)] && !ignore.Matches(rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// AddExtras starts tracking every extra file and returns how many were
// added.
func (tx *Tx) AddExtras(ctx context.Context) (int, error) {
	extras, err := tx.Extras(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range extras {
		added, err := tx.Checkout.Add(ctx, p)
		if err != nil {
			return n, err
		}
		if added {
			n++
		}
	}
	return n, nil
}
