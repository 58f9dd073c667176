package merge

import (
	"context"
	"fmt"

	"github.com/adalundhe/keel/core/database"
)

// renamesOf returns the renames recorded by check-in rid against its
// primary parent, as old name -> new name.
func renamesOf(ctx context.Context, q database.Querier, rid RID) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT fp.name, fn.name
		  FROM mlink m
		  JOIN filename fn ON fn.fnid = m.fnid
		  JOIN filename fp ON fp.fnid = m.pfnid
		 WHERE m.mid = ? AND m.pfnid > 0 AND m.pfnid != m.fnid`, rid)
	if err != nil {
		return nil, fmt.Errorf("renames of %d: %w", rid, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		out[from] = to
	}
	return out, rows.Err()
}

// nameChanges follows the shortest path from one check-in to another and
// composes the renames along it. The result maps a name in from to its name
// in to; files that end where they started are left out.
func (e *Engine) nameChanges(ctx context.Context, from, to RID) (map[string]string, error) {
	path, err := e.graph.Path(ctx, from, to)
	if err != nil {
		return nil, err
	}

	coll := e.co.Collation()
	type rename struct{ orig, cur string }
	var chain []*rename
	apply := func(step map[string]string) {
		for old, nu := range step {
			found := false
			for _, r := range chain {
				if coll.Equal(r.cur, old) {
					r.cur, found = nu, true
					break
				}
			}
			if !found {
				chain = append(chain, &rename{orig: old, cur: nu})
			}
		}
	}

	for i := 1; i < len(path); i++ {
		a, b := path[i-1], path[i]
		step, err := e.stepRenames(ctx, a, b)
		if err != nil {
			return nil, err
		}
		apply(step)
	}

	out := map[string]string{}
	for _, r := range chain {
		if !coll.Equal(r.orig, r.cur) {
			out[r.orig] = r.cur
		}
	}
	return out, nil
}

// stepRenames returns the renames crossing the edge a -> b. Going down a
// primary link uses b's renames; going up one reverses a's. Merge links
// carry none.
func (e *Engine) stepRenames(ctx context.Context, a, b RID) (map[string]string, error) {
	if pid, err := e.graph.PrimaryParent(ctx, b); err != nil {
		return nil, err
	} else if pid == a {
		return renamesOf(ctx, e.q, b)
	}
	if pid, err := e.graph.PrimaryParent(ctx, a); err != nil {
		return nil, err
	} else if pid == b {
		fwd, err := renamesOf(ctx, e.q, a)
		if err != nil {
			return nil, err
		}
		rev := make(map[string]string, len(fwd))
		for old, nu := range fwd {
			rev[nu] = old
		}
		return rev, nil
	}
	return nil, nil
}
