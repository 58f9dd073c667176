package dag

import (
	"context"
	"fmt"
	"sort"
)

type LeafMode int

const (
	LeavesAll LeafMode = iota
	LeavesOpen
	LeavesClosed
)

var leafModeNames = map[LeafMode]string{
	LeavesAll:    "all",
	LeavesOpen:   "open",
	LeavesClosed: "closed",
}

func (m LeafMode) String() string {
	if name, ok := leafModeNames[m]; ok {
		return name
	}
	return "unknown"
}

// sameBranchChildren returns the children of rid that are on rid's branch.
func (g *Graph) sameBranchChildren(ctx context.Context, rid RID, children []Edge) ([]Edge, error) {
	branch, err := g.BranchOf(ctx, rid)
	if err != nil {
		return nil, err
	}
	var out []Edge
	for _, c := range children {
		cb, err := g.BranchOf(ctx, c.RID)
		if err != nil {
			return nil, err
		}
		if cb == branch {
			out = append(out, c)
		}
	}
	return out, nil
}

// IsLeaf reports whether rid has no child on its own branch.
func (g *Graph) IsLeaf(ctx context.Context, rid RID) (bool, error) {
	children, err := g.Children(ctx, rid)
	if err != nil {
		return false, err
	}
	same, err := g.sameBranchChildren(ctx, rid, children)
	if err != nil {
		return false, err
	}
	return len(same) == 0, nil
}

// ComputeLeaves returns the leaves reachable from base, newest first.
// The walk follows child edges that are primary or stay on the parent's
// branch. A zero base returns every leaf recorded in the leaf table.
func (g *Graph) ComputeLeaves(ctx context.Context, base RID, mode LeafMode) ([]RID, error) {
	var leaves []RID
	var err error
	if base == 0 {
		leaves, err = g.rids(ctx, `SELECT rid FROM leaf`)
	} else {
		leaves, err = g.leavesFrom(ctx, base)
	}
	if err != nil {
		return nil, err
	}
	return g.filterLeaves(ctx, leaves, mode)
}

func (g *Graph) leavesFrom(ctx context.Context, base RID) ([]RID, error) {
	visited := map[RID]bool{base: true}
	queue := []RID{base}
	var leaves []RID

	for len(queue) > 0 {
		rid := queue[0]
		queue = queue[1:]

		children, err := g.Children(ctx, rid)
		if err != nil {
			return nil, err
		}
		branch, err := g.BranchOf(ctx, rid)
		if err != nil {
			return nil, err
		}

		sameBranch := 0
		for _, c := range children {
			cb, err := g.BranchOf(ctx, c.RID)
			if err != nil {
				return nil, err
			}
			if cb == branch {
				sameBranch++
			}
			if (c.Primary || cb == branch) && !visited[c.RID] {
				visited[c.RID] = true
				queue = append(queue, c.RID)
			}
		}
		if sameBranch == 0 {
			leaves = append(leaves, rid)
		}
	}
	return leaves, nil
}

func (g *Graph) filterLeaves(ctx context.Context, leaves []RID, mode LeafMode) ([]RID, error) {
	type leaf struct {
		rid  RID
		time int64
	}
	var kept []leaf
	for _, rid := range leaves {
		if mode != LeavesAll {
			closed, err := g.IsClosed(ctx, rid)
			if err != nil {
				return nil, err
			}
			if closed != (mode == LeavesClosed) {
				continue
			}
		}
		t, err := g.Time(ctx, rid)
		if err != nil {
			return nil, err
		}
		kept = append(kept, leaf{rid, t})
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].time != kept[j].time {
			return kept[i].time > kept[j].time
		}
		return kept[i].rid > kept[j].rid
	})

	out := make([]RID, len(kept))
	for i, l := range kept {
		out[i] = l.rid
	}
	return out, nil
}

// LeafCheck brings the leaf table entry for rid up to date.
func (g *Graph) LeafCheck(ctx context.Context, rid RID) error {
	leaf, err := g.IsLeaf(ctx, rid)
	if err != nil {
		return err
	}
	if leaf {
		_, err = g.q.ExecContext(ctx, `INSERT OR IGNORE INTO leaf(rid) VALUES (?)`, rid)
	} else {
		_, err = g.q.ExecContext(ctx, `DELETE FROM leaf WHERE rid = ?`, rid)
	}
	if err != nil {
		return fmt.Errorf("leaf check %d: %w", rid, err)
	}
	return nil
}

// LeafCheckAround rechecks rid and each of its parents. Use it after rid
// gains a parent link or changes branch.
func (g *Graph) LeafCheckAround(ctx context.Context, rid RID) error {
	if err := g.LeafCheck(ctx, rid); err != nil {
		return err
	}
	parents, err := g.Parents(ctx, rid)
	if err != nil {
		return err
	}
	for _, p := range parents {
		if err := g.LeafCheck(ctx, p.RID); err != nil {
			return err
		}
	}
	return nil
}

// LeafRebuild recomputes the whole leaf table.
func (g *Graph) LeafRebuild(ctx context.Context) error {
	if _, err := g.q.ExecContext(ctx, `DELETE FROM leaf`); err != nil {
		return err
	}
	all, err := g.CheckIns(ctx)
	if err != nil {
		return err
	}
	for _, rid := range all {
		if err := g.LeafCheck(ctx, rid); err != nil {
			return err
		}
	}
	g.logger.Debug("rebuilt leaf table", "checkins", len(all))
	return nil
}

// OpenLeafCount counts open leaves on branch. More than one means the
// branch has forked.
func (g *Graph) OpenLeafCount(ctx context.Context, branch string) (int, error) {
	leaves, err := g.ComputeLeaves(ctx, 0, LeavesOpen)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rid := range leaves {
		b, err := g.BranchOf(ctx, rid)
		if err != nil {
			return 0, err
		}
		if b == branch {
			n++
		}
	}
	return n, nil
}
