package dag

import (
	"container/heap"
	"context"
)

type queueItem struct {
	rid  RID
	time int64
	side int
}

// timeQueue pops the newest item first, or the oldest when ascending.
type timeQueue struct {
	items     []queueItem
	ascending bool
}

func (q *timeQueue) Len() int { return len(q.items) }

func (q *timeQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.time != b.time {
		if q.ascending {
			return a.time < b.time
		}
		return a.time > b.time
	}
	if q.ascending {
		return a.rid < b.rid
	}
	return a.rid > b.rid
}

func (q *timeQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *timeQueue) Push(x any) { q.items = append(q.items, x.(queueItem)) }

func (q *timeQueue) Pop() any {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item
}

// ComputeAncestors returns start followed by its ancestors along every
// parent link, newest first, stopping after limit nodes (limit <= 0 means
// no limit).
func (g *Graph) ComputeAncestors(ctx context.Context, start RID, limit int) ([]RID, error) {
	return g.walk(ctx, start, limit, false, g.Parents)
}

// ComputeDescendants returns start followed by its descendants along every
// child link, oldest first, stopping after limit nodes.
func (g *Graph) ComputeDescendants(ctx context.Context, start RID, limit int) ([]RID, error) {
	return g.walk(ctx, start, limit, true, g.Children)
}

func (g *Graph) walk(ctx context.Context, start RID, limit int, ascending bool,
	next func(context.Context, RID) ([]Edge, error)) ([]RID, error) {

	startTime, err := g.Time(ctx, start)
	if err != nil {
		return nil, err
	}

	visited := map[RID]bool{start: true}
	q := &timeQueue{ascending: ascending}
	heap.Push(q, queueItem{rid: start, time: startTime})

	var out []RID
	for q.Len() > 0 && (limit <= 0 || len(out) < limit) {
		item := heap.Pop(q).(queueItem)
		out = append(out, item.rid)

		edges, err := next(ctx, item.rid)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if visited[e.RID] {
				continue
			}
			visited[e.RID] = true
			heap.Push(q, queueItem{rid: e.RID, time: e.Time})
		}
	}
	return out, nil
}

// Generation is a node on the primary-parent chain; Gen 0 is the start.
type Generation struct {
	RID RID
	Gen int
}

// ComputeDirectAncestors follows primary parents from start, returning at
// most limit entries (limit <= 0 means the whole chain).
func (g *Graph) ComputeDirectAncestors(ctx context.Context, start RID, limit int) ([]Generation, error) {
	out := []Generation{{RID: start, Gen: 0}}
	seen := map[RID]bool{start: true}
	for cur := start; limit <= 0 || len(out) < limit; {
		pid, err := g.PrimaryParent(ctx, cur)
		if err != nil {
			return nil, err
		}
		if pid == 0 || seen[pid] {
			break
		}
		seen[pid] = true
		out = append(out, Generation{RID: pid, Gen: len(out)})
		cur = pid
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// IsAncestor reports whether a is b or an ancestor of b.
func (g *Graph) IsAncestor(ctx context.Context, a, b RID) (bool, error) {
	ancestors, err := g.ComputeAncestors(ctx, b, 0)
	if err != nil {
		return false, err
	}
	for _, rid := range ancestors {
		if rid == a {
			return true, nil
		}
	}
	return false, nil
}

// CommonAncestor returns the most recent check-in that is an ancestor of
// both a and b, or 0 if none exists. Each rid in extra is treated as an
// additional ancestor on a's side, so that in-progress merges into a are
// taken into account.
func (g *Graph) CommonAncestor(ctx context.Context, a, b RID, extra []RID) (RID, error) {
	const sideA, sideB = 0, 1
	seen := [2]map[RID]bool{{}, {}}
	q := &timeQueue{}

	push := func(rid RID, side int) error {
		t, err := g.Time(ctx, rid)
		if err != nil {
			return err
		}
		heap.Push(q, queueItem{rid: rid, time: t, side: side})
		return nil
	}
	if err := push(a, sideA); err != nil {
		return 0, err
	}
	for _, rid := range extra {
		if err := push(rid, sideA); err != nil {
			return 0, err
		}
	}
	if err := push(b, sideB); err != nil {
		return 0, err
	}

	for q.Len() > 0 {
		item := heap.Pop(q).(queueItem)
		if seen[1-item.side][item.rid] {
			return item.rid, nil
		}
		if seen[item.side][item.rid] {
			continue
		}
		seen[item.side][item.rid] = true

		parents, err := g.Parents(ctx, item.rid)
		if err != nil {
			return 0, err
		}
		for _, p := range parents {
			if !seen[item.side][p.RID] {
				heap.Push(q, queueItem{rid: p.RID, time: p.Time, side: item.side})
			}
		}
	}
	return 0, nil
}
