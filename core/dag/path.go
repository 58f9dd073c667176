package dag

import "context"

// Path returns the shortest chain of check-ins from one to another,
// following parent and child links in either direction. Both ends are
// included. It returns nil when the two are not connected.
func (g *Graph) Path(ctx context.Context, from, to RID) ([]RID, error) {
	if from == to {
		return []RID{from}, nil
	}
	prev := map[RID]RID{from: 0}
	frontier := []RID{from}
	for len(frontier) > 0 {
		var next []RID
		for _, rid := range frontier {
			parents, err := g.Parents(ctx, rid)
			if err != nil {
				return nil, err
			}
			children, err := g.Children(ctx, rid)
			if err != nil {
				return nil, err
			}
			for _, e := range append(parents, children...) {
				if _, ok := prev[e.RID]; ok {
					continue
				}
				prev[e.RID] = rid
				if e.RID == to {
					return unwind(prev, from, to), nil
				}
				next = append(next, e.RID)
			}
		}
		frontier = next
	}
	return nil, nil
}

func unwind(prev map[RID]RID, from, to RID) []RID {
	var path []RID
	for rid := to; rid != from; rid = prev[rid] {
		path = append(path, rid)
	}
	path = append(path, from)
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
