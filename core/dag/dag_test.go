package dag

import (
	"context"
	"testing"

	"github.com/adalundhe/keel/core/database"
	"github.com/adalundhe/keel/core/schema"
	"github.com/adalundhe/keel/core/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t    *testing.T
	ctx  context.Context
	pool *database.Pool
	g    *Graph
}

func newFixture(t *testing.T) *fixture {
	pool := testutil.OpenDB(t)
	return &fixture{t: t, ctx: context.Background(), pool: pool, g: New(pool.DB(), nil)}
}

func (f *fixture) checkin(rid RID, mtime int64, parents ...RID) {
	f.t.Helper()
	_, err := f.pool.Exec(f.ctx, `INSERT INTO event(objid, type, mtime) VALUES (?, 'ci', ?)`, rid, mtime)
	require.NoError(f.t, err)
	for i, p := range parents {
		_, err := f.pool.Exec(f.ctx,
			`INSERT INTO plink(pid, cid, isprim, mtime) VALUES (?, ?, ?, ?)`, p, rid, i == 0, mtime)
		require.NoError(f.t, err)
	}
}

func (f *fixture) tag(rid RID, tagid int64, tagtype int, value string) {
	f.t.Helper()
	_, err := f.pool.Exec(f.ctx, `
		INSERT OR REPLACE INTO tagxref(tagid, tagtype, srcid, origid, value, mtime, rid)
		VALUES (?, ?, ?, ?, ?, 0, ?)`, tagid, tagtype, rid, rid, value, rid)
	require.NoError(f.t, err)
}

// history builds:
//
//	1 - 2 - 3 ------- 5      trunk
//	     \           /
//	      4 ------ 6         feature (6 closed)
//
// 5 merges 4 through a non-primary link.
func history(t *testing.T) *fixture {
	f := newFixture(t)
	f.checkin(1, 1000)
	f.checkin(2, 2000, 1)
	f.checkin(3, 3000, 2)
	f.checkin(4, 4000, 2)
	f.checkin(5, 5000, 3, 4)
	f.checkin(6, 6000, 4)
	f.tag(4, schema.TagBranch, 2, "feature")
	f.tag(6, schema.TagBranch, 2, "feature")
	f.tag(6, schema.TagClosed, 1, "")
	return f
}

func TestComputeLeaves(t *testing.T) {
	f := history(t)

	tests := []struct {
		mode LeafMode
		want []RID
	}{
		{LeavesAll, []RID{6, 5}},
		{LeavesOpen, []RID{5}},
		{LeavesClosed, []RID{6}},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			got, err := f.g.ComputeLeaves(f.ctx, 1, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLeafTable(t *testing.T) {
	f := history(t)
	require.NoError(t, f.g.LeafRebuild(f.ctx))

	all, err := f.g.ComputeLeaves(f.ctx, 0, LeavesAll)
	require.NoError(t, err)
	assert.Equal(t, []RID{6, 5}, all)

	n, err := f.g.OpenLeafCount(f.ctx, "trunk")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A new trunk child of 5 takes over as the leaf.
	f.checkin(7, 7000, 5)
	require.NoError(t, f.g.LeafCheckAround(f.ctx, 7))
	all, err = f.g.ComputeLeaves(f.ctx, 0, LeavesAll)
	require.NoError(t, err)
	assert.Equal(t, []RID{7, 6}, all)
}

func TestIsLeafIgnoresOtherBranchChildren(t *testing.T) {
	f := newFixture(t)
	f.checkin(1, 1000)
	f.checkin(2, 2000, 1)
	f.tag(2, schema.TagBranch, 2, "side")

	leaf, err := f.g.IsLeaf(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, leaf, "a check-in whose only child starts a branch is still a leaf")

	// A cancelled branch tag puts the child back on trunk.
	f.tag(2, schema.TagBranch, 0, "")
	leaf, err = f.g.IsLeaf(f.ctx, 1)
	require.NoError(t, err)
	assert.False(t, leaf)
}

func TestAncestorsAndDescendants(t *testing.T) {
	f := history(t)

	anc, err := f.g.ComputeAncestors(f.ctx, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []RID{5, 4, 3, 2, 1}, anc)

	desc, err := f.g.ComputeDescendants(f.ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []RID{2, 3, 4, 5, 6}, desc)

	limited, err := f.g.ComputeAncestors(f.ctx, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, []RID{5, 4}, limited)
}

func TestAncestorDescendantSymmetry(t *testing.T) {
	f := history(t)
	all := []RID{1, 2, 3, 4, 5, 6}

	for _, a := range all {
		desc, err := f.g.ComputeDescendants(f.ctx, a, 0)
		require.NoError(t, err)
		for _, b := range desc {
			anc, err := f.g.ComputeAncestors(f.ctx, b, 0)
			require.NoError(t, err)
			assert.Contains(t, anc, a, "%d should be an ancestor of %d", a, b)
		}
	}
}

func TestComputeDirectAncestors(t *testing.T) {
	f := history(t)

	gens, err := f.g.ComputeDirectAncestors(f.ctx, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []Generation{{5, 0}, {3, 1}, {2, 2}, {1, 3}}, gens)

	gens, err = f.g.ComputeDirectAncestors(f.ctx, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, []Generation{{5, 0}, {3, 1}}, gens)
}

func TestCommonAncestor(t *testing.T) {
	f := history(t)
	f.checkin(9, 900)

	tests := []struct {
		name  string
		a, b  RID
		extra []RID
		want  RID
	}{
		{"siblings", 3, 6, nil, 2},
		{"through merge link", 5, 6, nil, 4},
		{"same node", 3, 3, nil, 3},
		{"ancestor", 2, 5, nil, 2},
		{"extra merge source", 3, 6, []RID{4}, 4},
		{"unrelated", 9, 5, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.g.CommonAncestor(f.ctx, tt.a, tt.b, tt.extra)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBranchAndParents(t *testing.T) {
	f := history(t)

	b, err := f.g.BranchOf(f.ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, "feature", b)
	b, err = f.g.BranchOf(f.ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "trunk", b)

	pid, err := f.g.PrimaryParent(f.ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, RID(3), pid)
	pid, err = f.g.PrimaryParent(f.ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, pid)

	ok, err := f.g.IsAncestor(f.ctx, 4, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.g.IsAncestor(f.ctx, 6, 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPath(t *testing.T) {
	f := history(t)

	tests := []struct {
		name     string
		from, to RID
		want     []RID
	}{
		{"self", 3, 3, []RID{3}},
		{"down", 1, 3, []RID{1, 2, 3}},
		{"up", 3, 1, []RID{3, 2, 1}},
		{"across branches", 3, 6, []RID{3, 2, 4, 6}},
		{"through merge", 6, 5, []RID{6, 4, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.g.Path(f.ctx, tt.from, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	f.checkin(7, 7000)
	got, err := f.g.Path(f.ctx, 1, 7)
	require.NoError(t, err)
	assert.Nil(t, got)
}
