package tag

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/adalundhe/keel/core/content"
	"github.com/adalundhe/keel/core/dag"
	"github.com/adalundhe/keel/core/database"
	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	pool  *database.Pool
	graph *dag.Graph
	eng   *Engine
	clock int64
}

func newFixture(t *testing.T) *fixture {
	pool := testutil.OpenDB(t)
	store, err := content.NewStore(pool.DB(), content.Config{})
	require.NoError(t, err)
	f := &fixture{t: t, ctx: context.Background(), pool: pool, clock: 1_000_000}
	f.graph = dag.New(pool.DB(), nil)
	f.eng = NewEngine(store, f.graph, Config{
		User: "tester",
		Now: func() time.Time {
			f.clock += 1000
			return time.UnixMilli(f.clock)
		},
	})
	return f
}

func (f *fixture) checkin(name string, mtime int64, parents ...RID) RID {
	f.t.Helper()
	rid, err := f.eng.store.Put(f.ctx, []byte("check-in "+name))
	require.NoError(f.t, err)
	_, err = f.pool.Exec(f.ctx, `INSERT INTO event(objid, type, mtime) VALUES (?, 'ci', ?)`, rid, mtime)
	require.NoError(f.t, err)
	for i, p := range parents {
		_, err := f.pool.Exec(f.ctx,
			`INSERT INTO plink(pid, cid, isprim, mtime) VALUES (?, ?, ?, ?)`, p, rid, i == 0, mtime)
		require.NoError(f.t, err)
	}
	return rid
}

func (f *fixture) insert(rid RID, name string, t Type, value string, mtime int64) bool {
	f.t.Helper()
	ok, err := f.eng.Insert(f.ctx, Insert{Name: name, Type: t, Value: value, SrcID: rid, MTime: mtime, RID: rid})
	require.NoError(f.t, err)
	return ok
}

func (f *fixture) value(rid RID, name string) (string, bool) {
	f.t.Helper()
	v, ok, err := f.eng.Value(f.ctx, rid, name)
	require.NoError(f.t, err)
	return v, ok
}

func (f *fixture) srcid(rid RID, name string) RID {
	f.t.Helper()
	var src RID
	err := f.pool.QueryRow(f.ctx, `
		SELECT x.srcid FROM tagxref x JOIN tag t USING(tagid) WHERE x.rid = ? AND t.tagname = ?`,
		rid, name).Scan(&src)
	require.NoError(f.t, err)
	return src
}

// chain builds n check-ins, each the primary child of the previous one.
func (f *fixture) chain(n int) []RID {
	var rids []RID
	for i := 0; i < n; i++ {
		var parents []RID
		if i > 0 {
			parents = append(parents, rids[i-1])
		}
		rids = append(rids, f.checkin(fmt.Sprint("c", i), int64(100*(i+1)), parents...))
	}
	return rids
}

func TestTypeEnum(t *testing.T) {
	for _, tt := range []Type{Retract, ApplyOnce, Propagate} {
		back, err := TypeFromOp(tt.Op())
		require.NoError(t, err)
		assert.Equal(t, tt, back)
	}
	_, err := TypeFromOp('?')
	assert.Error(t, err)
	assert.Equal(t, "propagating", Propagate.String())
	assert.Equal(t, "unknown", Type(7).String())
	assert.False(t, Retract.Active())
	assert.True(t, ApplyOnce.Active())
}

func TestPropagatingTagReachesDescendants(t *testing.T) {
	f := newFixture(t)
	rids := f.chain(4)

	require.True(t, f.insert(rids[0], "color", Propagate, "red", 500))
	for _, rid := range rids {
		v, ok := f.value(rid, "color")
		assert.True(t, ok)
		assert.Equal(t, "red", v)
	}
	assert.Equal(t, rids[0], f.srcid(rids[0], "color"))
	assert.Equal(t, RID(0), f.srcid(rids[3], "color"), "inherited rows carry no source")
}

func TestApplyOnceDoesNotPropagate(t *testing.T) {
	f := newFixture(t)
	rids := f.chain(2)

	f.insert(rids[0], "release", ApplyOnce, "", 500)
	_, ok := f.value(rids[0], "release")
	assert.True(t, ok)
	_, ok = f.value(rids[1], "release")
	assert.False(t, ok)
}

func TestLastWriterWins(t *testing.T) {
	f := newFixture(t)
	rids := f.chain(1)

	assert.True(t, f.insert(rids[0], "note", ApplyOnce, "new", 200))
	assert.False(t, f.insert(rids[0], "note", ApplyOnce, "older", 100))
	assert.False(t, f.insert(rids[0], "note", ApplyOnce, "tie", 200), "ties favour the existing row")
	v, _ := f.value(rids[0], "note")
	assert.Equal(t, "new", v)
}

func TestExplicitTagBlocksButTraversalContinues(t *testing.T) {
	f := newFixture(t)
	rids := f.chain(4)

	// rids[1] has its own value, pushed down to rids[2] and rids[3].
	f.insert(rids[1], "color", Propagate, "blue", 300)
	v, _ := f.value(rids[3], "color")
	require.Equal(t, "blue", v)

	visited, err := f.eng.Propagate(f.ctx, Propagation{})
	require.NoError(t, err)
	assert.Zero(t, visited)

	f.insert(rids[0], "color", Propagate, "red", 500)

	v, _ = f.value(rids[1], "color")
	assert.Equal(t, "blue", v, "explicit tag is not overwritten")
	assert.Equal(t, rids[1], f.srcid(rids[1], "color"))

	v, _ = f.value(rids[2], "color")
	assert.Equal(t, "red", v, "descendants past the explicit tag are evaluated separately")
	v, _ = f.value(rids[3], "color")
	assert.Equal(t, "red", v)
}

func TestNewerInheritedValueIsKept(t *testing.T) {
	f := newFixture(t)
	rids := f.chain(3)

	f.insert(rids[1], "color", Propagate, "blue", 900)
	f.insert(rids[0], "color", Propagate, "red", 500)

	v, _ := f.value(rids[2], "color")
	assert.Equal(t, "blue", v)
}

func TestPropagateVisitsEachNodeOnce(t *testing.T) {
	f := newFixture(t)
	a := f.checkin("a", 100)
	b := f.checkin("b", 200, a)
	c := f.checkin("c", 300, a)
	d := f.checkin("d", 400, b, c)
	f.checkin("e", 500, d)

	tagid, err := f.eng.IDOf(f.ctx, "color", true)
	require.NoError(t, err)
	visited, err := f.eng.Propagate(f.ctx, Propagation{
		TagID: tagid, Type: Propagate, OrigID: a, Value: "red", MTime: 600, From: a,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, visited)
}

func TestPropagationStopsAtBranchBoundaryOnMergeEdges(t *testing.T) {
	f := newFixture(t)
	t1 := f.checkin("t1", 100)
	t2 := f.checkin("t2", 200, t1)
	f1 := f.checkin("f1", 300, t1)
	f.insert(f1, "branch", Propagate, "feature", 300)
	f2 := f.checkin("f2", 400, f1, t2)
	f.insert(f2, "branch", Propagate, "feature", 400)

	f.insert(t2, "bgcolor", Propagate, "#ff0000", 500)
	_, ok := f.value(f2, "bgcolor")
	assert.False(t, ok, "merge edge into another branch is not followed")

	var color sql.NullString
	require.NoError(t, f.pool.QueryRow(f.ctx, `SELECT bgcolor FROM event WHERE objid = ?`, t2).Scan(&color))
	assert.Equal(t, "#ff0000", color.String)
}

func TestCancelRemovesInheritedCopies(t *testing.T) {
	f := newFixture(t)
	rids := f.chain(3)

	f.insert(rids[0], "color", Propagate, "red", 500)
	f.insert(rids[0], "color", Retract, "", 600)

	for _, rid := range rids {
		_, ok := f.value(rid, "color")
		assert.False(t, ok)
	}
	var n int
	require.NoError(t, f.pool.QueryRow(f.ctx, `
		SELECT count(*) FROM tagxref JOIN tag USING(tagid) WHERE tagname = 'color'`).Scan(&n))
	assert.Equal(t, 1, n, "only the retraction row on the origin remains")
}

func TestEventSideEffects(t *testing.T) {
	f := newFixture(t)
	rid := f.chain(1)[0]

	f.insert(rid, "comment", ApplyOnce, "edited comment", 500)
	f.insert(rid, "user", ApplyOnce, "bob", 500)
	f.insert(rid, "date", ApplyOnce, "2024-01-02T03:04:05.000", 500)

	var ecomment, euser sql.NullString
	var emtime sql.NullInt64
	require.NoError(t, f.pool.QueryRow(f.ctx,
		`SELECT ecomment, euser, emtime FROM event WHERE objid = ?`, rid).Scan(&ecomment, &euser, &emtime))
	assert.Equal(t, "edited comment", ecomment.String)
	assert.Equal(t, "bob", euser.String)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(), emtime.Int64)
}

func TestAddAndCancelThroughControlArtifacts(t *testing.T) {
	f := newFixture(t)
	rid := f.chain(1)[0]

	ctrl, err := f.eng.Add(f.ctx, "release", rid, ApplyOnce, "1.0")
	require.NoError(t, err)
	v, ok := f.value(rid, "release")
	assert.True(t, ok)
	assert.Equal(t, "1.0", v)
	assert.Equal(t, ctrl, f.srcid(rid, "release"))

	var kind string
	require.NoError(t, f.pool.QueryRow(f.ctx, `SELECT type FROM event WHERE objid = ?`, ctrl).Scan(&kind))
	assert.Equal(t, "g", kind)

	_, err = f.eng.Cancel(f.ctx, "release", rid)
	require.NoError(t, err)
	_, ok = f.value(rid, "release")
	assert.False(t, ok)

	_, err = f.eng.Cancel(f.ctx, "release", rid)
	assert.True(t, errors.IsNotFound(err))
}

func TestBranch(t *testing.T) {
	f := newFixture(t)
	rids := f.chain(3)
	f.insert(rids[0], "branch", Propagate, "trunk", 100)
	f.insert(rids[0], SymbolicName("trunk"), Propagate, "", 100)

	_, err := f.eng.Branch(f.ctx, rids[1], "feature", "#00ff00")
	require.NoError(t, err)

	b, err := f.graph.BranchOf(f.ctx, rids[0])
	require.NoError(t, err)
	assert.Equal(t, "trunk", b)
	for _, rid := range rids[1:] {
		b, err := f.graph.BranchOf(f.ctx, rid)
		require.NoError(t, err)
		assert.Equal(t, "feature", b)

		has, err := f.eng.Has(f.ctx, rid, "sym-trunk")
		require.NoError(t, err)
		assert.False(t, has)
		has, err = f.eng.Has(f.ctx, rid, "sym-feature")
		require.NoError(t, err)
		assert.True(t, has)
	}

	leaf, err := f.graph.IsLeaf(f.ctx, rids[0])
	require.NoError(t, err)
	assert.True(t, leaf, "the trunk parent of the new branch is a trunk leaf")
}

func TestPropagateAllReachesNewChild(t *testing.T) {
	f := newFixture(t)
	rids := f.chain(2)
	f.insert(rids[0], "color", Propagate, "red", 500)

	child := f.checkin("late", 700, rids[1])
	_, ok := f.value(child, "color")
	require.False(t, ok)

	require.NoError(t, f.eng.PropagateAll(f.ctx, rids[1]))
	v, ok := f.value(child, "color")
	assert.True(t, ok)
	assert.Equal(t, "red", v)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	rid := f.chain(1)[0]
	f.insert(rid, "zeta", ApplyOnce, "", 100)
	f.insert(rid, "alpha", Propagate, "v", 100)

	list, err := f.eng.List(f.ctx, rid)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, Propagate, list[0].Type)
	assert.False(t, list[0].Propagated())
}
