package content

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/report"
	"github.com/adalundhe/keel/core/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, *report.Collector) {
	t.Helper()
	pool := testutil.OpenDB(t)
	rep := &report.Collector{}
	s, err := NewStore(pool.DB(), Config{Reporter: rep})
	require.NoError(t, err)
	return s, rep
}

// uncached returns a store on the same database with an empty cache, so
// reads go through reconstruction.
func uncached(t *testing.T, s *Store) *Store {
	t.Helper()
	fresh, err := NewStore(s.Querier(), Config{})
	require.NoError(t, err)
	return fresh
}

func version(n int) []byte {
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&sb, "line %d of a reasonably long shared file body\n", i)
	}
	fmt.Fprintf(&sb, "revision %d\n", n)
	return []byte(sb.String())
}

func TestComputeUUID(t *testing.T) {
	assert.Equal(t, UUID("da39a3ee5e6b4b0d3255bfef95601890afd80709"), ComputeUUID(nil))
	assert.Equal(t, UUID("a9993e364706816aba3e25717850c26c9cd0d89d"), ComputeUUID([]byte("abc")))
	assert.True(t, ValidUUID(string(ComputeUUID([]byte("x")))))
	assert.False(t, ValidUUID("A9993E364706816ABA3E25717850C26C9CD0D89D"))
	assert.Equal(t, "a9993e3647", ComputeUUID([]byte("abc")).Short())
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	inputs := [][]byte{{}, []byte("hello"), version(1), {0, 1, 2, 255}}
	for _, in := range inputs {
		rid, err := s.Put(ctx, in)
		require.NoError(t, err)

		again, err := s.Put(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, rid, again)

		got, err := uncached(t, s).Get(ctx, rid)
		require.NoError(t, err)
		assert.Equal(t, in, nilToEmpty(got))
	}

	var n int
	require.NoError(t, s.q.QueryRowContext(ctx, `SELECT count(*) FROM blob`).Scan(&n))
	assert.Equal(t, len(inputs), n)
}

func nilToEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func TestGetUnknown(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Get(context.Background(), 42)
	assert.True(t, errors.IsNotFound(err))
}

func TestPhantomIsFilledByPut(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	data := []byte("arrives later")

	rid, err := s.NewPhantom(ctx, ComputeUUID(data))
	require.NoError(t, err)

	phantom, err := s.IsPhantom(ctx, rid)
	require.NoError(t, err)
	assert.True(t, phantom)

	_, err = s.Get(ctx, rid)
	assert.True(t, errors.IsNotFound(err))
	exists, err := s.Exists(ctx, ComputeUUID(data))
	require.NoError(t, err)
	assert.False(t, exists)

	filled, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, rid, filled)

	got, err := s.GetByUUID(ctx, ComputeUUID(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDeltifyAndUndelta(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	base, err := s.Put(ctx, version(1))
	require.NoError(t, err)
	next, err := s.PutDelta(ctx, version(2), base)
	require.NoError(t, err)

	src, ok, err := s.DeltaSource(ctx, next)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base, src)

	depth, err := s.ChainLength(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	got, err := uncached(t, s).Get(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, version(2), got)

	// The reverse direction would close a cycle.
	done, err := s.Deltify(ctx, base, next)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.Undelta(ctx, next))
	_, ok, err = s.DeltaSource(ctx, next)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, uncached(t, s).Verify(ctx, next))
}

func TestDeltifyRefusesPrivateSourceForPublicTarget(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	priv, err := s.Put(ctx, version(1))
	require.NoError(t, err)
	require.NoError(t, s.MarkPrivate(ctx, priv))
	pub, err := s.Put(ctx, version(2))
	require.NoError(t, err)

	done, err := s.Deltify(ctx, pub, priv)
	require.NoError(t, err)
	assert.False(t, done)

	// The other way around is allowed.
	done, err = s.Deltify(ctx, priv, pub)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestMakePublicUndeltifiesPrivateSource(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	a, err := s.Put(ctx, version(1))
	require.NoError(t, err)
	b, err := s.Put(ctx, version(2))
	require.NoError(t, err)
	require.NoError(t, s.MarkPrivate(ctx, a))
	require.NoError(t, s.MarkPrivate(ctx, b))
	done, err := s.Deltify(ctx, b, a)
	require.NoError(t, err)
	require.True(t, done)

	require.NoError(t, s.MakePublic(ctx, b))
	private, err := s.IsPrivate(ctx, b)
	require.NoError(t, err)
	assert.False(t, private)
	_, ok, err := s.DeltaSource(ctx, b)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeltifyRespectsChainLimit(t *testing.T) {
	ctx := context.Background()
	pool := testutil.OpenDB(t)
	s, err := NewStore(pool.DB(), Config{MaxDeltaChain: 2})
	require.NoError(t, err)

	prev, err := s.Put(ctx, version(0))
	require.NoError(t, err)
	var results []bool
	for i := 1; i <= 3; i++ {
		rid, err := s.Put(ctx, version(i))
		require.NoError(t, err)
		done, err := s.Deltify(ctx, rid, prev)
		require.NoError(t, err)
		results = append(results, done)
		prev = rid
	}
	assert.Equal(t, []bool{true, true, false}, results)
}

func TestGetDetectsCorruption(t *testing.T) {
	ctx := context.Background()

	t.Run("cycle", func(t *testing.T) {
		s, _ := newStore(t)
		a, err := s.Put(ctx, version(1))
		require.NoError(t, err)
		b, err := s.PutDelta(ctx, version(2), a)
		require.NoError(t, err)
		_, err = s.q.ExecContext(ctx, `INSERT OR REPLACE INTO delta(rid, srcid) VALUES (?, ?)`, a, b)
		require.NoError(t, err)

		_, err = uncached(t, s).Get(ctx, b)
		assert.ErrorIs(t, err, errors.ErrCorrupt)
	})

	t.Run("missing source", func(t *testing.T) {
		s, _ := newStore(t)
		a, err := s.Put(ctx, version(1))
		require.NoError(t, err)
		b, err := s.PutDelta(ctx, version(2), a)
		require.NoError(t, err)
		_, err = s.q.ExecContext(ctx, `DELETE FROM blob WHERE rid = ?`, a)
		require.NoError(t, err)

		_, err = uncached(t, s).Get(ctx, b)
		assert.ErrorIs(t, err, errors.ErrCorrupt)
	})

	t.Run("malformed delta", func(t *testing.T) {
		s, _ := newStore(t)
		a, err := s.Put(ctx, version(1))
		require.NoError(t, err)
		b, err := s.PutDelta(ctx, version(2), a)
		require.NoError(t, err)
		packed, err := Compress([]byte("~~~~~~~~~~~\n0;"))
		require.NoError(t, err)
		_, err = s.q.ExecContext(ctx, `UPDATE blob SET content = ? WHERE rid = ?`, packed, b)
		require.NoError(t, err)

		_, err = uncached(t, s).Get(ctx, b)
		assert.ErrorIs(t, err, errors.ErrCorrupt)
	})

	t.Run("digest mismatch", func(t *testing.T) {
		s, _ := newStore(t)
		a, err := s.Put(ctx, []byte("original"))
		require.NoError(t, err)
		packed, err := Compress([]byte("tampered"))
		require.NoError(t, err)
		_, err = s.q.ExecContext(ctx, `UPDATE blob SET content = ? WHERE rid = ?`, packed, a)
		require.NoError(t, err)

		assert.ErrorIs(t, uncached(t, s).Verify(ctx, a), errors.ErrCorrupt)
	})
}

func TestDeleteUndeltifiesDependents(t *testing.T) {
	ctx := context.Background()
	s, rep := newStore(t)

	a, err := s.Put(ctx, version(1))
	require.NoError(t, err)
	b, err := s.PutDelta(ctx, version(2), a)
	require.NoError(t, err)
	c, err := s.PutDelta(ctx, version(3), a)
	require.NoError(t, err)

	n, err := s.Delete(ctx, []RID{a})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, rep.Lines(), 2)

	fresh := uncached(t, s)
	for rid, want := range map[RID][]byte{b: version(2), c: version(3)} {
		got, err := fresh.Get(ctx, rid)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = fresh.Get(ctx, a)
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteSkipsUnknownRIDs(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	a, err := s.Put(ctx, version(1))
	require.NoError(t, err)
	n, err := s.Delete(ctx, []RID{a, 9999})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = uncached(t, s).Get(ctx, a)
	assert.True(t, errors.IsNotFound(err))
}

func TestPurgePrivateKeepsPublicReconstructable(t *testing.T) {
	ctx := context.Background()
	s, rep := newStore(t)

	var rids []RID
	for i := 0; i < 5; i++ {
		var src RID
		if i > 0 {
			src = rids[i-1]
		}
		rid, err := s.PutDelta(ctx, version(i), src)
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	// Marked private after the chain was built: v2 and v4 now delta from
	// private sources.
	require.NoError(t, s.MarkPrivate(ctx, rids[1]))
	require.NoError(t, s.MarkPrivate(ctx, rids[3]))

	n, err := s.PurgePrivate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := rep.Lines()
	require.Len(t, lines, 2)
	for _, l := range lines {
		assert.Contains(t, l, "deltas from private")
	}

	survivors, err := s.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []RID{rids[0], rids[2], rids[4]}, survivors)
	for _, rid := range survivors {
		require.NoError(t, uncached(t, s).Verify(ctx, rid))
	}
}

func TestDeleteSafetyRandomized(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 5; round++ {
		s, _ := newStore(t)
		var rids []RID
		for i := 0; i < 12; i++ {
			rid, err := s.Put(ctx, version(round*100+i))
			require.NoError(t, err)
			if i > 0 {
				_, err = s.Deltify(ctx, rid, rids[rng.Intn(len(rids))])
				require.NoError(t, err)
			}
			rids = append(rids, rid)
		}
		for _, rid := range rids {
			if rng.Intn(3) == 0 {
				require.NoError(t, s.MarkPrivate(ctx, rid))
			}
		}

		_, err := s.PurgePrivate(ctx)
		require.NoError(t, err)

		survivors, err := s.All(ctx)
		require.NoError(t, err)
		fresh := uncached(t, s)
		for _, rid := range survivors {
			require.NoError(t, fresh.Verify(ctx, rid), "round %d rid %d", round, rid)
		}
	}
}

func TestShun(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	data := []byte("unwanted")

	_, err := s.Put(ctx, data)
	require.NoError(t, err)
	require.NoError(t, s.Shun(ctx, ComputeUUID(data)))

	exists, err := s.Exists(ctx, ComputeUUID(data))
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = s.Put(ctx, data)
	assert.ErrorIs(t, err, errors.ErrPrecondition)

	require.NoError(t, s.Shun(ctx, ComputeUUID([]byte("never stored"))))
}
