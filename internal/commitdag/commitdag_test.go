package commitdag

import (
	"context"
	"testing"

	"github.com/cuemby/ledger/internal/kvstore"
	"github.com/cuemby/ledger/internal/kvstore/boltstore"
	"github.com/cuemby/ledger/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T) kvstore.Store {
	t.Helper()
	kv, err := boltstore.Open(t.TempDir(), "commits.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func addCommit(t *testing.T, ctx context.Context, kv kvstore.Store, root byte, ts int64, parents ...ID) ID {
	t.Helper()
	var rootTreeID objectstore.ID
	rootTreeID[0] = root

	c, err := NewChild(ctx, kv, rootTreeID, ts, parents...)
	require.NoError(t, err)

	b := kv.StartBatch()
	id := PrepareAddCommit(b, c)
	require.NoError(t, b.Execute(ctx))
	return id
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var root objectstore.ID
	root[0] = 7
	var parent ID
	parent[0] = 1

	c := &Commit{RootTreeID: root, Parents: []ID{parent}, Timestamp: 12345, Generation: 2}
	decoded, err := Decode(Encode(c))
	require.NoError(t, err)
	assert.Equal(t, c.RootTreeID, decoded.RootTreeID)
	assert.Equal(t, c.Parents, decoded.Parents)
	assert.Equal(t, c.Timestamp, decoded.Timestamp)
	assert.Equal(t, c.Generation, decoded.Generation)
}

func TestEncodeIsOrderIndependentInParents(t *testing.T) {
	var root objectstore.ID
	root[0] = 5
	var p1, p2 ID
	p1[0] = 1
	p2[0] = 2

	c1 := &Commit{RootTreeID: root, Parents: []ID{p1, p2}, Timestamp: 10, Generation: 1}
	c2 := &Commit{RootTreeID: root, Parents: []ID{p2, p1}, Timestamp: 10, Generation: 1}

	assert.Equal(t, IDOf(c1), IDOf(c2))
}

func TestAddCommitMaintainsHeadsAntichain(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	root1 := addCommit(t, ctx, kv, 1, 100)
	heads, err := Heads(ctx, kv)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ID{root1}, heads)

	child := addCommit(t, ctx, kv, 2, 200, root1)
	heads, err = Heads(ctx, kv)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ID{child}, heads)
}

func TestAddCommitWithTwoParentsMergesHeads(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	root := addCommit(t, ctx, kv, 0, 0)
	a := addCommit(t, ctx, kv, 1, 100, root)
	b := addCommit(t, ctx, kv, 2, 100, root)

	heads, err := Heads(ctx, kv)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ID{a, b}, heads)

	merge := addCommit(t, ctx, kv, 3, 300, a, b)
	heads, err = Heads(ctx, kv)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ID{merge}, heads)
}

func TestGenerationIsMaxOfParentsPlusOne(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	root := addCommit(t, ctx, kv, 0, 0)
	a := addCommit(t, ctx, kv, 1, 100, root)
	b := addCommit(t, ctx, kv, 2, 100, root)
	merge := addCommit(t, ctx, kv, 3, 300, a, b)

	mergeCommit, err := Get(ctx, kv, merge)
	require.NoError(t, err)
	assert.EqualValues(t, 2, mergeCommit.Generation)
}

func TestIsAncestorTrueAndFalse(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	root := addCommit(t, ctx, kv, 0, 0)
	child := addCommit(t, ctx, kv, 1, 100, root)
	unrelatedRoot := addCommit(t, ctx, kv, 9, 0)

	ok, err := IsAncestor(ctx, kv, root, child)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsAncestor(ctx, kv, unrelatedRoot, child)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLowestCommonAncestorOfDivergentHeads(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	root := addCommit(t, ctx, kv, 0, 0)
	a1 := addCommit(t, ctx, kv, 1, 100, root)
	a2 := addCommit(t, ctx, kv, 2, 200, a1)
	b1 := addCommit(t, ctx, kv, 3, 150, root)

	lca, err := LowestCommonAncestor(ctx, kv, a2, b1)
	require.NoError(t, err)
	assert.Equal(t, root, lca)
}

func TestLowestCommonAncestorOfSameCommitIsItself(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	root := addCommit(t, ctx, kv, 0, 0)
	lca, err := LowestCommonAncestor(ctx, kv, root, root)
	require.NoError(t, err)
	assert.Equal(t, root, lca)
}
