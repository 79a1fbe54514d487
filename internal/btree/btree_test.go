package btree

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/cuemby/ledger/internal/kvstore/boltstore"
	"github.com/cuemby/ledger/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) (*objectstore.Store, objectstore.ID) {
	t.Helper()
	kv, err := boltstore.Open(t.TempDir(), "btree.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	store := objectstore.New(kv)
	root, err := NewEmptyTree(context.Background(), store)
	require.NoError(t, err)
	return store, root
}

func putEdit(key string, n int) Edit {
	var id objectstore.ID
	copy(id[:], []byte(fmt.Sprintf("value-%d-%s", n, key)))
	return Edit{Key: []byte(key), Op: OpPut, ValueID: id, Priority: PriorityEager}
}

func TestLookupOnEmptyTreeIsAbsent(t *testing.T) {
	store, root := newTestTree(t)
	_, found, err := Lookup(context.Background(), store, root, []byte("a"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestApplyThenLookupRoundTrips(t *testing.T) {
	store, root := newTestTree(t)
	ctx := context.Background()

	edit := putEdit("alpha", 1)
	newRoot, err := Apply(ctx, store, root, []Edit{edit})
	require.NoError(t, err)

	entry, found, err := Lookup(ctx, store, newRoot, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, edit.ValueID, entry.ValueID)
}

func TestApplyUnchangedRootIsSharedNotMutated(t *testing.T) {
	store, root := newTestTree(t)
	ctx := context.Background()

	newRoot, err := Apply(ctx, store, root, []Edit{putEdit("alpha", 1)})
	require.NoError(t, err)

	_, found, err := Lookup(ctx, store, root, []byte("alpha"))
	require.NoError(t, err)
	assert.False(t, found, "original root must be untouched by a copy-on-write apply")
	assert.NotEqual(t, root, newRoot)
}

func TestApplyDeleteRemovesEntry(t *testing.T) {
	store, root := newTestTree(t)
	ctx := context.Background()

	root, err := Apply(ctx, store, root, []Edit{putEdit("alpha", 1)})
	require.NoError(t, err)

	root, err = Apply(ctx, store, root, []Edit{{Key: []byte("alpha"), Op: OpDelete}})
	require.NoError(t, err)

	_, found, err := Lookup(ctx, store, root, []byte("alpha"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestApplyOverwritesExistingKey(t *testing.T) {
	store, root := newTestTree(t)
	ctx := context.Background()

	root, err := Apply(ctx, store, root, []Edit{putEdit("alpha", 1)})
	require.NoError(t, err)

	overwrite := putEdit("alpha", 2)
	root, err = Apply(ctx, store, root, []Edit{overwrite})
	require.NoError(t, err)

	entry, found, err := Lookup(ctx, store, root, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, overwrite.ValueID, entry.ValueID)
}

func TestIterateReturnsKeysInOrder(t *testing.T) {
	store, root := newTestTree(t)
	ctx := context.Background()

	keys := []string{"delta", "alpha", "charlie", "bravo"}
	var edits []Edit
	for i, k := range keys {
		edits = append(edits, putEdit(k, i))
	}
	root, err := Apply(ctx, store, root, edits)
	require.NoError(t, err)

	entries, err := Iterate(ctx, store, root, nil)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	var got []string
	for _, e := range entries {
		got = append(got, string(e.Key))
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, got)
}

func TestIterateFromKeySkipsEarlierEntries(t *testing.T) {
	store, root := newTestTree(t)
	ctx := context.Background()

	var edits []Edit
	for i, k := range []string{"a", "b", "c", "d"} {
		edits = append(edits, putEdit(k, i))
	}
	root, err := Apply(ctx, store, root, edits)
	require.NoError(t, err)

	entries, err := Iterate(ctx, store, root, []byte("c"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", string(entries[0].Key))
	assert.Equal(t, "d", string(entries[1].Key))
}

func TestApplyManyEntriesTriggersSplit(t *testing.T) {
	store, root := newTestTree(t)
	ctx := context.Background()

	var edits []Edit
	for i := 0; i < 500; i++ {
		edits = append(edits, putEdit(fmt.Sprintf("key-%04d", i), i))
	}
	root, err := Apply(ctx, store, root, edits)
	require.NoError(t, err)

	entries, err := Iterate(ctx, store, root, nil)
	require.NoError(t, err)
	require.Len(t, entries, 500)

	for i := 0; i < 500; i++ {
		expected := fmt.Sprintf("key-%04d", i)
		assert.Equal(t, expected, string(entries[i].Key))
	}
}

func TestApplyManyDeletesShrinksBackToConsistentTree(t *testing.T) {
	store, root := newTestTree(t)
	ctx := context.Background()

	var edits []Edit
	for i := 0; i < 300; i++ {
		edits = append(edits, putEdit(fmt.Sprintf("key-%04d", i), i))
	}
	root, err := Apply(ctx, store, root, edits)
	require.NoError(t, err)

	var deletes []Edit
	for i := 0; i < 250; i++ {
		deletes = append(deletes, Edit{Key: []byte(fmt.Sprintf("key-%04d", i)), Op: OpDelete})
	}
	root, err = Apply(ctx, store, root, deletes)
	require.NoError(t, err)

	entries, err := Iterate(ctx, store, root, nil)
	require.NoError(t, err)
	require.Len(t, entries, 50)
	assert.Equal(t, "key-0250", string(entries[0].Key))

	for i := 0; i < 250; i++ {
		_, found, err := Lookup(ctx, store, root, []byte(fmt.Sprintf("key-%04d", i)))
		require.NoError(t, err)
		assert.False(t, found)
	}
}

func TestDiffReportsOnlyChangedKeys(t *testing.T) {
	store, root := newTestTree(t)
	ctx := context.Background()

	base, err := Apply(ctx, store, root, []Edit{putEdit("shared", 1), putEdit("removed", 1)})
	require.NoError(t, err)

	left, err := Apply(ctx, store, base, []Edit{putEdit("left-only", 1)})
	require.NoError(t, err)

	right, err := Apply(ctx, store, base, []Edit{
		putEdit("right-only", 1),
		{Key: []byte("removed"), Op: OpDelete},
	})
	require.NoError(t, err)

	diffs, err := Diff(ctx, store, left, right)
	require.NoError(t, err)

	byKeySide := map[string]bool{}
	for _, d := range diffs {
		byKeySide[fmt.Sprintf("%s:%d", d.Key, d.Side)] = true
	}

	assert.Contains(t, byKeySide, fmt.Sprintf("%s:%d", "left-only", SideLeft))
	assert.Contains(t, byKeySide, fmt.Sprintf("%s:%d", "right-only", SideRight))
	assert.Contains(t, byKeySide, fmt.Sprintf("%s:%d", "removed", SideLeft))
	assert.NotContains(t, byKeySide, fmt.Sprintf("%s:%d", "shared", SideLeft))
	assert.NotContains(t, byKeySide, fmt.Sprintf("%s:%d", "shared", SideRight))
}

func TestDiffOfIdenticalRootsIsEmpty(t *testing.T) {
	store, root := newTestTree(t)
	ctx := context.Background()

	root, err := Apply(ctx, store, root, []Edit{putEdit("alpha", 1)})
	require.NoError(t, err)

	diffs, err := Diff(ctx, store, root, root)
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestNodeEncodeDecodeRoundTrip(t *testing.T) {
	var id1, id2 objectstore.ID
	copy(id1[:], bytes.Repeat([]byte{1}, 32))
	copy(id2[:], bytes.Repeat([]byte{2}, 32))

	n := &node{
		level: 1,
		entries: []Entry{
			{Key: []byte("a"), ValueID: id1, Priority: PriorityEager},
		},
		children: []objectstore.ID{id1, id2},
	}

	decoded, err := decodeNode(encodeNode(n))
	require.NoError(t, err)
	assert.Equal(t, n.level, decoded.level)
	assert.Equal(t, n.entries, decoded.entries)
	assert.Equal(t, n.children, decoded.children)
}
