package boltstore

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/ledger/internal/ledgererr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, []byte("missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledgererr.NotFound))
}

func TestBatchExecuteIsAtomicAndVisible(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := s.StartBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	require.NoError(t, b.Execute(ctx))

	v, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	has, err := s.Has(ctx, []byte("b"))
	require.NoError(t, err)
	assert.True(t, has)
}

func TestDiscardedBatchIsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := s.StartBatch()
	b.Put([]byte("x"), []byte("1"))
	// never call Execute

	has, err := s.Has(ctx, []byte("x"))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestGetWithPrefixReturnsOrderedEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := s.StartBatch()
	b.Put([]byte("commit/b"), []byte("2"))
	b.Put([]byte("commit/a"), []byte("1"))
	b.Put([]byte("object/z"), []byte("9"))
	require.NoError(t, b.Execute(ctx))

	entries, err := s.GetWithPrefix(ctx, []byte("commit/"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("commit/a"), entries[0].Key)
	assert.Equal(t, []byte("commit/b"), entries[1].Key)
}

func TestIteratorAtWalksInKeyOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := s.StartBatch()
	b.Put([]byte("heads/1"), []byte("a"))
	b.Put([]byte("heads/2"), []byte("b"))
	b.Put([]byte("heads/3"), []byte("c"))
	require.NoError(t, b.Execute(ctx))

	it, err := s.IteratorAt(ctx, []byte("heads/"))
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Entry().Key))
	}
	require.NoError(t, it.Error())
	assert.Equal(t, []string{"heads/1", "heads/2", "heads/3"}, keys)
}

func TestDeleteByPrefixRemovesMatchingRowsOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := s.StartBatch()
	b.Put([]byte("heads/1"), []byte("a"))
	b.Put([]byte("heads/2"), []byte("b"))
	b.Put([]byte("object/1"), []byte("c"))
	require.NoError(t, b.Execute(ctx))

	b = s.StartBatch()
	b.DeleteByPrefix([]byte("heads/"))
	require.NoError(t, b.Execute(ctx))

	entries, err := s.GetWithPrefix(ctx, []byte("heads/"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	has, err := s.Has(ctx, []byte("object/1"))
	require.NoError(t, err)
	assert.True(t, has)
}

func TestBatchMixesDeleteAndDeleteByPrefixAtomically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := s.StartBatch()
	b.Put([]byte("heads/1"), []byte("a"))
	b.Put([]byte("keep"), []byte("v"))
	require.NoError(t, b.Execute(ctx))

	b = s.StartBatch()
	b.DeleteByPrefix([]byte("heads/"))
	b.Delete([]byte("keep"))
	b.Put([]byte("heads/2"), []byte("b"))
	require.NoError(t, b.Execute(ctx))

	entries, err := s.GetWithPrefix(ctx, []byte("heads/"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("heads/2"), entries[0].Key)

	has, err := s.Has(ctx, []byte("keep"))
	require.NoError(t, err)
	assert.False(t, has)
}
