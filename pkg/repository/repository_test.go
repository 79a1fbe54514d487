package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ledger/internal/btree"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestPagePutGetRoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	page, err := repo.Page("app1", "page1")
	require.NoError(t, err)

	require.NoError(t, page.Put(ctx, []byte("k"), []byte("v"), btree.PriorityEager))

	snap, err := page.Snapshot(ctx)
	require.NoError(t, err)

	value, err := snap.GetBytes(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(value))
}

func TestPageReopenIsSamePage(t *testing.T) {
	repo := openTestRepo(t)

	p1, err := repo.Page("app1", "page1")
	require.NoError(t, err)
	p2, err := repo.Page("app1", "page1")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestPageDeleteRemovesKey(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	page, err := repo.Page("app1", "page1")
	require.NoError(t, err)

	require.NoError(t, page.Put(ctx, []byte("k"), []byte("v"), btree.PriorityEager))
	require.NoError(t, page.Delete(ctx, []byte("k")))

	snap, err := page.Snapshot(ctx)
	require.NoError(t, err)
	_, err = snap.GetBytes(ctx, []byte("k"))
	assert.Error(t, err)
}

func TestSnapshotGetKeysByPrefixFiltersPastPrefix(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	page, err := repo.Page("app1", "page1")
	require.NoError(t, err)

	require.NoError(t, page.Put(ctx, []byte("fruit/apple"), []byte("1"), btree.PriorityEager))
	require.NoError(t, page.Put(ctx, []byte("fruit/banana"), []byte("2"), btree.PriorityEager))
	require.NoError(t, page.Put(ctx, []byte("vegetable/carrot"), []byte("3"), btree.PriorityEager))

	snap, err := page.Snapshot(ctx)
	require.NoError(t, err)

	entries, err := snap.GetKeysByPrefix(ctx, []byte("fruit/"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "fruit/apple", string(entries[0].Key))
	assert.Equal(t, "fruit/banana", string(entries[1].Key))
}

func TestTransactionCommitsBothKeysAtomically(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	page, err := repo.Page("app1", "page1")
	require.NoError(t, err)

	txn, err := page.NewTransaction(ctx)
	require.NoError(t, err)
	txn.PutBytes([]byte("a"), []byte("1"), btree.PriorityEager)
	txn.PutBytes([]byte("b"), []byte("2"), btree.PriorityEager)
	_, err = page.Commit(ctx, txn)
	require.NoError(t, err)

	snap, err := page.Snapshot(ctx)
	require.NoError(t, err)
	entries, err := snap.GetEntries(ctx, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestWatchReceivesHeadChangedOnPut(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	page, err := repo.Page("app1", "page1")
	require.NoError(t, err)

	sub := page.Watch()
	defer page.Unwatch(sub)

	require.NoError(t, page.Put(ctx, []byte("k"), []byte("v"), btree.PriorityEager))

	select {
	case ev := <-sub:
		assert.Equal(t, "page1", ev.PageID)
	case <-time.After(time.Second):
		t.Fatal("expected a head-changed event within one second")
	}
}
