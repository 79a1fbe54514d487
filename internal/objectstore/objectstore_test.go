package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/cuemby/ledger/internal/kvstore/boltstore"
	"github.com/cuemby/ledger/internal/ledgererr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := boltstore.Open(t.TempDir(), "objects.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv)
}

func TestAddFromSourceAndGetObjectRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddFromSource(ctx, bytes.NewReader([]byte("hello ledger")))
	require.NoError(t, err)

	r, err := s.GetObject(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, len("hello ledger"), r.Size)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello ledger", string(got))
}

func TestAddFromSourceIsAtMostOnceWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.AddFromSource(ctx, bytes.NewReader([]byte("duplicate")))
	require.NoError(t, err)

	id2, err := s.AddFromSource(ctx, bytes.NewReader([]byte("duplicate")))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestContainsReflectsPresence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddFromSource(ctx, bytes.NewReader([]byte("present")))
	require.NoError(t, err)

	ok, err := s.Contains(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Contains(ctx, digestOf([]byte("absent")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLargeValueIsChunkedAndReassembled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("x"), MaxChunkSize*3+17)
	id, err := s.AddFromSource(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	r, err := s.GetObject(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), r.Size)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestGetObjectMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetObject(ctx, digestOf([]byte("never written")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledgererr.NotFound))
}

func TestGetObjectDetectsDigestMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddFromSource(ctx, bytes.NewReader([]byte("original")))
	require.NoError(t, err)

	// Corrupt the stored bytes directly through the kv layer, bypassing
	// the object store's own write path.
	b := s.kv.StartBatch()
	b.Put(id.key(), []byte("tampered"))
	require.NoError(t, b.Execute(ctx))

	_, err = s.GetObject(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledgererr.DataIntegrity))
}

func TestEmptySourceProducesEmptyObject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddFromSource(ctx, bytes.NewReader(nil))
	require.NoError(t, err)

	r, err := s.GetObject(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 0, r.Size)
}
