package commitapply

import (
	"bytes"
	"context"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ledger/internal/kvstore/boltstore"
)

func newTestKV(t *testing.T) *boltstore.Store {
	t.Helper()
	kv, err := boltstore.Open(t.TempDir(), "commitapply.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestApplyExecutesPutsAndDeletes(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	batch := kv.StartBatch()
	batch.Put([]byte("stale"), []byte("old"))
	require.NoError(t, batch.Execute(ctx))

	a := New(kv)
	payload, err := EncodeBatch(
		[]KV{{Key: []byte("fresh"), Value: []byte("new")}},
		[][]byte{[]byte("stale")},
	)
	require.NoError(t, err)

	result := a.Apply(&raft.Log{Data: payload})
	assert.Nil(t, result)

	v, err := kv.Get(ctx, []byte("fresh"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(v))

	has, err := kv.Has(ctx, []byte("stale"))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestApplyRejectsUnknownCommand(t *testing.T) {
	a := New(newTestKV(t))
	result := a.Apply(&raft.Log{Data: []byte(`{"op":"bogus"}`)})
	err, ok := result.(error)
	require.True(t, ok)
	assert.Error(t, err)
}

func TestSnapshotAndRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestKV(t)
	a := New(src)

	for _, kv := range []KV{{Key: []byte("a"), Value: []byte("1")}, {Key: []byte("b"), Value: []byte("2")}} {
		payload, err := EncodeBatch([]KV{kv}, nil)
		require.NoError(t, err)
		result := a.Apply(&raft.Log{Data: payload})
		assert.Nil(t, result)
	}

	snap, err := a.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, snap.Persist(&fakeSink{Buffer: &buf}))

	dst := newTestKV(t)
	restoreBatch := dst.StartBatch()
	restoreBatch.Put([]byte("leftover"), []byte("x"))
	require.NoError(t, restoreBatch.Execute(ctx))

	b := New(dst)
	require.NoError(t, b.Restore(fakeReadCloser{Reader: bytes.NewReader(buf.Bytes())}))

	has, err := dst.Has(ctx, []byte("leftover"))
	require.NoError(t, err)
	assert.False(t, has, "restore must replace the store's entire contents")

	v, err := dst.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
	v, err = dst.Get(ctx, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
}

type fakeSink struct {
	*bytes.Buffer
}

func (f *fakeSink) ID() string    { return "test" }
func (f *fakeSink) Cancel() error { return nil }
func (f *fakeSink) Close() error  { return nil }

type fakeReadCloser struct {
	*bytes.Reader
}

func (fakeReadCloser) Close() error { return nil }
