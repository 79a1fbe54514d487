package cloudproto

import (
	"context"
	"io"
)

// WatchEvent is one change observed on a watched document path.
type WatchEvent struct {
	Path string
	Data []byte
}

// DocumentService is the external key-value document service contract:
// get/put/patch/delete plus a change watch. Values are JSON-shaped; the
// sync engine is the only caller that interprets their contents.
type DocumentService interface {
	// Get returns the value stored at path, or a nil slice with a nil
	// error if nothing is stored there (mirroring a null read from the
	// underlying document tree rather than treating absence as an error).
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, value []byte) error
	Patch(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
	// Watch streams changes at or under path, starting at fromTimestamp
	// (microseconds since epoch; 0 means from the beginning). The
	// returned channel is closed when ctx is done or the watch ends.
	Watch(ctx context.Context, path string, fromTimestamp int64) (<-chan WatchEvent, error)
}

// BlobService is the external object blob service contract: idempotent
// upload keyed by content id, and streamed download.
type BlobService interface {
	// Upload stores size bytes from r under key. A provider implementing
	// "if-none-match" semantics must treat re-uploading an existing key
	// as a no-op rather than an error, since objects are content-
	// addressed and a duplicate upload is never a conflict.
	Upload(ctx context.Context, key string, r io.Reader, size int64) error
	// Download returns a stream for key and its declared size.
	Download(ctx context.Context, key string) (io.ReadCloser, int64, error)
}
