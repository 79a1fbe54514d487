// Package kvstore defines the ordered bytewise key-value contract every
// storage component (object store, B-tree, commit DAG, sync engine) is
// built on. Keys are opaque bytes compared lexicographically so related
// rows can be colocated under shared prefixes.
package kvstore

import "context"

// Entry is a single key/value pair returned by an iterator or a
// get-with-prefix scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// Iterator walks entries in key order starting at or after the key it was
// created for. Callers must call Close when done.
type Iterator interface {
	// Next advances the iterator and reports whether an entry is
	// available. It must be called once before the first Entry call.
	Next() bool
	// Entry returns the current entry. Valid only after a Next call that
	// returned true.
	Entry() Entry
	// Error returns any error encountered during iteration.
	Error() error
	// Close releases resources held by the iterator.
	Close() error
}

// Batch buffers a set of mutations to be applied atomically. A batch that
// is discarded without calling Execute is a no-op: nothing it buffered is
// ever visible.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	DeleteByPrefix(prefix []byte)
	// Execute applies every buffered mutation atomically. A batch must
	// not be reused after Execute.
	Execute(ctx context.Context) error
}

// Store is the ordered bytewise key-value contract. Implementations must
// support read-your-writes: once a batch's Execute returns, subsequent
// Get/Has/GetWithPrefix/IteratorAt calls observe it.
type Store interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Has(ctx context.Context, key []byte) (bool, error)
	// GetWithPrefix returns every entry whose key has the given prefix,
	// in key order.
	GetWithPrefix(ctx context.Context, prefix []byte) ([]Entry, error)
	// IteratorAt returns an iterator over entries with the given prefix,
	// starting at the prefix itself.
	IteratorAt(ctx context.Context, prefix []byte) (Iterator, error)
	StartBatch() Batch
	Close() error
}
