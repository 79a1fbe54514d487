// Package boltstore implements the kvstore contract on top of bbolt, the
// same embedded ordered key-value engine used for the rest of the page's
// on-disk state.
package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/cuemby/ledger/internal/kvstore"
	"github.com/cuemby/ledger/internal/ledgererr"
	bolt "go.etcd.io/bbolt"
)

var rootBucket = []byte("kv")

// Store is a bbolt-backed kvstore.Store. A single bucket holds every row;
// bbolt already keeps bucket contents sorted by key, so prefix scans and
// ordered iteration fall directly out of its cursor.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database file under dataDir.
func Open(dataDir, filename string) (*Store, error) {
	path := filepath.Join(dataDir, filename)

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ledgererr.IO, path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create bucket: %v", ledgererr.IO, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(rootBucket).Get(key)
		if v == nil {
			return fmt.Errorf("%w: key %x", ledgererr.NotFound, key)
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

func (s *Store) Has(ctx context.Context, key []byte) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(rootBucket).Get(key) != nil
		return nil
	})
	return found, err
}

func (s *Store) GetWithPrefix(ctx context.Context, prefix []byte) ([]kvstore.Entry, error) {
	var entries []kvstore.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			entries = append(entries, kvstore.Entry{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	return entries, err
}

func (s *Store) IteratorAt(ctx context.Context, prefix []byte) (kvstore.Iterator, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("%w: begin iterator: %v", ledgererr.IO, err)
	}
	return &iterator{tx: tx, cursor: tx.Bucket(rootBucket).Cursor(), prefix: prefix, started: false}, nil
}

func (s *Store) StartBatch() kvstore.Batch {
	return &batch{db: s.db}
}

type iterator struct {
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	prefix  []byte
	started bool
	key     []byte
	value   []byte
	done    bool
}

func (it *iterator) Next() bool {
	if it.done {
		return false
	}

	var k, v []byte
	if !it.started {
		it.started = true
		k, v = it.cursor.Seek(it.prefix)
	} else {
		k, v = it.cursor.Next()
	}

	if k == nil || !bytes.HasPrefix(k, it.prefix) {
		it.done = true
		it.key, it.value = nil, nil
		return false
	}

	it.key = append([]byte(nil), k...)
	it.value = append([]byte(nil), v...)
	return true
}

func (it *iterator) Entry() kvstore.Entry {
	return kvstore.Entry{Key: it.key, Value: it.value}
}

func (it *iterator) Error() error {
	return nil
}

func (it *iterator) Close() error {
	return it.tx.Rollback()
}

type opKind int

const (
	opPut opKind = iota
	opDelete
	opDeletePrefix
)

type op struct {
	kind  opKind
	key   []byte
	value []byte
}

// batch buffers mutations in memory; nothing is visible until Execute runs
// them inside a single bbolt write transaction. Discarding a batch without
// calling Execute leaves the store untouched.
type batch struct {
	db  *bolt.DB
	ops []op
}

func (b *batch) Put(key, value []byte) {
	b.ops = append(b.ops, op{kind: opPut, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *batch) Delete(key []byte) {
	b.ops = append(b.ops, op{kind: opDelete, key: append([]byte(nil), key...)})
}

func (b *batch) DeleteByPrefix(prefix []byte) {
	b.ops = append(b.ops, op{kind: opDeletePrefix, key: append([]byte(nil), prefix...)})
}

func (b *batch) Execute(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rootBucket)
		for _, o := range b.ops {
			switch o.kind {
			case opPut:
				if err := bucket.Put(o.key, o.value); err != nil {
					return err
				}
			case opDelete:
				if err := bucket.Delete(o.key); err != nil {
					return err
				}
			case opDeletePrefix:
				var keys [][]byte
				c := bucket.Cursor()
				for k, _ := c.Seek(o.key); k != nil && bytes.HasPrefix(k, o.key); k, _ = c.Next() {
					keys = append(keys, append([]byte(nil), k...))
				}
				for _, k := range keys {
					if err := bucket.Delete(k); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: batch execute: %v", ledgererr.IO, err)
	}
	return nil
}
