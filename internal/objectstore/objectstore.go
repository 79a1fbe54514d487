// Package objectstore implements the content-addressed blob store every
// page builds on: values, B-tree nodes, and commit records are all objects
// keyed by the SHA-256 digest of their bytes.
package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/cuemby/ledger/internal/kvstore"
	"github.com/cuemby/ledger/internal/ledgererr"
	"github.com/cuemby/ledger/internal/log"
	"github.com/cuemby/ledger/internal/metrics"
)

// keyPrefix namespaces every object row in the shared kvstore.Store.
var keyPrefix = []byte("O/")

// MaxChunkSize bounds how many bytes a single object may hold before
// add_from_source splits it into chunks referenced by an index chunk. This
// gives sub-linear memory for giant values: neither side ever materializes
// more than one chunk at a time.
const MaxChunkSize = 64 * 1024

// indexChunkMagic tags the first byte of an index chunk's encoding so
// Get can tell a leaf object from a chunk list without a side table.
const indexChunkMagic = 0xC5

// ID is the digest identifying an object: 32 bytes of SHA-256.
type ID [sha256.Size]byte

func (id ID) String() string { return fmt.Sprintf("%x", id[:]) }

func (id ID) key() []byte {
	return append(append([]byte(nil), keyPrefix...), id[:]...)
}

// ParseID decodes an object id from its hex String form.
func ParseID(s string) (ID, error) {
	var id ID
	decoded, err := hex.DecodeString(s)
	if err != nil || len(decoded) != len(id) {
		return ID{}, fmt.Errorf("%w: malformed object id %q", ledgererr.DataIntegrity, s)
	}
	copy(id[:], decoded)
	return id, nil
}

func digestOf(data []byte) ID {
	return sha256.Sum256(data)
}

// Store is the content-addressed object store, layered over a kvstore.Store.
type Store struct {
	kv kvstore.Store
}

// New wraps a kvstore.Store with object-store semantics.
func New(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

// AddFromSource drains r fully, computing its digest while streaming, and
// returns the resulting object id. If an object already exists under that
// id, the new bytes are dropped (at-most-once write) and no error results.
// Content larger than MaxChunkSize is split into fixed-size chunks, each
// itself an object, referenced by an index chunk whose id is returned.
func (s *Store) AddFromSource(ctx context.Context, r io.Reader) (ID, error) {
	var chunkIDs []ID
	var total int64
	buf := make([]byte, MaxChunkSize)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			id, putErr := s.putLeaf(ctx, buf[:n])
			if putErr != nil {
				return ID{}, putErr
			}
			chunkIDs = append(chunkIDs, id)
			total += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return ID{}, fmt.Errorf("%w: read source: %v", ledgererr.IO, err)
		}
	}

	if len(chunkIDs) <= 1 {
		if len(chunkIDs) == 0 {
			return s.putLeaf(ctx, nil)
		}
		return chunkIDs[0], nil
	}

	return s.putIndexChunk(ctx, chunkIDs, total)
}

func (s *Store) putLeaf(ctx context.Context, data []byte) (ID, error) {
	id := digestOf(data)

	exists, err := s.kv.Has(ctx, id.key())
	if err != nil {
		return ID{}, fmt.Errorf("%w: check existing object: %v", ledgererr.IO, err)
	}
	if exists {
		return id, nil
	}

	b := s.kv.StartBatch()
	b.Put(id.key(), data)
	if err := b.Execute(ctx); err != nil {
		return ID{}, fmt.Errorf("%w: write object: %v", ledgererr.IO, err)
	}

	metrics.ObjectsWrittenTotal.Inc()
	metrics.ObjectBytesWrittenTotal.Add(float64(len(data)))
	log.Debug("object written: " + id.String())
	return id, nil
}

func (s *Store) putIndexChunk(ctx context.Context, chunkIDs []ID, total int64) (ID, error) {
	encoded := encodeIndexChunk(chunkIDs, total)
	return s.putLeaf(ctx, encoded)
}

// Contains reports whether an object id is present in the store.
func (s *Store) Contains(ctx context.Context, id ID) (bool, error) {
	return s.kv.Has(ctx, id.key())
}

// Reader is a lazy handle to an object's bytes: Size is known without
// reading the full content; Read streams it, re-materializing chunk by
// chunk for index-chunked objects.
type Reader struct {
	io.Reader
	Size int64
}

// GetObject returns a streaming reader for id, verifying the requested
// leaf/chunk bytes against their digest as they are read. A digest mismatch
// surfaces as ledgererr.DataIntegrity.
func (s *Store) GetObject(ctx context.Context, id ID) (*Reader, error) {
	raw, err := s.kv.Get(ctx, id.key())
	if err != nil {
		return nil, err
	}

	if len(raw) > 0 && raw[0] == indexChunkMagic {
		chunkIDs, total, decErr := decodeIndexChunk(raw)
		if decErr == nil {
			return &Reader{Reader: s.newChunkedReader(ctx, chunkIDs), Size: total}, nil
		}
		// Fall through: a leaf object may legitimately start with the same
		// byte value, in which case decodeIndexChunk returns an error and
		// we treat raw as a plain leaf below.
	}

	if err := verifyDigest(id, raw); err != nil {
		metrics.ObjectIntegrityFailuresTotal.Inc()
		return nil, err
	}
	return &Reader{Reader: bytes.NewReader(raw), Size: int64(len(raw))}, nil
}

func verifyDigest(id ID, data []byte) error {
	if digestOf(data) != id {
		return fmt.Errorf("%w: object %s digest mismatch", ledgererr.DataIntegrity, id)
	}
	return nil
}

type chunkedReader struct {
	ctx      context.Context
	store    *Store
	chunkIDs []ID
	current  io.Reader
}

func (s *Store) newChunkedReader(ctx context.Context, chunkIDs []ID) *chunkedReader {
	return &chunkedReader{ctx: ctx, store: s, chunkIDs: chunkIDs}
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	for {
		if r.current != nil {
			n, err := r.current.Read(p)
			if err != io.EOF {
				return n, err
			}
			if n > 0 {
				return n, nil
			}
			r.current = nil
		}

		if len(r.chunkIDs) == 0 {
			return 0, io.EOF
		}

		id := r.chunkIDs[0]
		r.chunkIDs = r.chunkIDs[1:]

		raw, err := r.store.kv.Get(r.ctx, id.key())
		if err != nil {
			return 0, err
		}
		if err := verifyDigest(id, raw); err != nil {
			metrics.ObjectIntegrityFailuresTotal.Inc()
			return 0, err
		}
		r.current = bytes.NewReader(raw)
	}
}

// encodeIndexChunk lays out: magic byte, varint total size, varint chunk
// count, then each chunk's 32-byte digest in order.
func encodeIndexChunk(chunkIDs []ID, total int64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(indexChunkMagic)

	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(total))
	buf.Write(scratch[:n])

	n = binary.PutUvarint(scratch[:], uint64(len(chunkIDs)))
	buf.Write(scratch[:n])

	for _, id := range chunkIDs {
		buf.Write(id[:])
	}
	return buf.Bytes()
}

func decodeIndexChunk(data []byte) ([]ID, int64, error) {
	if len(data) == 0 || data[0] != indexChunkMagic {
		return nil, 0, fmt.Errorf("%w: not an index chunk", ledgererr.DataIntegrity)
	}
	r := bytes.NewReader(data[1:])

	total, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: decode index chunk size: %v", ledgererr.DataIntegrity, err)
	}

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: decode index chunk count: %v", ledgererr.DataIntegrity, err)
	}

	// A plain leaf object that happens to start with indexChunkMagic
	// would need count*32 more bytes than are actually present; bail out
	// rather than panic on a short read.
	if int64(count)*sha256.Size != int64(r.Len()) {
		return nil, 0, fmt.Errorf("%w: index chunk length mismatch", ledgererr.DataIntegrity)
	}

	ids := make([]ID, count)
	for i := range ids {
		if _, err := io.ReadFull(r, ids[i][:]); err != nil {
			return nil, 0, fmt.Errorf("%w: decode index chunk entry: %v", ledgererr.DataIntegrity, err)
		}
	}
	return ids, int64(total), nil
}
