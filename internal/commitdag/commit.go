// Package commitdag implements the immutable commit graph over page
// B-tree snapshots: commit encoding, head-set maintenance, and ancestry
// queries (lowest common ancestor) bounded by commit generation numbers.
package commitdag

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/cuemby/ledger/internal/kvstore"
	"github.com/cuemby/ledger/internal/ledgererr"
	"github.com/cuemby/ledger/internal/objectstore"
)

var (
	commitPrefix = []byte("C/")
	headPrefix   = []byte("H/")
)

const (
	magic   = "LCMT"
	version = 1
)

// ID identifies a commit: the digest of its encoding.
type ID [sha256.Size]byte

func (id ID) String() string { return fmt.Sprintf("%x", id[:]) }

func (id ID) Less(other ID) bool { return bytes.Compare(id[:], other[:]) < 0 }

// ParseID decodes a commit id from its hex String form.
func ParseID(s string) (ID, error) {
	var id ID
	decoded, err := hex.DecodeString(s)
	if err != nil || len(decoded) != len(id) {
		return ID{}, fmt.Errorf("%w: malformed commit id %q", ledgererr.DataIntegrity, s)
	}
	copy(id[:], decoded)
	return id, nil
}

func commitKey(id ID) []byte {
	return append(append([]byte(nil), commitPrefix...), id[:]...)
}

func headKey(id ID) []byte {
	return append(append([]byte(nil), headPrefix...), id[:]...)
}

// Commit is an immutable node in the commit DAG.
type Commit struct {
	RootTreeID objectstore.ID
	Parents    []ID // sorted ascending; 0 parents only for the page's first commit, 2 for a merge
	Timestamp  int64
	Generation uint64
}

// Encode serializes a commit for hashing and storage. Parents are written
// in sorted order so two logically identical commits always produce the
// same id regardless of argument order.
func Encode(c *Commit) []byte {
	parents := make([]ID, len(c.Parents))
	copy(parents, c.Parents)
	sort.Slice(parents, func(i, j int) bool { return parents[i].Less(parents[j]) })

	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(version)
	buf.Write(c.RootTreeID[:])
	buf.WriteByte(byte(len(parents)))
	for _, p := range parents {
		buf.Write(p[:])
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(c.Timestamp))
	buf.Write(ts[:])

	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], c.Generation)
	buf.Write(scratch[:n])

	return buf.Bytes()
}

// Decode parses a commit encoding produced by Encode.
func Decode(data []byte) (*Commit, error) {
	if len(data) < len(magic)+1+sha256.Size+1 {
		return nil, fmt.Errorf("%w: commit encoding too short", ledgererr.DataIntegrity)
	}
	r := bytes.NewReader(data)

	gotMagic := make([]byte, len(magic))
	if _, err := r.Read(gotMagic); err != nil || string(gotMagic) != magic {
		return nil, fmt.Errorf("%w: bad commit magic", ledgererr.DataIntegrity)
	}

	v, err := r.ReadByte()
	if err != nil || v != version {
		return nil, fmt.Errorf("%w: unsupported commit version", ledgererr.DataIntegrity)
	}

	c := &Commit{}
	if _, err := r.Read(c.RootTreeID[:]); err != nil {
		return nil, fmt.Errorf("%w: read root tree id: %v", ledgererr.DataIntegrity, err)
	}

	parentCount, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: read parent count: %v", ledgererr.DataIntegrity, err)
	}
	c.Parents = make([]ID, parentCount)
	for i := range c.Parents {
		if _, err := r.Read(c.Parents[i][:]); err != nil {
			return nil, fmt.Errorf("%w: read parent %d: %v", ledgererr.DataIntegrity, i, err)
		}
	}

	var ts [8]byte
	if _, err := r.Read(ts[:]); err != nil {
		return nil, fmt.Errorf("%w: read timestamp: %v", ledgererr.DataIntegrity, err)
	}
	c.Timestamp = int64(binary.BigEndian.Uint64(ts[:]))

	gen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read generation: %v", ledgererr.DataIntegrity, err)
	}
	c.Generation = gen

	return c, nil
}

// IDOf returns the id a commit would be assigned: the digest of its
// canonical encoding.
func IDOf(c *Commit) ID {
	return sha256.Sum256(Encode(c))
}

// NewChild builds a commit whose generation is one past the max of its
// parents', reading each parent to determine it. A commit with no parents
// (a page's first commit) gets generation 0.
func NewChild(ctx context.Context, kv kvstore.Store, rootTreeID objectstore.ID, timestamp int64, parents ...ID) (*Commit, error) {
	var maxGen uint64
	for _, p := range parents {
		parent, err := Get(ctx, kv, p)
		if err != nil {
			return nil, err
		}
		if parent.Generation > maxGen {
			maxGen = parent.Generation
		}
	}
	gen := maxGen + 1
	if len(parents) == 0 {
		gen = 0
	}
	return &Commit{
		RootTreeID: rootTreeID,
		Parents:    parents,
		Timestamp:  timestamp,
		Generation: gen,
	}, nil
}
