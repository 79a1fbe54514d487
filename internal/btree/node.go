package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/ledger/internal/ledgererr"
	"github.com/cuemby/ledger/internal/objectstore"
)

// Priority marks whether a value should be fetched eagerly or lazily by a
// sync peer; it has no bearing on tree structure or ordering.
type Priority uint8

const (
	PriorityEager Priority = 0
	PriorityLazy  Priority = 1
)

// Entry is one (key, value-object-id, priority) triple stored in a node.
type Entry struct {
	Key      []byte
	ValueID  objectstore.ID
	Priority Priority
}

// node is the decoded in-memory form of a B-tree node. Internal nodes
// (level > 0) carry one more child than entry: children[i] holds keys less
// than entries[i].Key and greater than entries[i-1].Key.
type node struct {
	level    uint8
	entries  []Entry
	children []objectstore.ID
}

func (n *node) isLeaf() bool {
	return n.level == 0
}

// encode serializes a node as: u8 level, varint entry count, then per
// entry (varint key length, key bytes, 32-byte object id, u8 priority),
// followed for internal nodes by one child id per slot plus a trailing one.
func encodeNode(n *node) []byte {
	var buf bytes.Buffer
	buf.WriteByte(n.level)

	var scratch [binary.MaxVarintLen64]byte
	w := binary.PutUvarint(scratch[:], uint64(len(n.entries)))
	buf.Write(scratch[:w])

	for _, e := range n.entries {
		w = binary.PutUvarint(scratch[:], uint64(len(e.Key)))
		buf.Write(scratch[:w])
		buf.Write(e.Key)
		buf.Write(e.ValueID[:])
		buf.WriteByte(byte(e.Priority))
	}

	if !n.isLeaf() {
		for _, c := range n.children {
			buf.Write(c[:])
		}
	}

	return buf.Bytes()
}

func decodeNode(data []byte) (*node, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty node encoding", ledgererr.DataIntegrity)
	}
	r := bytes.NewReader(data)

	level, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: read node level: %v", ledgererr.DataIntegrity, err)
	}

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read node entry count: %v", ledgererr.DataIntegrity, err)
	}

	n := &node{level: level, entries: make([]Entry, count)}
	for i := range n.entries {
		keyLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: read entry %d key length: %v", ledgererr.DataIntegrity, i, err)
		}
		key := make([]byte, keyLen)
		if _, err := readFull(r, key); err != nil {
			return nil, fmt.Errorf("%w: read entry %d key: %v", ledgererr.DataIntegrity, i, err)
		}

		var id objectstore.ID
		if _, err := readFull(r, id[:]); err != nil {
			return nil, fmt.Errorf("%w: read entry %d object id: %v", ledgererr.DataIntegrity, i, err)
		}

		priority, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: read entry %d priority: %v", ledgererr.DataIntegrity, i, err)
		}

		n.entries[i] = Entry{Key: key, ValueID: id, Priority: Priority(priority)}
	}

	if level > 0 {
		n.children = make([]objectstore.ID, count+1)
		for i := range n.children {
			if _, err := readFull(r, n.children[i][:]); err != nil {
				return nil, fmt.Errorf("%w: read child %d: %v", ledgererr.DataIntegrity, i, err)
			}
		}
	}

	return n, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func compareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}
