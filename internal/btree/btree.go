// Package btree implements the page index: a persistent, copy-on-write
// B-tree mapping user keys to (value-object-id, priority) pairs. Nodes are
// themselves objects in the content-addressed object store, so an edit
// never mutates existing nodes in place; it produces a new root that
// shares every unchanged subtree with the original.
package btree

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/ledger/internal/ledgererr"
	"github.com/cuemby/ledger/internal/objectstore"
)

// maxEntries bounds how many entries a node holds before it splits.
// Average key and object-id-plus-priority size keeps an at-capacity node
// close to the ~4 KiB target; minEntries (half capacity) is the floor
// before a node merges or redistributes with a sibling.
const (
	maxEntries = 64
	minEntries = maxEntries / 2
)

// Op identifies the kind of change a single edit makes to one key.
type Op int

const (
	OpPut Op = iota
	OpDelete
)

// Edit is a single buffered mutation applied to a tree.
type Edit struct {
	Key      []byte
	Op       Op
	ValueID  objectstore.ID
	Priority Priority
}

// Side identifies which of two trees a diffed key's change came from.
type Side int

const (
	SideLeft Side = iota
	SideRight
)

// DiffEntry is one entry produced by Diff.
type DiffEntry struct {
	Key  []byte
	Side Side
	// Entry is the entry as it reads on Side. A key present in only one
	// tree yields a single DiffEntry for that side; a key present in both
	// with different entries yields one DiffEntry per side.
	Entry Entry
}

func nodeObjectID(ctx context.Context, store *objectstore.Store, n *node) (objectstore.ID, error) {
	encoded := encodeNode(n)
	r := newByteReader(encoded)
	id, err := store.AddFromSource(ctx, r)
	if err != nil {
		return objectstore.ID{}, fmt.Errorf("write btree node: %w", err)
	}
	return id, nil
}

func loadNode(ctx context.Context, store *objectstore.Store, id objectstore.ID) (*node, error) {
	r, err := store.GetObject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load btree node %s: %w", id, err)
	}
	data := make([]byte, r.Size)
	if _, err := readAll(r, data); err != nil {
		return nil, fmt.Errorf("%w: read btree node %s: %v", ledgererr.DataIntegrity, id, err)
	}
	return decodeNode(data)
}

func readAll(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil && total < len(buf) {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, errEOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

var errEOF = fmt.Errorf("EOF")

// NewEmptyTree creates and persists an empty leaf node, returning its id as
// the root of a tree with no entries.
func NewEmptyTree(ctx context.Context, store *objectstore.Store) (objectstore.ID, error) {
	return nodeObjectID(ctx, store, &node{level: 0})
}

// Lookup finds the entry for key in the tree rooted at root.
func Lookup(ctx context.Context, store *objectstore.Store, root objectstore.ID, key []byte) (Entry, bool, error) {
	n, err := loadNode(ctx, store, root)
	if err != nil {
		return Entry{}, false, err
	}

	idx, found := search(n, key)
	if found {
		return n.entries[idx], true, nil
	}
	if n.isLeaf() {
		return Entry{}, false, nil
	}
	return Lookup(ctx, store, n.children[idx], key)
}

// search returns the index of key among n.entries if present (found=true),
// otherwise the index of the child subtree that would contain it.
func search(n *node, key []byte) (idx int, found bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return compareKeys(n.entries[i].Key, key) >= 0
	})
	if i < len(n.entries) && compareKeys(n.entries[i].Key, key) == 0 {
		return i, true
	}
	return i, false
}

// Iterate returns every entry in the tree with key >= fromKey, in key order.
func Iterate(ctx context.Context, store *objectstore.Store, root objectstore.ID, fromKey []byte) ([]Entry, error) {
	var out []Entry
	err := iterateNode(ctx, store, root, fromKey, &out)
	return out, err
}

func iterateNode(ctx context.Context, store *objectstore.Store, id objectstore.ID, fromKey []byte, out *[]Entry) error {
	n, err := loadNode(ctx, store, id)
	if err != nil {
		return err
	}

	for i, e := range n.entries {
		if !n.isLeaf() {
			if err := iterateNode(ctx, store, n.children[i], fromKey, out); err != nil {
				return err
			}
		}
		if fromKey == nil || compareKeys(e.Key, fromKey) >= 0 {
			*out = append(*out, e)
		}
	}
	if !n.isLeaf() {
		if err := iterateNode(ctx, store, n.children[len(n.children)-1], fromKey, out); err != nil {
			return err
		}
	}
	return nil
}

// DirectRefs returns the object ids a single node at id refers to directly:
// its children (empty for a leaf) and its entries' value ids. Used by the
// download path to discover which objects to fetch next one level at a
// time, since a remote node's children aren't local yet to recurse into.
func DirectRefs(ctx context.Context, store *objectstore.Store, id objectstore.ID) (children, values []objectstore.ID, err error) {
	n, err := loadNode(ctx, store, id)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range n.entries {
		values = append(values, e.ValueID)
	}
	if !n.isLeaf() {
		children = append(children, n.children...)
	}
	return children, values, nil
}

// Walk invokes visit once for every object id reachable from root: the
// node objects making up the tree's shape, and every entry's value object.
// Callers use this to compute the transitive closure of objects a commit
// must upload or fetch. visit is called at most once per distinct id even
// if several branches share it.
func Walk(ctx context.Context, store *objectstore.Store, root objectstore.ID, visit func(objectstore.ID) error) error {
	seen := make(map[objectstore.ID]bool)
	return walkNode(ctx, store, root, seen, visit)
}

func walkNode(ctx context.Context, store *objectstore.Store, id objectstore.ID, seen map[objectstore.ID]bool, visit func(objectstore.ID) error) error {
	if seen[id] {
		return nil
	}
	seen[id] = true
	if err := visit(id); err != nil {
		return err
	}

	n, err := loadNode(ctx, store, id)
	if err != nil {
		return err
	}
	for _, e := range n.entries {
		if seen[e.ValueID] {
			continue
		}
		seen[e.ValueID] = true
		if err := visit(e.ValueID); err != nil {
			return err
		}
	}
	if !n.isLeaf() {
		for _, child := range n.children {
			if err := walkNode(ctx, store, child, seen, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

// Apply applies edits to the tree rooted at root and returns the new root.
// Edits are stably sorted by key first, so they need not arrive in order and
// the last of several edits to the same key wins. Subtrees untouched by any edit are
// returned unchanged and so are physically shared with root.
func Apply(ctx context.Context, store *objectstore.Store, root objectstore.ID, edits []Edit) (objectstore.ID, error) {
	sorted := make([]Edit, len(edits))
	copy(sorted, edits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return compareKeys(sorted[i].Key, sorted[j].Key) < 0
	})

	current := root
	for _, e := range sorted {
		var err error
		switch e.Op {
		case OpPut:
			current, err = insert(ctx, store, current, Entry{Key: e.Key, ValueID: e.ValueID, Priority: e.Priority})
		case OpDelete:
			current, err = deleteKey(ctx, store, current, e.Key)
		}
		if err != nil {
			return objectstore.ID{}, err
		}
	}
	return current, nil
}

// insertResult describes the outcome of inserting into a subtree: either
// the subtree's id was replaced in place, or it split and produced a
// promoted entry plus a new right sibling to be linked into the parent.
type insertResult struct {
	id      objectstore.ID
	split   bool
	promote Entry
	right   objectstore.ID
}

func insert(ctx context.Context, store *objectstore.Store, root objectstore.ID, entry Entry) (objectstore.ID, error) {
	res, err := insertInto(ctx, store, root, entry)
	if err != nil {
		return objectstore.ID{}, err
	}
	if !res.split {
		return res.id, nil
	}

	newRoot := &node{
		level:    mustLevel(ctx, store, res.id) + 1,
		entries:  []Entry{res.promote},
		children: []objectstore.ID{res.id, res.right},
	}
	return nodeObjectID(ctx, store, newRoot)
}

func mustLevel(ctx context.Context, store *objectstore.Store, id objectstore.ID) uint8 {
	n, err := loadNode(ctx, store, id)
	if err != nil {
		// Unreachable in practice: id was just produced by this same
		// call tree, so it is always readable.
		return 0
	}
	return n.level
}

func insertInto(ctx context.Context, store *objectstore.Store, id objectstore.ID, entry Entry) (insertResult, error) {
	n, err := loadNode(ctx, store, id)
	if err != nil {
		return insertResult{}, err
	}

	idx, found := search(n, entry.Key)
	if found {
		updated := cloneNode(n)
		updated.entries[idx] = entry
		newID, err := nodeObjectID(ctx, store, updated)
		return insertResult{id: newID}, err
	}

	if n.isLeaf() {
		updated := cloneNode(n)
		updated.entries = insertEntryAt(updated.entries, idx, entry)
		return splitIfNeeded(ctx, store, updated)
	}

	childRes, err := insertInto(ctx, store, n.children[idx], entry)
	if err != nil {
		return insertResult{}, err
	}

	updated := cloneNode(n)
	updated.children[idx] = childRes.id
	if !childRes.split {
		newID, err := nodeObjectID(ctx, store, updated)
		return insertResult{id: newID}, err
	}

	updated.entries = insertEntryAt(updated.entries, idx, childRes.promote)
	updated.children = insertChildAt(updated.children, idx+1, childRes.right)
	return splitIfNeeded(ctx, store, updated)
}

func splitIfNeeded(ctx context.Context, store *objectstore.Store, n *node) (insertResult, error) {
	if len(n.entries) <= maxEntries {
		id, err := nodeObjectID(ctx, store, n)
		return insertResult{id: id}, err
	}

	mid := len(n.entries) / 2
	promote := n.entries[mid]

	left := &node{level: n.level, entries: append([]Entry(nil), n.entries[:mid]...)}
	right := &node{level: n.level, entries: append([]Entry(nil), n.entries[mid+1:]...)}
	if !n.isLeaf() {
		left.children = append([]objectstore.ID(nil), n.children[:mid+1]...)
		right.children = append([]objectstore.ID(nil), n.children[mid+1:]...)
	}

	leftID, err := nodeObjectID(ctx, store, left)
	if err != nil {
		return insertResult{}, err
	}
	rightID, err := nodeObjectID(ctx, store, right)
	if err != nil {
		return insertResult{}, err
	}

	return insertResult{id: leftID, split: true, promote: promote, right: rightID}, nil
}

func deleteKey(ctx context.Context, store *objectstore.Store, root objectstore.ID, key []byte) (objectstore.ID, error) {
	newRoot, _, err := deleteFrom(ctx, store, root, key)
	if err != nil {
		return objectstore.ID{}, err
	}

	n, err := loadNode(ctx, store, newRoot)
	if err != nil {
		return objectstore.ID{}, err
	}
	// A root that dropped to zero entries but still has one child
	// collapses a level; an empty leaf root is left as-is (an empty tree).
	if len(n.entries) == 0 && !n.isLeaf() {
		return n.children[0], nil
	}
	return newRoot, nil
}

// deleteFrom removes key from the subtree rooted at id and reports whether
// the resulting node has fewer than minEntries entries (underflowed),
// which its caller must resolve by merging or redistributing with a
// sibling.
func deleteFrom(ctx context.Context, store *objectstore.Store, id objectstore.ID, key []byte) (objectstore.ID, bool, error) {
	n, err := loadNode(ctx, store, id)
	if err != nil {
		return objectstore.ID{}, false, err
	}

	idx, found := search(n, key)

	if n.isLeaf() {
		if !found {
			newID, err := nodeObjectID(ctx, store, n)
			return newID, false, err
		}
		updated := cloneNode(n)
		updated.entries = removeEntryAt(updated.entries, idx)
		return finishDelete(ctx, store, updated)
	}

	if found {
		// Replace with the predecessor entry from the left child subtree,
		// then delete that predecessor from the child.
		predEntry, err := maxEntry(ctx, store, n.children[idx])
		if err != nil {
			return objectstore.ID{}, false, err
		}
		childID, childUnderflow, err := deleteFrom(ctx, store, n.children[idx], predEntry.Key)
		if err != nil {
			return objectstore.ID{}, false, err
		}
		updated := cloneNode(n)
		updated.entries[idx] = predEntry
		updated.children[idx] = childID
		if childUnderflow {
			return rebalance(ctx, store, updated, idx)
		}
		newID, err := nodeObjectID(ctx, store, updated)
		return newID, false, err
	}

	childID, childUnderflow, err := deleteFrom(ctx, store, n.children[idx], key)
	if err != nil {
		return objectstore.ID{}, false, err
	}
	updated := cloneNode(n)
	updated.children[idx] = childID
	if childUnderflow {
		return rebalance(ctx, store, updated, idx)
	}
	newID, err := nodeObjectID(ctx, store, updated)
	return newID, false, err
}

func finishDelete(ctx context.Context, store *objectstore.Store, n *node) (objectstore.ID, bool, error) {
	id, err := nodeObjectID(ctx, store, n)
	if err != nil {
		return objectstore.ID{}, false, err
	}
	return id, len(n.entries) < minEntries, nil
}

func maxEntry(ctx context.Context, store *objectstore.Store, id objectstore.ID) (Entry, error) {
	n, err := loadNode(ctx, store, id)
	if err != nil {
		return Entry{}, err
	}
	if n.isLeaf() {
		return n.entries[len(n.entries)-1], nil
	}
	return maxEntry(ctx, store, n.children[len(n.children)-1])
}

// rebalance resolves an underflow in parent's child at index idx by
// redistributing from a sibling if one has spare entries, otherwise
// merging with a sibling. It returns the (possibly now underflowed)
// parent's new id.
func rebalance(ctx context.Context, store *objectstore.Store, parent *node, idx int) (objectstore.ID, bool, error) {
	child, err := loadNode(ctx, store, parent.children[idx])
	if err != nil {
		return objectstore.ID{}, false, err
	}

	if idx > 0 {
		left, err := loadNode(ctx, store, parent.children[idx-1])
		if err != nil {
			return objectstore.ID{}, false, err
		}
		if len(left.entries) > minEntries {
			return redistributeFromLeft(ctx, store, parent, idx, left, child)
		}
	}

	if idx < len(parent.children)-1 {
		right, err := loadNode(ctx, store, parent.children[idx+1])
		if err != nil {
			return objectstore.ID{}, false, err
		}
		if len(right.entries) > minEntries {
			return redistributeFromRight(ctx, store, parent, idx, child, right)
		}
	}

	if idx > 0 {
		left, err := loadNode(ctx, store, parent.children[idx-1])
		if err != nil {
			return objectstore.ID{}, false, err
		}
		return mergeChildren(ctx, store, parent, idx-1, left, child)
	}

	right, err := loadNode(ctx, store, parent.children[idx+1])
	if err != nil {
		return objectstore.ID{}, false, err
	}
	return mergeChildren(ctx, store, parent, idx, child, right)
}

func redistributeFromLeft(ctx context.Context, store *objectstore.Store, parent *node, idx int, left, child *node) (objectstore.ID, bool, error) {
	newLeft := cloneNode(left)
	newChild := cloneNode(child)

	borrowed := newLeft.entries[len(newLeft.entries)-1]
	newLeft.entries = newLeft.entries[:len(newLeft.entries)-1]

	newChild.entries = insertEntryAt(newChild.entries, 0, parent.entries[idx-1])
	if !child.isLeaf() {
		movedChild := newLeft.children[len(newLeft.children)-1]
		newLeft.children = newLeft.children[:len(newLeft.children)-1]
		newChild.children = insertChildAt(newChild.children, 0, movedChild)
	}

	updatedParent := cloneNode(parent)
	updatedParent.entries[idx-1] = borrowed

	leftID, err := nodeObjectID(ctx, store, newLeft)
	if err != nil {
		return objectstore.ID{}, false, err
	}
	childID, err := nodeObjectID(ctx, store, newChild)
	if err != nil {
		return objectstore.ID{}, false, err
	}
	updatedParent.children[idx-1] = leftID
	updatedParent.children[idx] = childID

	id, err := nodeObjectID(ctx, store, updatedParent)
	return id, false, err
}

func redistributeFromRight(ctx context.Context, store *objectstore.Store, parent *node, idx int, child, right *node) (objectstore.ID, bool, error) {
	newChild := cloneNode(child)
	newRight := cloneNode(right)

	borrowed := newRight.entries[0]
	newRight.entries = newRight.entries[1:]

	newChild.entries = append(newChild.entries, parent.entries[idx])
	if !child.isLeaf() {
		movedChild := newRight.children[0]
		newRight.children = newRight.children[1:]
		newChild.children = append(newChild.children, movedChild)
	}

	updatedParent := cloneNode(parent)
	updatedParent.entries[idx] = borrowed

	childID, err := nodeObjectID(ctx, store, newChild)
	if err != nil {
		return objectstore.ID{}, false, err
	}
	rightID, err := nodeObjectID(ctx, store, newRight)
	if err != nil {
		return objectstore.ID{}, false, err
	}
	updatedParent.children[idx] = childID
	updatedParent.children[idx+1] = rightID

	id, err := nodeObjectID(ctx, store, updatedParent)
	return id, false, err
}

func mergeChildren(ctx context.Context, store *objectstore.Store, parent *node, leftIdx int, left, right *node) (objectstore.ID, bool, error) {
	merged := &node{level: left.level}
	merged.entries = append(merged.entries, left.entries...)
	merged.entries = append(merged.entries, parent.entries[leftIdx])
	merged.entries = append(merged.entries, right.entries...)
	if !left.isLeaf() {
		merged.children = append(merged.children, left.children...)
		merged.children = append(merged.children, right.children...)
	}

	mergedID, err := nodeObjectID(ctx, store, merged)
	if err != nil {
		return objectstore.ID{}, false, err
	}

	updatedParent := &node{level: parent.level}
	updatedParent.entries = append(updatedParent.entries, parent.entries[:leftIdx]...)
	updatedParent.entries = append(updatedParent.entries, parent.entries[leftIdx+1:]...)
	updatedParent.children = append(updatedParent.children, parent.children[:leftIdx]...)
	updatedParent.children = append(updatedParent.children, mergedID)
	updatedParent.children = append(updatedParent.children, parent.children[leftIdx+2:]...)

	return finishDelete(ctx, store, updatedParent)
}

func cloneNode(n *node) *node {
	clone := &node{level: n.level}
	clone.entries = append([]Entry(nil), n.entries...)
	if !n.isLeaf() {
		clone.children = append([]objectstore.ID(nil), n.children...)
	}
	return clone
}

func insertEntryAt(entries []Entry, idx int, e Entry) []Entry {
	entries = append(entries, Entry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}

func removeEntryAt(entries []Entry, idx int) []Entry {
	return append(entries[:idx], entries[idx+1:]...)
}

func insertChildAt(children []objectstore.ID, idx int, c objectstore.ID) []objectstore.ID {
	children = append(children, objectstore.ID{})
	copy(children[idx+1:], children[idx:])
	children[idx] = c
	return children
}

// Diff walks the trees rooted at a and b in tandem and reports every key
// whose entry differs between them. Whenever both sides reference the
// same node id, that subtree is known identical by construction (nodes
// are content-addressed) and the recursion skips it entirely.
func Diff(ctx context.Context, store *objectstore.Store, a, b objectstore.ID) ([]DiffEntry, error) {
	return diffNodes(ctx, store, a, b)
}

func diffNodes(ctx context.Context, store *objectstore.Store, idA, idB objectstore.ID) ([]DiffEntry, error) {
	if idA == idB {
		return nil, nil
	}

	nA, err := loadNode(ctx, store, idA)
	if err != nil {
		return nil, err
	}
	nB, err := loadNode(ctx, store, idB)
	if err != nil {
		return nil, err
	}

	if nA.level != nB.level {
		return diffFallback(ctx, store, idA, idB)
	}
	if nA.isLeaf() {
		return mergeEntries(nA.entries, nB.entries), nil
	}
	if len(nA.entries) != len(nB.entries) {
		return diffFallback(ctx, store, idA, idB)
	}

	var out []DiffEntry
	for i, ea := range nA.entries {
		sub, err := diffNodes(ctx, store, nA.children[i], nB.children[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)

		eb := nB.entries[i]
		if compareKeys(ea.Key, eb.Key) != 0 {
			// Entry counts matched but the keys at this slot didn't:
			// the two subtrees actually diverged in shape despite the
			// coincidence, so the fast tandem walk can't be trusted
			// past this point.
			return diffFallback(ctx, store, idA, idB)
		}
		if ea.ValueID != eb.ValueID || ea.Priority != eb.Priority {
			out = append(out, DiffEntry{Key: ea.Key, Side: SideLeft, Entry: ea})
			out = append(out, DiffEntry{Key: eb.Key, Side: SideRight, Entry: eb})
		}
	}

	sub, err := diffNodes(ctx, store, nA.children[len(nA.children)-1], nB.children[len(nB.children)-1])
	if err != nil {
		return nil, err
	}
	out = append(out, sub...)
	return out, nil
}

// diffFallback handles subtree pairs whose shapes have diverged too far
// for the tandem walk to align node-by-node: it materializes both
// subtrees fully and merges the sorted entry lists.
func diffFallback(ctx context.Context, store *objectstore.Store, idA, idB objectstore.ID) ([]DiffEntry, error) {
	flatA, err := flatten(ctx, store, idA)
	if err != nil {
		return nil, err
	}
	flatB, err := flatten(ctx, store, idB)
	if err != nil {
		return nil, err
	}
	return mergeEntries(flatA, flatB), nil
}

func mergeEntries(a, b []Entry) []DiffEntry {
	var out []DiffEntry
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		cmp := compareKeys(a[i].Key, b[j].Key)
		switch {
		case cmp < 0:
			out = append(out, DiffEntry{Key: a[i].Key, Side: SideLeft, Entry: a[i]})
			i++
		case cmp > 0:
			out = append(out, DiffEntry{Key: b[j].Key, Side: SideRight, Entry: b[j]})
			j++
		default:
			if a[i].ValueID != b[j].ValueID || a[i].Priority != b[j].Priority {
				out = append(out, DiffEntry{Key: a[i].Key, Side: SideLeft, Entry: a[i]})
				out = append(out, DiffEntry{Key: b[j].Key, Side: SideRight, Entry: b[j]})
			}
			i++
			j++
		}
	}
	for ; i < len(a); i++ {
		out = append(out, DiffEntry{Key: a[i].Key, Side: SideLeft, Entry: a[i]})
	}
	for ; j < len(b); j++ {
		out = append(out, DiffEntry{Key: b[j].Key, Side: SideRight, Entry: b[j]})
	}
	return out
}

// flatten performs a full in-order traversal of a subtree; used only by
// diffFallback once shapes have diverged past what the tandem walk in
// diffNodes can align directly.
func flatten(ctx context.Context, store *objectstore.Store, id objectstore.ID) ([]Entry, error) {
	n, err := loadNode(ctx, store, id)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for i, e := range n.entries {
		if !n.isLeaf() {
			sub, err := flatten(ctx, store, n.children[i])
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		out = append(out, e)
	}
	if !n.isLeaf() {
		sub, err := flatten(ctx, store, n.children[len(n.children)-1])
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}
