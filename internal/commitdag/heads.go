package commitdag

import (
	"bytes"
	"container/heap"
	"context"
	"fmt"

	"github.com/cuemby/ledger/internal/kvstore"
	"github.com/cuemby/ledger/internal/ledgererr"
)

// Get reads and decodes a commit by id.
func Get(ctx context.Context, kv kvstore.Store, id ID) (*Commit, error) {
	data, err := kv.Get(ctx, commitKey(id))
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Exists reports whether a commit is present locally, without decoding it.
func Exists(ctx context.Context, kv kvstore.Store, id ID) (bool, error) {
	return kv.Has(ctx, commitKey(id))
}

// Heads returns every commit id currently marked as a head, i.e. the
// antichain of unmerged tips.
func Heads(ctx context.Context, kv kvstore.Store) ([]ID, error) {
	entries, err := kv.GetWithPrefix(ctx, headPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]ID, len(entries))
	for i, e := range entries {
		var id ID
		copy(id[:], bytes.TrimPrefix(e.Key, headPrefix))
		ids[i] = id
	}
	return ids, nil
}

// ListAll returns the id of every commit stored locally, in no particular
// order. Used by the upload path's startup scan for commits still missing
// their synced marker.
func ListAll(ctx context.Context, kv kvstore.Store) ([]ID, error) {
	entries, err := kv.GetWithPrefix(ctx, commitPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]ID, len(entries))
	for i, e := range entries {
		var id ID
		copy(id[:], bytes.TrimPrefix(e.Key, commitPrefix))
		ids[i] = id
	}
	return ids, nil
}

// PrepareAddCommit stages the writes that add commit c as a new head into
// batch: the commit bytes under its id, a head marker for c, and removal
// of the head markers for any of c's parents. The caller is expected to
// add the commit's referenced objects (B-tree nodes, values) to the same
// batch before calling Execute, so the whole set of changes lands
// atomically — per add_commit's contract, nothing about this commit is
// visible until that single Execute succeeds.
func PrepareAddCommit(batch kvstore.Batch, c *Commit) ID {
	id := IDOf(c)
	batch.Put(commitKey(id), Encode(c))
	for _, p := range c.Parents {
		batch.Delete(headKey(p))
	}
	batch.Put(headKey(id), []byte{})
	return id
}

// IsAncestor reports whether ancestor is a is-ancestor-of (or equal to)
// descendant, bounding the search by generation: a commit whose
// generation is below ancestor's can never lead back to it.
func IsAncestor(ctx context.Context, kv kvstore.Store, ancestor, descendant ID) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	desc, err := Get(ctx, kv, descendant)
	if err != nil {
		return false, err
	}
	anc, err := Get(ctx, kv, ancestor)
	if err != nil {
		return false, err
	}
	if anc.Generation > desc.Generation {
		return false, nil
	}

	visited := map[ID]bool{descendant: true}
	frontier := []ID{descendant}
	for len(frontier) > 0 {
		var next []ID
		for _, id := range frontier {
			if id == ancestor {
				return true, nil
			}
			c, err := Get(ctx, kv, id)
			if err != nil {
				return false, err
			}
			if c.Generation < anc.Generation {
				continue
			}
			for _, p := range c.Parents {
				if !visited[p] {
					visited[p] = true
					next = append(next, p)
				}
			}
		}
		frontier = next
	}
	return false, nil
}

// genItem is one entry in the generation-ordered max-heap used by LCA: it
// always expands the highest-generation frontier commit next, so the
// first ancestor found in the other side's ancestor set is the most
// recent one — the lowest common ancestor.
type genItem struct {
	id  ID
	gen uint64
}

type genHeap []genItem

func (h genHeap) Len() int            { return len(h) }
func (h genHeap) Less(i, j int) bool  { return h[i].gen > h[j].gen }
func (h genHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *genHeap) Push(x interface{}) { *h = append(*h, x.(genItem)) }
func (h *genHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// LowestCommonAncestor finds the most recent commit that is an ancestor of
// both a and b. It builds the full ancestor set of whichever of a, b has
// the higher generation, then walks the other's ancestors in
// generation-descending order, returning the first one found in that set.
func LowestCommonAncestor(ctx context.Context, kv kvstore.Store, a, b ID) (ID, error) {
	if a == b {
		return a, nil
	}

	ca, err := Get(ctx, kv, a)
	if err != nil {
		return ID{}, err
	}
	cb, err := Get(ctx, kv, b)
	if err != nil {
		return ID{}, err
	}

	higher, lower := a, b
	if cb.Generation > ca.Generation {
		higher, lower = b, a
	}

	ancestorSet, err := ancestorIDs(ctx, kv, higher)
	if err != nil {
		return ID{}, err
	}

	lowerCommit, err := Get(ctx, kv, lower)
	if err != nil {
		return ID{}, err
	}

	h := &genHeap{{id: lower, gen: lowerCommit.Generation}}
	heap.Init(h)
	visited := map[ID]bool{lower: true}

	for h.Len() > 0 {
		item := heap.Pop(h).(genItem)
		if ancestorSet[item.id] {
			return item.id, nil
		}
		c, err := Get(ctx, kv, item.id)
		if err != nil {
			return ID{}, err
		}
		for _, p := range c.Parents {
			if visited[p] {
				continue
			}
			visited[p] = true
			parent, err := Get(ctx, kv, p)
			if err != nil {
				return ID{}, err
			}
			heap.Push(h, genItem{id: p, gen: parent.Generation})
		}
	}

	return ID{}, fmt.Errorf("%w: no common ancestor between %s and %s", ledgererr.DataIntegrity, a, b)
}

func ancestorIDs(ctx context.Context, kv kvstore.Store, start ID) (map[ID]bool, error) {
	set := map[ID]bool{start: true}
	frontier := []ID{start}
	for len(frontier) > 0 {
		var next []ID
		for _, id := range frontier {
			c, err := Get(ctx, kv, id)
			if err != nil {
				return nil, err
			}
			for _, p := range c.Parents {
				if !set[p] {
					set[p] = true
					next = append(next, p)
				}
			}
		}
		frontier = next
	}
	return set, nil
}
