// Package merge resolves divergent heads: it picks a head pair
// deterministically, computes their lowest common ancestor, classifies a
// three-way diff, and applies a pluggable policy to produce a merge
// commit. It repeats until a page has a single head.
package merge

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/ledger/internal/btree"
	"github.com/cuemby/ledger/internal/commitapply"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/internal/kvstore"
	"github.com/cuemby/ledger/internal/log"
	"github.com/cuemby/ledger/internal/metrics"
	"github.com/cuemby/ledger/internal/objectstore"
	"github.com/cuemby/ledger/internal/watch"
)

// conflictBatchSize bounds how many conflicting keys are handed to a
// Merger at once, keeping peak memory proportional to the batch rather
// than to the full conflict set.
const conflictBatchSize = 64

// Change describes what a key became on one side of a diff: either a new
// (value-object-id, priority), or a deletion.
type Change struct {
	Deleted  bool
	ValueID  objectstore.ID
	Priority btree.Priority
}

// Conflict is a key whose local and remote sides both changed it
// differently from their common ancestor.
type Conflict struct {
	Key    []byte
	Local  Change
	Remote Change
}

// Merger resolves a batch of conflicting keys into the changes to apply.
// The returned slice must be the same length as conflicts, in the same
// order.
type Merger interface {
	Merge(ctx context.Context, conflicts []Conflict) ([]Change, error)
}

// DefaultMerger resolves every conflict by keeping the side whose
// value-object-id is lexicographically larger; a deletion is treated as
// the all-zero id, so any put beats a delete.
type DefaultMerger struct{}

func (DefaultMerger) Merge(ctx context.Context, conflicts []Conflict) ([]Change, error) {
	out := make([]Change, len(conflicts))
	for i, c := range conflicts {
		if bytes.Compare(c.Local.ValueID[:], c.Remote.ValueID[:]) >= 0 {
			out[i] = c.Local
		} else {
			out[i] = c.Remote
		}
	}
	return out, nil
}

// Env bundles the dependencies Resolve needs.
type Env struct {
	KV      kvstore.Store
	Objects *objectstore.Store
	Watch   *watch.Broker
	Merger  Merger
	Now     func() int64
	PageID  string

	// Applier durably applies each merge commit's commit/heads batch. If
	// nil, mergeOnce creates a throwaway one over KV.
	Applier *commitapply.Applier
}

// Resolve merges heads pairwise until the page has a single head,
// returning the final head id. It is a no-op (returning the existing
// single head) if the page already has one head.
func Resolve(ctx context.Context, env Env) (commitdag.ID, error) {
	merger := env.Merger
	if merger == nil {
		merger = DefaultMerger{}
	}

	for {
		heads, err := commitdag.Heads(ctx, env.KV)
		if err != nil {
			return commitdag.ID{}, err
		}
		if len(heads) == 0 {
			return commitdag.ID{}, fmt.Errorf("page %s has no heads", env.PageID)
		}
		if len(heads) == 1 {
			return heads[0], nil
		}

		h1, h2, err := pickPair(ctx, env.KV, heads)
		if err != nil {
			return commitdag.ID{}, err
		}

		if _, err := mergeOnce(ctx, env, merger, h1, h2); err != nil {
			return commitdag.ID{}, err
		}
	}
}

// pickPair selects the two heads with the lowest generation, tie-broken
// by ascending commit id bytes, which keeps the choice deterministic
// across devices observing the same head set.
func pickPair(ctx context.Context, kv kvstore.Store, heads []commitdag.ID) (commitdag.ID, commitdag.ID, error) {
	type ranked struct {
		id  commitdag.ID
		gen uint64
	}
	rs := make([]ranked, len(heads))
	for i, h := range heads {
		c, err := commitdag.Get(ctx, kv, h)
		if err != nil {
			return commitdag.ID{}, commitdag.ID{}, err
		}
		rs[i] = ranked{id: h, gen: c.Generation}
	}

	sort.Slice(rs, func(i, j int) bool {
		if rs[i].gen != rs[j].gen {
			return rs[i].gen < rs[j].gen
		}
		return bytes.Compare(rs[i].id[:], rs[j].id[:]) < 0
	})

	return rs[0].id, rs[1].id, nil
}

func mergeOnce(ctx context.Context, env Env, merger Merger, h1, h2 commitdag.ID) (commitdag.ID, error) {
	lca, err := commitdag.LowestCommonAncestor(ctx, env.KV, h1, h2)
	if err != nil {
		return commitdag.ID{}, fmt.Errorf("compute lca of %s, %s: %w", h1, h2, err)
	}

	base, err := commitdag.Get(ctx, env.KV, lca)
	if err != nil {
		return commitdag.ID{}, err
	}
	c1, err := commitdag.Get(ctx, env.KV, h1)
	if err != nil {
		return commitdag.ID{}, err
	}
	c2, err := commitdag.Get(ctx, env.KV, h2)
	if err != nil {
		return commitdag.ID{}, err
	}

	localChanges, err := diffAgainstBase(ctx, env.Objects, base.RootTreeID, c1.RootTreeID)
	if err != nil {
		return commitdag.ID{}, err
	}
	remoteChanges, err := diffAgainstBase(ctx, env.Objects, base.RootTreeID, c2.RootTreeID)
	if err != nil {
		return commitdag.ID{}, err
	}

	edits, conflictCount, err := classify(ctx, merger, localChanges, remoteChanges)
	if err != nil {
		return commitdag.ID{}, err
	}

	newRoot, err := btree.Apply(ctx, env.Objects, base.RootTreeID, edits)
	if err != nil {
		return commitdag.ID{}, fmt.Errorf("apply merge edits: %w", err)
	}

	now := int64(0)
	if env.Now != nil {
		now = env.Now()
	}
	commit, err := commitdag.NewChild(ctx, env.KV, newRoot, now, h1, h2)
	if err != nil {
		return commitdag.ID{}, fmt.Errorf("build merge commit: %w", err)
	}

	rec := commitapply.NewRecordingBatch()
	commitID := commitdag.PrepareAddCommit(rec, commit)
	applier := env.Applier
	if applier == nil {
		applier = commitapply.New(env.KV)
	}
	if err := commitapply.ApplyRecorded(applier, rec); err != nil {
		return commitdag.ID{}, fmt.Errorf("execute merge commit batch: %w", err)
	}

	metrics.MergesTotal.Inc()
	metrics.MergeConflictsTotal.Add(float64(conflictCount))
	metrics.CommitsTotal.WithLabelValues("merge").Inc()
	log.WithPage(env.PageID).Info().
		Str("commit_id", commitID.String()).
		Int("conflicts", conflictCount).
		Msg("merge commit")

	if env.Watch != nil {
		env.Watch.Publish(&watch.Event{Type: watch.EventHeadChanged, PageID: env.PageID, CommitID: commitID.String()})
	}

	return commitID, nil
}

// diffAgainstBase returns, per key, how it changed from base to target:
// present with Deleted=true if base had it and target doesn't, otherwise
// the new (value-object-id, priority).
func diffAgainstBase(ctx context.Context, store *objectstore.Store, base, target objectstore.ID) (map[string]Change, error) {
	diffs, err := btree.Diff(ctx, store, base, target)
	if err != nil {
		return nil, err
	}

	changes := make(map[string]Change)
	present := make(map[string]bool)
	for _, d := range diffs {
		key := string(d.Key)
		if d.Side == btree.SideRight {
			changes[key] = Change{ValueID: d.Entry.ValueID, Priority: d.Entry.Priority}
			present[key] = true
		} else if !present[key] {
			// Only the base side produced an entry for this key: target
			// has no matching put, so the key was deleted there. If a
			// SideRight entry for the same key arrives later in this
			// loop it overwrites this with the real change.
			changes[key] = Change{Deleted: true}
		}
	}
	return changes, nil
}

// classify merges the local and remote change maps into btree edits,
// handing any true conflicts to merger in bounded batches.
func classify(ctx context.Context, merger Merger, local, remote map[string]Change) ([]btree.Edit, int, error) {
	keys := make(map[string]bool, len(local)+len(remote))
	for k := range local {
		keys[k] = true
	}
	for k := range remote {
		keys[k] = true
	}

	sortedKeys := make([]string, 0, len(keys))
	for k := range keys {
		sortedKeys = append(sortedKeys, k)
	}
	sort.Strings(sortedKeys)

	var edits []btree.Edit
	var conflictKeys []string
	var conflicts []Conflict

	applyChange := func(key string, ch Change) {
		if ch.Deleted {
			edits = append(edits, btree.Edit{Key: []byte(key), Op: btree.OpDelete})
			return
		}
		edits = append(edits, btree.Edit{Key: []byte(key), Op: btree.OpPut, ValueID: ch.ValueID, Priority: ch.Priority})
	}

	conflictTotal := 0
	for _, key := range sortedKeys {
		lc, hasLocal := local[key]
		rc, hasRemote := remote[key]

		switch {
		case hasLocal && !hasRemote:
			applyChange(key, lc)
		case !hasLocal && hasRemote:
			applyChange(key, rc)
		case sameChange(lc, rc):
			applyChange(key, lc)
		default:
			conflictTotal++
			conflictKeys = append(conflictKeys, key)
			conflicts = append(conflicts, Conflict{Key: []byte(key), Local: lc, Remote: rc})
			if len(conflicts) == conflictBatchSize {
				resolved, err := merger.Merge(ctx, conflicts)
				if err != nil {
					return nil, 0, fmt.Errorf("merge conflict batch: %w", err)
				}
				for i, key := range conflictKeys {
					applyChange(key, resolved[i])
				}
				conflictKeys = conflictKeys[:0]
				conflicts = conflicts[:0]
			}
		}
	}

	if len(conflicts) > 0 {
		resolved, err := merger.Merge(ctx, conflicts)
		if err != nil {
			return nil, 0, fmt.Errorf("merge final conflict batch: %w", err)
		}
		for i, key := range conflictKeys {
			applyChange(key, resolved[i])
		}
	}

	return edits, conflictTotal, nil
}

func sameChange(a, b Change) bool {
	if a.Deleted != b.Deleted {
		return false
	}
	if a.Deleted {
		return true
	}
	return a.ValueID == b.ValueID && a.Priority == b.Priority
}
