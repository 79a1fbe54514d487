// Package journal buffers pending edits against a base commit and, on
// commit, diffs them into the base's B-tree, writes the resulting commit
// atomically, and notifies watchers of the head change.
package journal

import (
	"bytes"
	"context"
	"fmt"
	"io"
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

// pendingEdit buffers a caller's put/delete until Commit drains it into an
// object-store-backed btree.Edit.
type pendingEdit struct {
	key      []byte
	isDelete bool
	source   io.Reader
	priority btree.Priority
}

// Journal accumulates edits against a base commit. A Journal derived from
// another (via Transaction) buffers independently and only folds its
// edits into the parent's list when the parent is told to adopt them;
// nothing it buffers is visible to the base page until that happens.
type Journal struct {
	base   commitdag.ID
	pageID string
	edits  []pendingEdit
}

// Start begins a journal rooted at baseCommit.
func Start(baseCommit commitdag.ID, pageID string) *Journal {
	return &Journal{base: baseCommit, pageID: pageID}
}

// Put buffers a write of key to the bytes drained from source, lazily:
// nothing is read until Commit.
func (j *Journal) Put(key []byte, source io.Reader, priority btree.Priority) {
	j.edits = append(j.edits, pendingEdit{key: append([]byte(nil), key...), source: source, priority: priority})
}

// PutBytes is a convenience wrapper over Put for already-materialized values.
func (j *Journal) PutBytes(key, value []byte, priority btree.Priority) {
	j.Put(key, bytes.NewReader(value), priority)
}

// Delete buffers a deletion of key.
func (j *Journal) Delete(key []byte) {
	j.edits = append(j.edits, pendingEdit{key: append([]byte(nil), key...), isDelete: true})
}

// Transaction derives a nested journal rooted at the same base commit. Its
// edits are held independently until Fold copies them into this journal's
// own buffered edit list; until then they are invisible to Commit.
func (j *Journal) Transaction() *Journal {
	return Start(j.base, j.pageID)
}

// Fold copies nested's buffered edits into j, in the order nested
// buffered them. Later edits for the same key still win, same as if they
// had been applied to j directly in that order.
func (j *Journal) Fold(nested *Journal) {
	j.edits = append(j.edits, nested.edits...)
}

// Env bundles the storage dependencies Commit needs.
type Env struct {
	KV      kvstore.Store
	Objects *objectstore.Store
	Watch   *watch.Broker
	Now     func() int64 // microseconds since epoch

	// Applier durably applies the commit/heads batch Commit builds. If
	// nil, Commit creates a throwaway one over KV; callers that commit
	// repeatedly against the same page should share one Applier (it
	// serializes concurrent applies the same way a raft.FSM would).
	Applier *commitapply.Applier
}

// Commit drains every buffered value source into the object store, applies
// the resulting edits to the base commit's tree, and writes the new
// commit record and the heads delta in a single atomic apply. Value
// objects and tree nodes are not part of that apply: the object store
// writes each one in its own KV batch as it is produced. On a failure,
// objects already written stay stored, but no commit record or head
// changes.
func (j *Journal) Commit(ctx context.Context, env Env) (commitdag.ID, error) {
	sort.SliceStable(j.edits, func(a, b int) bool {
		return bytes.Compare(j.edits[a].key, j.edits[b].key) < 0
	})

	btreeEdits := make([]btree.Edit, 0, len(j.edits))
	for _, e := range j.edits {
		if e.isDelete {
			btreeEdits = append(btreeEdits, btree.Edit{Key: e.key, Op: btree.OpDelete})
			continue
		}
		valueID, err := env.Objects.AddFromSource(ctx, e.source)
		if err != nil {
			return commitdag.ID{}, fmt.Errorf("drain value source for key %q: %w", e.key, err)
		}
		btreeEdits = append(btreeEdits, btree.Edit{Key: e.key, Op: btree.OpPut, ValueID: valueID, Priority: e.priority})
	}

	base, err := commitdag.Get(ctx, env.KV, j.base)
	if err != nil {
		return commitdag.ID{}, fmt.Errorf("load base commit: %w", err)
	}

	newRoot, err := btree.Apply(ctx, env.Objects, base.RootTreeID, btreeEdits)
	if err != nil {
		return commitdag.ID{}, fmt.Errorf("apply edits to base tree: %w", err)
	}

	now := int64(0)
	if env.Now != nil {
		now = env.Now()
	}
	commit, err := commitdag.NewChild(ctx, env.KV, newRoot, now, j.base)
	if err != nil {
		return commitdag.ID{}, fmt.Errorf("build commit record: %w", err)
	}

	rec := commitapply.NewRecordingBatch()
	commitID := commitdag.PrepareAddCommit(rec, commit)
	applier := env.Applier
	if applier == nil {
		applier = commitapply.New(env.KV)
	}
	if err := commitapply.ApplyRecorded(applier, rec); err != nil {
		return commitdag.ID{}, fmt.Errorf("execute commit batch: %w", err)
	}

	metrics.CommitsTotal.WithLabelValues("local").Inc()
	log.WithPage(j.pageID).Info().Str("commit_id", commitID.String()).Msg("journal commit")

	if env.Watch != nil {
		env.Watch.Publish(&watch.Event{
			Type:     watch.EventHeadChanged,
			PageID:   j.pageID,
			CommitID: commitID.String(),
		})
	}

	return commitID, nil
}
