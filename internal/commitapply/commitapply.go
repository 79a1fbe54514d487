// Package commitapply adapts hashicorp/raft's FSM contract to Ledger's
// local commit-apply pipeline. Ledger runs single-node per device — sync
// with other devices is cloud-mediated, not quorum-based, so no raft.Raft
// node is ever started here — but the same Apply/Snapshot/Restore shape
// that drives a Raft-replicated state machine also fits a durable,
// replayable log of local KV batches: one Command per committed batch,
// periodic snapshots of the full keyspace so the log can be compacted.
package commitapply

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cuemby/ledger/internal/kvstore"
	"github.com/cuemby/ledger/internal/ledgererr"
	"github.com/cuemby/ledger/internal/log"
)

const opApplyBatch = "apply_batch"

// KV is one key/value pair within a Command.
type KV struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// Command is a raft log entry's payload: a batch of puts and deletes to
// apply atomically against the underlying store.
type Command struct {
	Op             string   `json:"op"`
	Puts           []KV     `json:"puts,omitempty"`
	Deletes        [][]byte `json:"deletes,omitempty"`
	DeletePrefixes [][]byte `json:"delete_prefixes,omitempty"`
}

// EncodeBatch serializes a batch of puts/deletes as the payload for a
// raft.Log entry.
func EncodeBatch(puts []KV, deletes [][]byte) ([]byte, error) {
	return encodeCommand(Command{Op: opApplyBatch, Puts: puts, Deletes: deletes})
}

func encodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: encode apply command: %v", ledgererr.DataIntegrity, err)
	}
	return data, nil
}

// RecordingBatch implements kvstore.Batch by capturing every Put/Delete
// call instead of executing it against a store. Commit paths that build
// their mutations through the kvstore.Batch interface (commitdag.
// PrepareAddCommit, in particular) can be handed a RecordingBatch to
// harvest exactly the operations they would have performed, then replay
// them through an Applier as a single FSM command instead of writing the
// store directly.
type RecordingBatch struct {
	puts           []KV
	deletes        [][]byte
	deletePrefixes [][]byte
}

// NewRecordingBatch returns an empty RecordingBatch.
func NewRecordingBatch() *RecordingBatch {
	return &RecordingBatch{}
}

func (b *RecordingBatch) Put(key, value []byte) {
	b.puts = append(b.puts, KV{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
}

func (b *RecordingBatch) Delete(key []byte) {
	b.deletes = append(b.deletes, append([]byte(nil), key...))
}

func (b *RecordingBatch) DeleteByPrefix(prefix []byte) {
	b.deletePrefixes = append(b.deletePrefixes, append([]byte(nil), prefix...))
}

// Execute is a no-op: a RecordingBatch never touches a store on its own.
// Its operations are applied, atomically, once Encode's payload is run
// through an Applier.
func (b *RecordingBatch) Execute(ctx context.Context) error {
	return nil
}

// Encode returns the recorded operations as a single FSM command payload,
// ready to hand to an Applier's Apply.
func (b *RecordingBatch) Encode() ([]byte, error) {
	return encodeCommand(Command{Op: opApplyBatch, Puts: b.puts, Deletes: b.deletes, DeletePrefixes: b.deletePrefixes})
}

// Applier is a raft.FSM over a kvstore.Store: Apply executes one committed
// batch, Snapshot captures the full keyspace, Restore replays one.
type Applier struct {
	mu sync.RWMutex
	kv kvstore.Store
}

// New wraps a kvstore.Store as a raft.FSM.
func New(kv kvstore.Store) *Applier {
	return &Applier{kv: kv}
}

// Apply decodes and executes one committed batch. It returns an error
// value (not panicking) so a caller driving Apply outside of raft.Raft
// itself can inspect the result the same way raft does internally.
func (a *Applier) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("%w: unmarshal apply command: %v", ledgererr.DataIntegrity, err)
	}
	if cmd.Op != opApplyBatch {
		return fmt.Errorf("%w: unknown apply command %q", ledgererr.DataIntegrity, cmd.Op)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	batch := a.kv.StartBatch()
	for _, kv := range cmd.Puts {
		batch.Put(kv.Key, kv.Value)
	}
	for _, key := range cmd.Deletes {
		batch.Delete(key)
	}
	for _, prefix := range cmd.DeletePrefixes {
		batch.DeleteByPrefix(prefix)
	}
	if err := batch.Execute(context.Background()); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}
	log.Debug(fmt.Sprintf("commitapply: applied batch with %d puts, %d deletes", len(cmd.Puts), len(cmd.Deletes)))
	return nil
}

// ApplyRecorded replays a RecordingBatch's captured operations through a,
// the way journal and merge commits durably apply their final commit/head
// write. It returns an error (never the raw interface{} raft.FSM.Apply
// uses) since no caller here is raft.Raft itself.
func ApplyRecorded(a *Applier, rec *RecordingBatch) error {
	payload, err := rec.Encode()
	if err != nil {
		return err
	}
	if res := a.Apply(&raft.Log{Data: payload}); res != nil {
		err, ok := res.(error)
		if !ok {
			return fmt.Errorf("%w: unexpected apply result %v", ledgererr.DataIntegrity, res)
		}
		return err
	}
	return nil
}

// Snapshot captures every key currently in the store. Entries are copied
// so later mutations to the live store cannot race with Persist.
func (a *Applier) Snapshot() (raft.FSMSnapshot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entries, err := a.kv.GetWithPrefix(context.Background(), nil)
	if err != nil {
		return nil, fmt.Errorf("collect snapshot entries: %w", err)
	}
	kvs := make([]KV, len(entries))
	for i, e := range entries {
		kvs[i] = KV{Key: append([]byte(nil), e.Key...), Value: append([]byte(nil), e.Value...)}
	}
	return &Snapshot{entries: kvs}, nil
}

// Restore replaces the store's entire contents with a previously captured
// snapshot. It is called when a device's local commit-apply log is
// compacted and rebuilt from the latest snapshot rather than replayed
// entry by entry.
func (a *Applier) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("%w: decode snapshot: %v", ledgererr.DataIntegrity, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	batch := a.kv.StartBatch()
	batch.DeleteByPrefix(nil)
	for _, kv := range snap.entries {
		batch.Put(kv.Key, kv.Value)
	}
	return batch.Execute(context.Background())
}

// Snapshot is the raft.FSMSnapshot produced by Applier.Snapshot: the full
// keyspace, encoded as JSON.
type Snapshot struct {
	entries []KV
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.entries)
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &s.entries)
}

// Persist writes the snapshot to sink, closing it on success and
// cancelling it on any encode failure so raft can retry.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release is a no-op: the snapshot holds no resources beyond the copied
// entry slice.
func (s *Snapshot) Release() {}
