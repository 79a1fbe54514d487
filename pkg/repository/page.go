package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/ledger/internal/btree"
	"github.com/cuemby/ledger/internal/cloudproto"
	"github.com/cuemby/ledger/internal/commitapply"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/internal/journal"
	"github.com/cuemby/ledger/internal/kvstore/boltstore"
	"github.com/cuemby/ledger/internal/ledgererr"
	"github.com/cuemby/ledger/internal/log"
	"github.com/cuemby/ledger/internal/merge"
	"github.com/cuemby/ledger/internal/objectstore"
	"github.com/cuemby/ledger/internal/pagesync"
	"github.com/cuemby/ledger/internal/syncstate"
	"github.com/cuemby/ledger/internal/watch"
)

// pageOpts carries everything openPage needs out of the Repository that
// owns it, without exposing the Repository itself to the page.
type pageOpts struct {
	dataDir   string
	appID     string
	pageID    string
	userID    string
	docs      cloudproto.DocumentService
	blobs     cloudproto.BlobService
	broker    *watch.Broker
	syncGated func() bool
}

// Page is one page's local view: its own store, object store, and (if
// cloud collaborators were configured) its own sync engine. Every read
// first resolves the page's heads to a single one via merge.Resolve, so a
// page with divergent heads never reads stale or partial state.
type Page struct {
	appID  string
	pageID string

	kv      *boltstore.Store
	objects *objectstore.Store
	applier *commitapply.Applier
	broker  *watch.Broker
	merger  merge.Merger
	sync    *pagesync.Engine

	cancel context.CancelFunc
}

func openPage(ctx context.Context, opts pageOpts) (*Page, error) {
	kv, err := boltstore.Open(opts.dataDir, opts.pageID+".db")
	if err != nil {
		return nil, err
	}

	objects := objectstore.New(kv)
	applier := commitapply.New(kv)

	if err := ensureGenesis(ctx, kv, objects, applier); err != nil {
		kv.Close()
		return nil, err
	}

	pageCtx, cancel := context.WithCancel(ctx)
	p := &Page{
		appID:   opts.appID,
		pageID:  opts.pageID,
		kv:      kv,
		objects: objects,
		applier: applier,
		broker:  opts.broker,
		merger:  merge.DefaultMerger{},
		cancel:  cancel,
	}

	if opts.docs != nil && opts.syncGated != nil && opts.syncGated() {
		env := pagesync.Env{
			KV:      kv,
			Objects: objects,
			Docs:    opts.docs,
			Blobs:   opts.blobs,
			Watch:   opts.broker,
			UserID:  opts.userID,
			AppID:   opts.appID,
			PageID:  opts.pageID,
		}
		p.sync = pagesync.New(env, func(state syncstate.State) {
			if opts.broker != nil {
				opts.broker.Publish(&watch.Event{
					Type:   watch.EventSyncStateChanged,
					PageID: opts.pageID,
				})
			}
		})
		p.sync.Start(pageCtx)
	}

	return p, nil
}

// ensureGenesis writes a page's first (zero-parent, generation-0) commit
// if the page has no commits yet, building the commit record directly and
// applying it through the page's Applier.
func ensureGenesis(ctx context.Context, kv *boltstore.Store, objects *objectstore.Store, applier *commitapply.Applier) error {
	heads, err := commitdag.Heads(ctx, kv)
	if err != nil {
		return fmt.Errorf("load page heads: %w", err)
	}
	if len(heads) > 0 {
		return nil
	}

	emptyRoot, err := btree.NewEmptyTree(ctx, objects)
	if err != nil {
		return fmt.Errorf("build empty root tree: %w", err)
	}

	genesis := &commitdag.Commit{
		RootTreeID: emptyRoot,
		Parents:    nil,
		Timestamp:  0,
		Generation: 0,
	}

	rec := commitapply.NewRecordingBatch()
	commitdag.PrepareAddCommit(rec, genesis)
	return commitapply.ApplyRecorded(applier, rec)
}

func nowMicros() int64 { return time.Now().UnixMicro() }

// Head resolves the page's current head, merging divergent heads via the
// page's Merger first if more than one exists.
func (p *Page) Head(ctx context.Context) (commitdag.ID, error) {
	return merge.Resolve(ctx, merge.Env{
		KV:      p.kv,
		Objects: p.objects,
		Watch:   p.broker,
		Merger:  p.merger,
		Now:     nowMicros,
		PageID:  p.pageID,
		Applier: p.applier,
	})
}

// NewTransaction starts a journal rooted at the page's current head.
func (p *Page) NewTransaction(ctx context.Context) (*journal.Journal, error) {
	head, err := p.Head(ctx)
	if err != nil {
		return nil, err
	}
	return journal.Start(head, p.pageID), nil
}

func (p *Page) journalEnv() journal.Env {
	return journal.Env{KV: p.kv, Objects: p.objects, Watch: p.broker, Now: nowMicros, Applier: p.applier}
}

// Put is a convenience wrapper that commits a single key/value write as
// its own transaction.
func (p *Page) Put(ctx context.Context, key, value []byte, priority btree.Priority) error {
	txn, err := p.NewTransaction(ctx)
	if err != nil {
		return err
	}
	txn.PutBytes(key, value, priority)
	_, err = txn.Commit(ctx, p.journalEnv())
	return err
}

// Delete is a convenience wrapper that commits a single key deletion as
// its own transaction.
func (p *Page) Delete(ctx context.Context, key []byte) error {
	txn, err := p.NewTransaction(ctx)
	if err != nil {
		return err
	}
	txn.Delete(key)
	_, err = txn.Commit(ctx, p.journalEnv())
	return err
}

// Commit applies a caller-built journal's buffered edits atop the page's
// current head.
func (p *Page) Commit(ctx context.Context, txn *journal.Journal) (commitdag.ID, error) {
	return txn.Commit(ctx, p.journalEnv())
}

// Snapshot pins one commit's tree for reading; its view never changes as
// later writes land on the page.
type Snapshot struct {
	page *Page
	root objectstore.ID
}

// Snapshot returns a read-only view of the page as of its current
// (possibly just-merged) head.
func (p *Page) Snapshot(ctx context.Context) (*Snapshot, error) {
	head, err := p.Head(ctx)
	if err != nil {
		return nil, err
	}
	commit, err := commitdag.Get(ctx, p.kv, head)
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return &Snapshot{page: p, root: commit.RootTreeID}, nil
}

// Get returns a streaming reader for key's value, or ledgererr.NotFound if
// absent. Prefer this over GetBytes for large values.
func (s *Snapshot) Get(ctx context.Context, key []byte) (*objectstore.Reader, error) {
	entry, ok, err := btree.Lookup(ctx, s.page.objects, s.root, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: key %q", ledgererr.NotFound, key)
	}
	return s.page.objects.GetObject(ctx, entry.ValueID)
}

// GetBytes returns key's value fully materialized in memory.
func (s *Snapshot) GetBytes(ctx context.Context, key []byte) ([]byte, error) {
	entry, ok, err := btree.Lookup(ctx, s.page.objects, s.root, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: key %q", ledgererr.NotFound, key)
	}
	obj, err := s.page.objects.GetObject(ctx, entry.ValueID)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(obj)
}

// Entry is one key/value pair returned from a range read.
type Entry struct {
	Key   []byte
	Value []byte
}

// GetEntries returns every key at or after fromKey, in ascending order.
func (s *Snapshot) GetEntries(ctx context.Context, fromKey []byte) ([]Entry, error) {
	rows, err := btree.Iterate(ctx, s.page.objects, s.root, fromKey)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		value, err := s.page.objects.GetObject(ctx, row.ValueID)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(value)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: row.Key, Value: data})
	}
	return out, nil
}

// GetKeysByPrefix returns every key/value pair whose key starts with
// prefix. btree.Iterate only supports a lower bound, not a true prefix
// scan, so entries past the prefix are filtered out here rather than at
// the tree layer.
func (s *Snapshot) GetKeysByPrefix(ctx context.Context, prefix []byte) ([]Entry, error) {
	rows, err := btree.Iterate(ctx, s.page.objects, s.root, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		if !bytes.HasPrefix(row.Key, prefix) {
			break
		}
		value, err := s.page.objects.GetObject(ctx, row.ValueID)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(value)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: row.Key, Value: data})
	}
	return out, nil
}

// Watch subscribes to every event concerning this page.
func (p *Page) Watch() watch.Subscriber {
	return p.broker.Subscribe()
}

// Unwatch releases a subscription returned by Watch.
func (p *Page) Unwatch(sub watch.Subscriber) {
	p.broker.Unsubscribe(sub)
}

// SyncState reports the page's aggregated upload/download state. A page
// with no cloud collaborator configured always reports idle.
func (p *Page) SyncState() syncstate.State {
	if p.sync == nil {
		return syncstate.State{}
	}
	return p.sync.SyncState()
}

func (p *Page) Close() error {
	p.cancel()
	if err := p.kv.Close(); err != nil {
		log.WithPage(p.pageID).Warn().Err(err).Msg("close page store failed")
		return err
	}
	return nil
}
