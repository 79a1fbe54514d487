// Package pagesync drives one page's cloud upload and download halves
// independently: an upload worker that pushes local commits to the cloud
// document and blob services, and a download watcher that ingests remote
// commit batches in server order. Both retry transient failures with
// exponential backoff and report their progress through syncstate.
package pagesync

import (
	"bytes"
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/ledger/internal/backoff"
	"github.com/cuemby/ledger/internal/btree"
	"github.com/cuemby/ledger/internal/cloudproto"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/internal/kvstore"
	"github.com/cuemby/ledger/internal/ledgererr"
	"github.com/cuemby/ledger/internal/log"
	"github.com/cuemby/ledger/internal/metrics"
	"github.com/cuemby/ledger/internal/objectstore"
	"github.com/cuemby/ledger/internal/syncstate"
	"github.com/cuemby/ledger/internal/watch"
)

// maxParallelUploads bounds concurrent object uploads for one page.
const maxParallelUploads = 8

// orphanTimeout is how long a downloaded commit waits for its parents to
// arrive before being discarded and re-requested on the next watch event.
const orphanTimeout = 30 * time.Second

var (
	syncedPrefix         = []byte("US/")
	objectUploadedPrefix = []byte("UO/")
	downloadWatermarkKey = []byte("DW/watermark")
)

func syncedKey(id commitdag.ID) []byte {
	return append(append([]byte(nil), syncedPrefix...), id[:]...)
}

func objectUploadedKey(id objectstore.ID) []byte {
	return append(append([]byte(nil), objectUploadedPrefix...), id[:]...)
}

// Env wires pagesync to one page's storage and to its cloud collaborators.
type Env struct {
	KV      kvstore.Store
	Objects *objectstore.Store
	Docs    cloudproto.DocumentService
	Blobs   cloudproto.BlobService
	Watch   *watch.Broker
	UserID  string
	AppID   string
	PageID  string
}

func (e *Env) commitsPath() string {
	return cloudproto.PageCommitsPath(e.UserID, e.AppID, e.PageID)
}

func (e *Env) objectsPrefix() string {
	return cloudproto.PageObjectsPath(e.UserID, e.AppID, e.PageID)
}

// Engine runs the upload and download halves of one page's sync.
type Engine struct {
	env Env

	uploadQueue chan commitdag.ID
	uploadSem   chan struct{}

	aggregator *syncstate.Aggregator
	upload     *syncstate.Listener
	download   *syncstate.Listener

	mu      sync.Mutex
	orphans map[commitdag.ID]*pendingCommit
	batches map[int64]*pendingBatch
}

type pendingCommit struct {
	record  cloudproto.CommitRecord
	commit  *commitdag.Commit
	arrived time.Time
}

// pendingBatch buffers the records of one server batch seen so far,
// keyed by the batch's shared timestamp. A server batch can be delivered
// as several separate WatchEvents rather than one, including out of
// BatchPosition order, so membership is tracked across consumeDownloadEvents
// calls until every record has arrived (or the batch times out).
type pendingBatch struct {
	size    int
	members map[int]cloudproto.CommitRecord
	arrived time.Time
}

// New creates an Engine for one page. onStateChange, if non-nil, receives
// every change to the page's aggregated sync state.
func New(env Env, onStateChange func(syncstate.State)) *Engine {
	agg := syncstate.NewAggregator(onStateChange)
	return &Engine{
		env:         env,
		uploadQueue: make(chan commitdag.ID, 256),
		uploadSem:   make(chan struct{}, maxParallelUploads),
		aggregator:  agg,
		upload:      agg.NewListener(),
		download:    agg.NewListener(),
		orphans:     make(map[commitdag.ID]*pendingCommit),
		batches:     make(map[int64]*pendingBatch),
	}
}

// SyncState returns the page's current aggregated upload/download state.
func (e *Engine) SyncState() syncstate.State {
	return e.aggregator.Current()
}

// Start launches the upload and download loops. It returns once both are
// running; they continue until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.seedUploadQueue(ctx)

	var sub watch.Subscriber
	if e.env.Watch != nil {
		sub = e.env.Watch.Subscribe()
		go e.watchLocalCommits(ctx, sub)
	}

	go e.uploadLoop(ctx)
	go e.downloadLoop(ctx)
}

// seedUploadQueue enqueues every locally-known commit lacking a synced
// marker, so a restart resumes uploading where it left off.
func (e *Engine) seedUploadQueue(ctx context.Context) {
	ids, err := commitdag.ListAll(ctx, e.env.KV)
	if err != nil {
		log.WithPage(e.env.PageID).Warn().Err(err).Msg("scan local commits for upload failed")
		return
	}
	pending := make([]*commitdag.Commit, 0, len(ids))
	for _, id := range ids {
		synced, err := e.env.KV.Has(ctx, syncedKey(id))
		if err != nil || synced {
			continue
		}
		c, err := commitdag.Get(ctx, e.env.KV, id)
		if err != nil {
			continue
		}
		pending = append(pending, c)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Generation != pending[j].Generation {
			return pending[i].Generation < pending[j].Generation
		}
		return pending[i].Timestamp < pending[j].Timestamp
	})
	for _, c := range pending {
		e.uploadQueue <- commitdag.IDOf(c)
	}
	metrics.SyncUploadQueueDepth.WithLabelValues(e.env.PageID).Set(float64(len(pending)))
}

// watchLocalCommits enqueues every commit the local engine adds for upload.
func (e *Engine) watchLocalCommits(ctx context.Context, sub watch.Subscriber) {
	defer e.env.Watch.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type != watch.EventHeadChanged || ev.PageID != e.env.PageID || ev.CommitID == "" {
				continue
			}
			id, err := commitdag.ParseID(ev.CommitID)
			if err != nil {
				continue
			}
			select {
			case e.uploadQueue <- id:
			case <-ctx.Done():
				return
			}
		}
	}
}

// uploadLoop pops commits off the queue and uploads them in order,
// retrying transient failures with exponential backoff.
func (e *Engine) uploadLoop(ctx context.Context) {
	if e.env.Docs == nil {
		return
	}
	b := backoff.NewExponential(10*time.Millisecond, 1*time.Second, 2)
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.uploadQueue:
			e.upload.Notify(syncstate.State{Upload: syncstate.UploadInProgress})
			if err := e.uploadCommit(ctx, id); err != nil {
				if isPermanent(err) {
					e.markUnsyncable(ctx, id, err)
					metrics.SyncUploadErrorsTotal.WithLabelValues("permanent").Inc()
					e.upload.Notify(syncstate.State{Upload: syncstate.UploadError})
					continue
				}
				metrics.SyncUploadErrorsTotal.WithLabelValues("transient").Inc()
				delay := b.Next()
				log.WithPage(e.env.PageID).Warn().Err(err).Dur("retry_in", delay).Msg("commit upload failed")
				e.upload.Notify(syncstate.State{Upload: syncstate.UploadError})
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
				select {
				case e.uploadQueue <- id:
				case <-ctx.Done():
					return
				}
				continue
			}
			b.Reset()
			e.upload.Notify(syncstate.State{Upload: syncstate.UploadIdle})
		}
	}
}

func (e *Engine) uploadCommit(ctx context.Context, id commitdag.ID) error {
	timer := metrics.NewTimer()
	c, err := commitdag.Get(ctx, e.env.KV, id)
	if err != nil {
		return fmt.Errorf("load commit for upload: %w", err)
	}

	if err := e.uploadObjectClosure(ctx, c.RootTreeID); err != nil {
		return err
	}

	content := cloudproto.EncodeValue(commitdag.Encode(c))
	record := cloudproto.CommitRecord{ID: id.String(), Content: content}
	data, err := cloudproto.EncodeCommitBatch([]cloudproto.CommitRecord{record})
	if err != nil {
		return fmt.Errorf("%w: encode commit for upload: %v", ledgererr.DataIntegrity, err)
	}
	path := fmt.Sprintf("%s/%s", e.env.commitsPath(), id.String())
	if err := e.env.Docs.Put(ctx, path, data); err != nil {
		return fmt.Errorf("%w: put commit: %v", ledgererr.Network, err)
	}

	batch := e.env.KV.StartBatch()
	batch.Put(syncedKey(id), []byte{})
	if err := batch.Execute(ctx); err != nil {
		return fmt.Errorf("mark commit synced: %w", err)
	}
	timer.ObserveDuration(metrics.SyncUploadDuration)
	log.WithPage(e.env.PageID).Debug().Str("commit_id", id.String()).Msg("commit uploaded")
	return nil
}

// uploadObjectClosure uploads every object reachable from root not already
// marked uploaded, bounded to maxParallelUploads in flight at a time.
func (e *Engine) uploadObjectClosure(ctx context.Context, root objectstore.ID) error {
	var pending []objectstore.ID
	err := btree.Walk(ctx, e.env.Objects, root, func(id objectstore.ID) error {
		uploaded, err := e.env.KV.Has(ctx, objectUploadedKey(id))
		if err != nil {
			return err
		}
		if !uploaded {
			pending = append(pending, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk object closure: %w", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(pending))
	for _, id := range pending {
		id := id
		wg.Add(1)
		e.uploadSem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-e.uploadSem }()
			if err := e.uploadObject(ctx, id); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) uploadObject(ctx context.Context, id objectstore.ID) error {
	r, err := e.env.Objects.GetObject(ctx, id)
	if err != nil {
		return fmt.Errorf("read object for upload: %w", err)
	}
	key := fmt.Sprintf("%s/%s", e.env.objectsPrefix(), id.String())
	if err := e.env.Blobs.Upload(ctx, key, r, r.Size); err != nil {
		return fmt.Errorf("%w: upload object %s: %v", ledgererr.Network, id, err)
	}
	batch := e.env.KV.StartBatch()
	batch.Put(objectUploadedKey(id), []byte{})
	if err := batch.Execute(ctx); err != nil {
		return fmt.Errorf("mark object uploaded: %w", err)
	}
	return nil
}

func (e *Engine) markUnsyncable(ctx context.Context, id commitdag.ID, cause error) {
	log.WithPage(e.env.PageID).Error().Err(cause).Str("commit_id", id.String()).Msg("commit marked unsyncable")
}

// isPermanent reports whether a commit-upload failure should stop retrying
// rather than back off: a data integrity violation or malformed state will
// never succeed on retry the way a network blip might.
func isPermanent(err error) bool {
	return stderrors.Is(err, ledgererr.DataIntegrity) || stderrors.Is(err, ledgererr.Configuration)
}

// downloadLoop watches the page's remote commits path and ingests batches
// in (timestamp, batch_position) order, buffering commits whose parents
// haven't arrived yet.
func (e *Engine) downloadLoop(ctx context.Context) {
	if e.env.Docs == nil {
		return
	}
	b := backoff.NewExponential(10*time.Millisecond, 1*time.Second, 2)
	for {
		from := e.downloadWatermark(ctx)
		events, err := e.env.Docs.Watch(ctx, e.env.commitsPath(), from)
		if err != nil {
			delay := b.Next()
			log.WithPage(e.env.PageID).Warn().Err(err).Dur("retry_in", delay).Msg("watch remote commits failed")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		b.Reset()
		e.consumeDownloadEvents(ctx, events)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// consumeDownloadEvents ingests every WatchEvent in (timestamp,
// batch_position) order. A server batch of size > 1 can itself be split
// across several WatchEvents — even delivered with a later BatchPosition
// arriving before an earlier one — so records are first handed to
// admitBatchMember, which holds a batch's members back until every one of
// them has been seen (or the batch has waited past orphanTimeout), and only
// then are they ingested together in BatchPosition order.
func (e *Engine) consumeDownloadEvents(ctx context.Context, events <-chan cloudproto.WatchEvent) {
	for ev := range events {
		e.download.Notify(syncstate.State{Download: syncstate.DownloadInProgress})
		records, err := cloudproto.DecodeCommitBatch(ev.Data)
		if err != nil {
			log.WithPage(e.env.PageID).Warn().Err(err).Msg("decode downloaded commit batch failed")
			continue
		}
		for _, rec := range records {
			ready := e.admitBatchMember(rec)
			for _, r := range ready {
				if err := e.ingestRecord(ctx, r); err != nil {
					log.WithPage(e.env.PageID).Warn().Err(err).Str("commit_id", r.ID).Msg("ingest downloaded commit failed")
				}
			}
		}
		e.flushExpiredBatches(ctx)
		e.flushReadyOrphans(ctx)
		e.discardExpiredOrphans()
		e.download.Notify(syncstate.State{Download: syncstate.DownloadIdle})
	}
}

// admitBatchMember records rec as one member of its server batch (keyed by
// the batch's shared Timestamp) and returns the batch's full member list,
// sorted by BatchPosition, once every member has arrived. It returns nil
// while the batch is still incomplete. A batch of size <= 1 is its own
// complete batch and is returned immediately.
func (e *Engine) admitBatchMember(rec cloudproto.CommitRecord) []cloudproto.CommitRecord {
	if rec.BatchSize <= 1 {
		return []cloudproto.CommitRecord{rec}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pb, ok := e.batches[rec.Timestamp]
	if !ok {
		pb = &pendingBatch{size: rec.BatchSize, members: make(map[int]cloudproto.CommitRecord), arrived: time.Now()}
		e.batches[rec.Timestamp] = pb
	}
	pb.members[rec.BatchPosition] = rec
	if len(pb.members) < pb.size {
		return nil
	}
	delete(e.batches, rec.Timestamp)
	return sortedBatchMembers(pb)
}

func sortedBatchMembers(pb *pendingBatch) []cloudproto.CommitRecord {
	out := make([]cloudproto.CommitRecord, 0, len(pb.members))
	for _, rec := range pb.members {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchPosition < out[j].BatchPosition })
	return out
}

// flushExpiredBatches ingests, in BatchPosition order, every batch that
// has waited past orphanTimeout for its remaining siblings to arrive —
// trading completeness for forward progress, the same tradeoff
// discardExpiredOrphans makes for parent-missing commits.
func (e *Engine) flushExpiredBatches(ctx context.Context) {
	e.mu.Lock()
	var ready [][]cloudproto.CommitRecord
	for ts, pb := range e.batches {
		if time.Since(pb.arrived) > orphanTimeout {
			ready = append(ready, sortedBatchMembers(pb))
			delete(e.batches, ts)
		}
	}
	e.mu.Unlock()

	for _, members := range ready {
		metrics.SyncDownloadBatchTimeoutsTotal.Inc()
		log.WithPage(e.env.PageID).Warn().Int("got", len(members)).Msg("ingesting batch incomplete after timeout")
		for _, rec := range members {
			if err := e.ingestRecord(ctx, rec); err != nil {
				log.WithPage(e.env.PageID).Warn().Err(err).Str("commit_id", rec.ID).Msg("ingest downloaded commit failed")
			}
		}
	}
}

func (e *Engine) ingestRecord(ctx context.Context, rec cloudproto.CommitRecord) error {
	raw, err := cloudproto.DecodeValue(rec.Content)
	if err != nil {
		return fmt.Errorf("%w: decode commit content: %v", ledgererr.DataIntegrity, err)
	}
	c, err := commitdag.Decode(raw)
	if err != nil {
		return err
	}
	id := commitdag.IDOf(c)
	if id.String() != rec.ID {
		return fmt.Errorf("%w: commit id mismatch on download", ledgererr.DataIntegrity)
	}

	have, err := commitdag.Exists(ctx, e.env.KV, id)
	if err == nil && have {
		return nil // already local, e.g. it originated on this device
	}

	for _, p := range c.Parents {
		present, err := commitdag.Exists(ctx, e.env.KV, p)
		if err != nil {
			return err
		}
		if !present {
			e.bufferOrphan(rec, c)
			return nil
		}
	}

	return e.applyDownloadedCommit(ctx, rec, c)
}

func (e *Engine) applyDownloadedCommit(ctx context.Context, rec cloudproto.CommitRecord, c *commitdag.Commit) error {
	if err := e.fetchObjectClosure(ctx, c.RootTreeID, rec.Objects); err != nil {
		return err
	}

	batch := e.env.KV.StartBatch()
	id := commitdag.PrepareAddCommit(batch, c)
	e.setWatermark(batch, c.Timestamp)
	batch.Put(syncedKey(id), []byte{})
	if err := batch.Execute(ctx); err != nil {
		return fmt.Errorf("apply downloaded commit: %w", err)
	}

	metrics.CommitsTotal.WithLabelValues("remote").Inc()
	if e.env.Watch != nil {
		e.env.Watch.Publish(&watch.Event{
			Type:     watch.EventHeadChanged,
			PageID:   e.env.PageID,
			CommitID: id.String(),
		})
	}
	return nil
}

// fetchObjectClosure downloads (or takes from the batch's inline set) every
// object reachable from root not already present locally, discovering
// children one level at a time as each parent node becomes available.
func (e *Engine) fetchObjectClosure(ctx context.Context, root objectstore.ID, inline map[string]string) error {
	present, err := e.env.Objects.Contains(ctx, root)
	if err != nil {
		return err
	}
	if !present {
		if err := e.fetchObject(ctx, root, inline); err != nil {
			return err
		}
	}

	children, values, err := btree.DirectRefs(ctx, e.env.Objects, root)
	if err != nil {
		return err
	}
	for _, v := range values {
		ok, err := e.env.Objects.Contains(ctx, v)
		if err != nil {
			return err
		}
		if !ok {
			if err := e.fetchObject(ctx, v, inline); err != nil {
				return err
			}
		}
	}
	for _, child := range children {
		if err := e.fetchObjectClosure(ctx, child, inline); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fetchObject(ctx context.Context, id objectstore.ID, inline map[string]string) error {
	if encoded, ok := inline[id.String()]; ok {
		raw, err := cloudproto.DecodeValue(encoded)
		if err != nil {
			return fmt.Errorf("%w: decode inline object: %v", ledgererr.DataIntegrity, err)
		}
		got, err := e.env.Objects.AddFromSource(ctx, bytes.NewReader(raw))
		if err != nil {
			return err
		}
		if got != id {
			return fmt.Errorf("%w: inline object digest mismatch", ledgererr.DataIntegrity)
		}
		return nil
	}

	key := fmt.Sprintf("%s/%s", e.env.objectsPrefix(), id.String())
	r, _, err := e.env.Blobs.Download(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: download object %s: %v", ledgererr.Network, id, err)
	}
	defer r.Close()
	got, err := e.env.Objects.AddFromSource(ctx, r)
	if err != nil {
		return err
	}
	if got != id {
		return fmt.Errorf("%w: downloaded object digest mismatch", ledgererr.DataIntegrity)
	}
	return nil
}

func (e *Engine) bufferOrphan(rec cloudproto.CommitRecord, c *commitdag.Commit) {
	id := commitdag.IDOf(c)
	e.mu.Lock()
	e.orphans[id] = &pendingCommit{record: rec, commit: c, arrived: time.Now()}
	e.mu.Unlock()
}

func (e *Engine) flushReadyOrphans(ctx context.Context) {
	for {
		ready := e.popReadyOrphan(ctx)
		if ready == nil {
			return
		}
		if err := e.applyDownloadedCommit(ctx, ready.record, ready.commit); err != nil {
			log.WithPage(e.env.PageID).Warn().Err(err).Msg("apply buffered orphan commit failed")
		}
	}
}

func (e *Engine) popReadyOrphan(ctx context.Context) *pendingCommit {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.orphans {
		ready := true
		for _, parent := range p.commit.Parents {
			present, err := commitdag.Exists(ctx, e.env.KV, parent)
			if err != nil || !present {
				ready = false
				break
			}
		}
		if ready {
			delete(e.orphans, id)
			return p
		}
	}
	return nil
}

func (e *Engine) discardExpiredOrphans() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.orphans {
		if time.Since(p.arrived) > orphanTimeout {
			delete(e.orphans, id)
			metrics.SyncDownloadOrphansTotal.Inc()
			log.WithPage(e.env.PageID).Warn().Str("commit_id", id.String()).Msg("discarding orphan commit past timeout")
		}
	}
}

func (e *Engine) downloadWatermark(ctx context.Context) int64 {
	value, err := e.env.KV.Get(ctx, downloadWatermarkKey)
	if err != nil || len(value) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(value))
}

func (e *Engine) setWatermark(batch kvstore.Batch, ts int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	batch.Put(downloadWatermarkKey, buf[:])
}
