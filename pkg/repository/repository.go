// Package repository is Ledger's top-level facade: it ties together the
// storage core (kvstore, objectstore, btree, commitdag, journal), conflict
// resolution (merge), and cloud sync (usersync, pagesync) into the
// open/snapshot/put/delete/watch surface client applications use, the way
// cmd/warren/main.go wires its manager, scheduler, and API server together
// around one process lifetime.
package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/ledger/internal/cloudproto"
	"github.com/cuemby/ledger/internal/kvstore/boltstore"
	"github.com/cuemby/ledger/internal/log"
	"github.com/cuemby/ledger/internal/usersync"
	"github.com/cuemby/ledger/internal/watch"
)

// Config configures a Repository.
type Config struct {
	// DataDir is the root directory this device's pages are stored under.
	DataDir string
	// UserID identifies the user this repository synchronizes on behalf
	// of. Required only when Docs/Blobs are set.
	UserID string
	// Docs and Blobs are the cloud collaborators. Leaving both nil runs
	// the repository fully offline: pages still work, nothing syncs.
	Docs  cloudproto.DocumentService
	Blobs cloudproto.BlobService
}

// Repository owns every page opened for one user/device pair. Pages are
// cached by (app, page) id so repeated Open calls share one Engine and one
// underlying store.
type Repository struct {
	cfg        Config
	broker     *watch.Broker
	supervisor *usersync.Supervisor

	mu    sync.Mutex
	pages map[string]*Page

	ctx    context.Context
	cancel context.CancelFunc
}

// Open creates a Repository rooted at cfg.DataDir, starting its event
// broker and, if cloud collaborators were given, its user-sync supervisor.
func Open(cfg Config) (*Repository, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("repository: DataDir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("repository: create data dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	broker := watch.NewBroker()
	broker.Start()

	r := &Repository{
		cfg:    cfg,
		broker: broker,
		pages:  make(map[string]*Page),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Docs != nil {
		kv, err := r.metaStore()
		if err != nil {
			cancel()
			return nil, err
		}
		r.supervisor = usersync.New(cfg.UserID, cfg.Docs, kv)
		r.supervisor.OnErased(func() {
			broker.Publish(&watch.Event{Type: watch.EventCloudErased, Timestamp: time.Now()})
		})
		if err := r.supervisor.Start(ctx); err != nil {
			log.Error("repository: user-sync supervisor failed to start: " + err.Error())
		}
	}

	return r, nil
}

// metaStore opens the kv store backing user-level metadata (device
// registration), kept separate from any one page's store.
func (r *Repository) metaStore() (*boltstore.Store, error) {
	return boltstore.Open(r.cfg.DataDir, "meta.db")
}

func pageKey(appID, pageID string) string { return appID + "/" + pageID }

// Page opens (creating on first use) the page identified by (appID,
// pageID), returning the cached instance on subsequent calls.
func (r *Repository) Page(appID, pageID string) (*Page, error) {
	key := pageKey(appID, pageID)

	r.mu.Lock()
	if p, ok := r.pages[key]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	p, err := openPage(r.ctx, pageOpts{
		dataDir: filepath.Join(r.cfg.DataDir, appID),
		appID:   appID,
		pageID:  pageID,
		userID:  r.cfg.UserID,
		docs:    r.cfg.Docs,
		blobs:   r.cfg.Blobs,
		broker:  r.broker,
		syncGated: func() bool {
			return r.supervisor == nil || r.supervisor.UploadEnabled()
		},
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.pages[key]; ok {
		r.mu.Unlock()
		p.Close()
		return existing, nil
	}
	r.pages[key] = p
	r.mu.Unlock()

	return p, nil
}

// Watch subscribes to every event published across this repository's
// pages: head changes, sync-state transitions, and cloud-erased
// notifications.
func (r *Repository) Watch() watch.Subscriber {
	return r.broker.Subscribe()
}

// Unwatch releases a subscription returned by Watch.
func (r *Repository) Unwatch(sub watch.Subscriber) {
	r.broker.Unsubscribe(sub)
}

// Close stops every open page and the repository's background workers.
func (r *Repository) Close() error {
	r.cancel()
	if r.supervisor != nil {
		r.supervisor.Stop()
	}

	r.mu.Lock()
	pages := make([]*Page, 0, len(r.pages))
	for _, p := range r.pages {
		pages = append(pages, p)
	}
	r.pages = nil
	r.mu.Unlock()

	var firstErr error
	for _, p := range pages {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.broker.Stop()
	return firstErr
}
