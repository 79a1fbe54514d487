// Package usersync supervises the per-user cloud relationship: registering
// this device's fingerprint with the user's cloud device set before any
// page is allowed to sync, detecting a wipe of the cloud data out from
// under an already-registered device, and gating every page's sync engine
// on that check having succeeded.
package usersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/ledger/internal/backoff"
	"github.com/cuemby/ledger/internal/cloudproto"
	"github.com/cuemby/ledger/internal/fingerprint"
	"github.com/cuemby/ledger/internal/kvstore"
	"github.com/cuemby/ledger/internal/ledgererr"
	"github.com/cuemby/ledger/internal/log"
	"github.com/cuemby/ledger/internal/metrics"
)

// fingerprintMarker is the value written under a device's row in the
// cloud devices map; its content is never read back, only its presence.
const fingerprintMarker = "true"

// Supervisor owns one user's cloud sync lifecycle: it registers this
// device's fingerprint, watches for it disappearing (cloud erased), and
// tells every page-level sync engine created for this user whether upload
// is currently allowed.
//
// The first time a device checks in, its row is absent because it has
// never registered — that's the normal bootstrap path, handled by writing
// the row and proceeding. Only a row that goes from present to absent,
// observed on the watch that follows registration, means the cloud data
// was erased out from under a previously-synced device.
type Supervisor struct {
	userID string
	docs   cloudproto.DocumentService
	kv     kvstore.Store

	mu            sync.Mutex
	fp            string
	registered    bool
	uploadEnabled bool
	onErased      func()
	cancelWatch   context.CancelFunc
}

// New creates a Supervisor for one user. docs is nil for an offline-only
// configuration, in which case Start is a no-op and upload stays disabled
// forever.
func New(userID string, docs cloudproto.DocumentService, kv kvstore.Store) *Supervisor {
	return &Supervisor{userID: userID, docs: docs, kv: kv}
}

// OnErased registers a callback invoked the first time this device
// observes its cloud data has been erased. At most one callback is kept.
func (s *Supervisor) OnErased(fn func()) {
	s.mu.Lock()
	s.onErased = fn
	s.mu.Unlock()
}

// UploadEnabled reports whether this device's fingerprint is registered
// with the cloud and page sync engines may upload.
func (s *Supervisor) UploadEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadEnabled
}

// Start loads this device's persisted fingerprint, registers it with the
// cloud if absent, and begins watching the devices map for it disappearing
// afterward. It retries network failures with exponential backoff and
// returns once registration has succeeded or ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.docs == nil {
		return nil
	}

	fp, err := fingerprint.Load(ctx, s.kv)
	if err != nil {
		return fmt.Errorf("usersync: load fingerprint: %w", err)
	}
	s.mu.Lock()
	s.fp = fp
	s.mu.Unlock()

	logger := log.WithDevice(fp)
	b := backoff.NewExponential(10*time.Millisecond, 1*time.Second, 2)

	for {
		if err := s.ensureRegistered(ctx); err == nil {
			s.mu.Lock()
			s.registered = true
			s.uploadEnabled = true
			s.mu.Unlock()
			go s.watch(ctx)
			return nil
		} else {
			metrics.DeviceFingerprintErrorsTotal.WithLabelValues(errKind(err).Error()).Inc()
			if errors.Is(err, ledgererr.Cancelled) {
				return err
			}

			delay := b.Next()
			logger.Warn().Err(err).Dur("retry_in", delay).Msg("registering cloud device fingerprint failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// ensureRegistered checks this device's row and writes it if absent.
func (s *Supervisor) ensureRegistered(ctx context.Context) error {
	path := cloudproto.DevicePath(s.userID, s.currentFingerprint())
	value, err := s.docs.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: get device fingerprint: %v", ledgererr.Network, err)
	}
	if value != nil {
		return nil
	}
	if err := s.docs.Put(ctx, path, []byte(fingerprintMarker)); err != nil {
		return fmt.Errorf("%w: put device fingerprint: %v", ledgererr.Network, err)
	}
	return nil
}

// watch streams changes to this device's fingerprint row once registered,
// disabling upload the moment the row disappears.
func (s *Supervisor) watch(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelWatch = cancel
	s.mu.Unlock()

	path := cloudproto.DevicePath(s.userID, s.currentFingerprint())
	events, err := s.docs.Watch(watchCtx, path, 0)
	if err != nil {
		log.WithDevice(s.currentFingerprint()).Warn().Err(err).Msg("watch device fingerprint failed")
		return
	}

	for range events {
		value, err := s.docs.Get(watchCtx, path)
		if err != nil {
			continue
		}
		if value == nil {
			s.markErased()
		}
	}
}

func (s *Supervisor) markErased() {
	s.mu.Lock()
	alreadyErased := !s.uploadEnabled && !s.registered
	s.uploadEnabled = false
	s.registered = false
	onErased := s.onErased
	s.mu.Unlock()

	if alreadyErased {
		return
	}
	metrics.CloudErasedTotal.Inc()
	log.WithDevice(s.currentFingerprint()).Error().Msg("cloud data erased, disabling upload")
	if onErased != nil {
		onErased()
	}
}

func (s *Supervisor) currentFingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fp
}

// Stop ends the fingerprint watch, if one is running.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancelWatch
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func errKind(err error) error {
	if kind := ledgererr.Kind(err); kind != nil {
		return kind
	}
	return ledgererr.Network
}
