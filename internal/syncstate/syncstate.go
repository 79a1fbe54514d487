// Package syncstate tracks each page's upload/download progress and merges
// per-listener state into one aggregated signal, the way a page with
// several concurrent sync operations in flight (initial sync, a running
// upload queue, a batch download) needs one coherent status rather than
// one per operation.
package syncstate

import "sync"

// DownloadState is the download half of a page's sync status, ordered from
// least to most attention-worthy so merging several listeners' states can
// just take the max.
type DownloadState int

const (
	DownloadIdle DownloadState = iota
	DownloadPending
	DownloadInProgress
	DownloadError
)

// UploadState is the upload half of a page's sync status, ordered the same
// way as DownloadState.
type UploadState int

const (
	UploadIdle UploadState = iota
	UploadPending
	UploadInProgress
	UploadError
)

// State is a page's combined sync status.
type State struct {
	Download DownloadState
	Upload   UploadState
}

// merge returns the state produced by combining two simultaneous signals:
// the worse (numerically greater) of each half wins.
func merge(a, b State) State {
	out := a
	if b.Download > out.Download {
		out.Download = b.Download
	}
	if b.Upload > out.Upload {
		out.Upload = b.Upload
	}
	return out
}

// Listener reports the state of one sync operation to its Aggregator.
// Callers must call Close when the operation they're reporting for ends,
// so its last-reported state stops contributing to the aggregate.
type Listener struct {
	agg   *Aggregator
	mu    sync.Mutex
	state State
}

// Notify records this listener's current state and re-derives the
// aggregate across every live listener.
func (l *Listener) Notify(state State) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
	l.agg.recompute()
}

func (l *Listener) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Close unregisters the listener; its last state no longer contributes to
// the aggregate, and the aggregate is recomputed without it.
func (l *Listener) Close() {
	l.agg.unregister(l)
}

// OnChange is invoked with the new aggregate whenever it changes.
type OnChange func(State)

// Aggregator collects state from any number of Listeners into a single
// notification stream, only firing OnChange when the merged result
// actually differs from the last one reported.
type Aggregator struct {
	mu        sync.Mutex
	listeners map[*Listener]struct{}
	current   State
	onChange  OnChange
}

// NewAggregator creates an Aggregator reporting changes through onChange.
// onChange is called once immediately with the idle state.
func NewAggregator(onChange OnChange) *Aggregator {
	a := &Aggregator{
		listeners: make(map[*Listener]struct{}),
		onChange:  onChange,
	}
	if onChange != nil {
		onChange(a.current)
	}
	return a
}

// NewListener creates a new source of state notifications feeding into
// this aggregator.
func (a *Aggregator) NewListener() *Listener {
	l := &Listener{agg: a}
	a.mu.Lock()
	a.listeners[l] = struct{}{}
	a.mu.Unlock()
	return l
}

func (a *Aggregator) unregister(l *Listener) {
	a.mu.Lock()
	delete(a.listeners, l)
	a.mu.Unlock()
	a.recompute()
}

func (a *Aggregator) recompute() {
	a.mu.Lock()
	var merged State
	for l := range a.listeners {
		merged = merge(merged, l.current())
	}
	changed := merged != a.current
	if changed {
		a.current = merged
	}
	onChange := a.onChange
	a.mu.Unlock()

	if changed && onChange != nil {
		onChange(merged)
	}
}

// Current returns the last aggregated state.
func (a *Aggregator) Current() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
