// Package watch distributes in-process notifications of commit, head, and
// sync-state changes to interested subscribers, independent of the cloud
// sync transport.
package watch

import (
	"sync"
	"time"
)

// EventType identifies the kind of change being reported.
type EventType string

const (
	// EventHeadChanged fires when a page's head set changes, whether from
	// a local commit, a merge, or an ingested remote commit.
	EventHeadChanged EventType = "head.changed"
	// EventCommitAdded fires once per commit added to a page, before the
	// head-changed notification for the batch it belongs to.
	EventCommitAdded EventType = "commit.added"
	// EventConflictDetected fires when the merge resolver finds more than
	// one head and conflicting key changes that require the merge policy.
	EventConflictDetected EventType = "conflict.detected"
	// EventSyncStateChanged fires when a page's upload or download state
	// transitions, e.g. idle to in-progress or vice versa.
	EventSyncStateChanged EventType = "sync.state_changed"
	// EventCloudErased fires when the remote erasure of a cloud instance
	// is detected for the current user.
	EventCloudErased EventType = "cloud.erased"
)

// Event is a single notification delivered to subscribers.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	PageID    string
	CommitID  string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans out events published by storage and sync components to every
// live subscriber. A slow or abandoned subscriber never blocks a publisher:
// its buffer drops events once full rather than back-pressuring Publish.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker. Call Start before Publish.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes every live subscriber channel.
func (b *Broker) Stop() {
	close(b.stopCh)

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		close(sub)
		delete(b.subscribers, sub)
	}
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish delivers an event to the broker's distribution loop. It blocks
// until the loop accepts it or the broker stops.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full; drop rather than block the broker.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
