package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Type: EventHeadChanged, PageID: "page-1"})

	select {
	case evt := <-sub:
		assert.Equal(t, EventHeadChanged, evt.Type)
		assert.Equal(t, "page-1", evt.PageID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok)
}

func TestBrokerDropsOnFullSubscriberBuffer(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	for i := 0; i < 100; i++ {
		b.Publish(&Event{Type: EventCommitAdded, PageID: "page-1"})
	}

	// The subscriber buffer (50) is smaller than the publish count; the
	// broker must not deadlock or block forever on a slow subscriber.
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(sub), 50)
}

func TestBrokerStopClosesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Stop()

	_, ok1 := <-sub1
	_, ok2 := <-sub2
	assert.False(t, ok1)
	assert.False(t, ok2)
}
