package syncstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAggregatorNotifiesIdleImmediately(t *testing.T) {
	var got []State
	NewAggregator(func(s State) { got = append(got, s) })

	require.Len(t, got, 1)
	assert.Equal(t, State{}, got[0])
}

func TestAggregatorMergesWorstOfEachListener(t *testing.T) {
	var got []State
	agg := NewAggregator(func(s State) { got = append(got, s) })

	l1 := agg.NewListener()
	l2 := agg.NewListener()

	l1.Notify(State{Download: DownloadInProgress, Upload: UploadIdle})
	l2.Notify(State{Download: DownloadIdle, Upload: UploadError})

	last := got[len(got)-1]
	assert.Equal(t, DownloadInProgress, last.Download)
	assert.Equal(t, UploadError, last.Upload)
}

func TestAggregatorDoesNotNotifyOnNoChange(t *testing.T) {
	count := 0
	agg := NewAggregator(func(s State) { count++ })

	l := agg.NewListener()
	l.Notify(State{Download: DownloadPending})
	l.Notify(State{Download: DownloadPending})

	assert.Equal(t, 2, count) // initial idle + one real change
}

func TestListenerCloseRemovesItsContribution(t *testing.T) {
	var got []State
	agg := NewAggregator(func(s State) { got = append(got, s) })

	l1 := agg.NewListener()
	l1.Notify(State{Upload: UploadError})
	assert.Equal(t, UploadError, agg.Current().Upload)

	l1.Close()
	assert.Equal(t, State{}, agg.Current())
}

func TestCurrentReflectsLatestAggregate(t *testing.T) {
	agg := NewAggregator(nil)
	l := agg.NewListener()
	l.Notify(State{Download: DownloadError, Upload: UploadInProgress})

	assert.Equal(t, State{Download: DownloadError, Upload: UploadInProgress}, agg.Current())
}
