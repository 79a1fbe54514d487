package coroutine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRunsUntilFirstYield(t *testing.T) {
	s := NewService()
	var progress []string

	handle := s.Start(func(h Handler) {
		progress = append(progress, "a")
		h.Yield()
		progress = append(progress, "b")
	})

	assert.Equal(t, []string{"a"}, progress)
	assert.False(t, handle.Finished())

	handle.Continue(false)
	assert.Equal(t, []string{"a", "b"}, progress)
	assert.True(t, handle.Finished())
}

func TestBodyThatNeverYieldsFinishesImmediately(t *testing.T) {
	s := NewService()
	ran := false

	handle := s.Start(func(h Handler) {
		ran = true
	})

	assert.True(t, ran)
	assert.True(t, handle.Finished())
	assert.Equal(t, 0, s.Outstanding())
}

func TestYieldReturnsInterruptedFlag(t *testing.T) {
	s := NewService()
	var sawInterrupt bool

	handle := s.Start(func(h Handler) {
		sawInterrupt = h.Yield()
	})

	handle.Continue(true)
	assert.True(t, sawInterrupt)
	assert.True(t, handle.Finished())
}

func TestInterruptLatchesForSubsequentYields(t *testing.T) {
	s := NewService()
	var results []bool

	handle := s.Start(func(h Handler) {
		results = append(results, h.Yield())
		results = append(results, h.Yield())
	})

	handle.Continue(true)
	handle.Continue(false)

	require.Len(t, results, 2)
	assert.True(t, results[0])
	assert.True(t, results[1])
}

func TestOutstandingTracksLiveCoroutines(t *testing.T) {
	s := NewService()
	assert.Equal(t, 0, s.Outstanding())

	handle := s.Start(func(h Handler) {
		h.Yield()
	})
	assert.Equal(t, 1, s.Outstanding())

	handle.Continue(false)
	assert.Equal(t, 0, s.Outstanding())
}

func TestShutdownInterruptsAllOutstanding(t *testing.T) {
	s := NewService()
	var cleaned int

	for i := 0; i < 3; i++ {
		s.Start(func(h Handler) {
			for !h.Yield() {
			}
			cleaned++
		})
	}

	require.Equal(t, 3, s.Outstanding())
	s.Shutdown()
	assert.Equal(t, 0, s.Outstanding())
	assert.Equal(t, 3, cleaned)
}
