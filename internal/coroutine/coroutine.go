// Package coroutine provides cooperative coroutines for code that needs to
// suspend mid-operation and be resumed later on the same call stack, e.g. a
// B-tree merge that waits on an object fetch without turning every layer of
// the merge algorithm into a state machine.
//
// Go has no user-level stack switching, so a coroutine here is a goroutine
// paired with a pair of unbuffered handoff channels: exactly one side runs
// at a time, which gives the same single-threaded scheduling guarantee the
// original stack-switching implementation provided, without the data races
// that would come from running the body concurrently with its caller.
package coroutine

import "sync"

// maxPooled caps the Service's count of recycled (finished) coroutines at
// the bound the original stack pool used. Goroutines themselves are not
// pooled or reused: each one exits when its body returns.
const maxPooled = 25

// Handler is passed into a coroutine's body and lets it suspend.
type Handler interface {
	// Yield suspends the coroutine until the next Continue call. It
	// returns true if the coroutine has been interrupted, in which case
	// the body should wind down and return as soon as possible.
	Yield() bool
}

// Handle is held by the caller that started a coroutine, to resume it.
type Handle interface {
	// Continue resumes the coroutine until its next Yield or until it
	// returns. interrupt, once true, stays true for the remainder of the
	// coroutine's life and is also latched onto any future Yield calls.
	Continue(interrupt bool)

	// Finished reports whether the coroutine body has returned.
	Finished() bool
}

type handler struct {
	resumeCh chan bool
	yieldCh  chan struct{}

	interrupted bool
	finished    bool

	cleanup func()
}

func (h *handler) Yield() bool {
	if h.interrupted {
		return true
	}
	h.yieldCh <- struct{}{}
	interrupt := <-h.resumeCh
	h.interrupted = h.interrupted || interrupt
	return h.interrupted
}

func (h *handler) Continue(interrupt bool) {
	if h.finished {
		return
	}
	h.interrupted = h.interrupted || interrupt
	h.resumeCh <- interrupt
	<-h.yieldCh
	if h.finished && h.cleanup != nil {
		h.cleanup()
	}
}

func (h *handler) Finished() bool {
	return h.finished
}

func (h *handler) start(body func(Handler)) {
	go func() {
		body(h)
		h.finished = true
		h.yieldCh <- struct{}{}
	}()
	<-h.yieldCh
	if h.finished && h.cleanup != nil {
		h.cleanup()
	}
}

// Service manages the coroutines started through it, tracking which are
// still outstanding so Shutdown can interrupt them. It does not limit how
// many may be outstanding at once.
type Service struct {
	mu       sync.Mutex
	running  map[*handler]struct{}
	recycled int
}

// NewService creates a coroutine service.
func NewService() *Service {
	return &Service{running: make(map[*handler]struct{})}
}

// Start launches a new coroutine running body and returns a Handle to drive
// it. body runs until its first Yield call (or until it returns) before
// Start returns, exactly like Continue(false) would on any later resume.
func (s *Service) Start(body func(Handler)) Handle {
	h := &handler{
		resumeCh: make(chan bool),
		yieldCh:  make(chan struct{}),
	}

	s.mu.Lock()
	s.running[h] = struct{}{}
	s.mu.Unlock()

	h.cleanup = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.running, h)
		if s.recycled < maxPooled {
			s.recycled++
		}
	}

	h.start(body)
	return h
}

// Outstanding returns the number of coroutines currently started but not
// yet finished.
func (s *Service) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown interrupts every outstanding coroutine and runs it to completion,
// giving each one a final chance to release whatever it was holding. It
// blocks until no coroutine is left running.
func (s *Service) Shutdown() {
	for {
		s.mu.Lock()
		var h *handler
		for candidate := range s.running {
			h = candidate
			break
		}
		s.mu.Unlock()
		if h == nil {
			return
		}
		h.Continue(true)
	}
}
