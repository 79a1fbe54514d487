package merge

import (
	"context"

	"github.com/cuemby/ledger/internal/coroutine"
)

// AsyncConflictFunc resolves one batch of conflicts, using h to suspend
// whenever it needs to block on something outside the merge loop itself
// (e.g. fetching a remote object it doesn't have locally yet).
// CoroutineMerger.Merge resumes it right after each Yield; no outside
// event is awaited between a Yield and its resume.
type AsyncConflictFunc func(h coroutine.Handler, conflicts []Conflict) ([]Change, error)

// CoroutineMerger adapts an AsyncConflictFunc into a Merger by running it
// on a coroutine: every call to Merge starts the body on a new coroutine
// of the service and resumes it after each yield until it returns, so the
// caller stays blocked until the batch is resolved. If ctx is done first,
// the body is resumed once with interrupt set and Merge returns ctx.Err().
// Only one side runs at a time, the same single-threaded handoff
// discipline the original C++ merge strategies got from stack-switching
// coroutines.
//
// This lets a conflict resolver written as straight-line code suspend
// mid-resolution (e.g. while an object fetch it triggered is in flight)
// without the merge package itself needing to know anything about
// async I/O.
type CoroutineMerger struct {
	service *coroutine.Service
	fn      AsyncConflictFunc
}

// NewCoroutineMerger wraps fn so it can be used wherever a Merger is
// expected.
func NewCoroutineMerger(service *coroutine.Service, fn AsyncConflictFunc) *CoroutineMerger {
	return &CoroutineMerger{service: service, fn: fn}
}

func (m *CoroutineMerger) Merge(ctx context.Context, conflicts []Conflict) ([]Change, error) {
	var result []Change
	var resultErr error

	handle := m.service.Start(func(h coroutine.Handler) {
		result, resultErr = m.fn(h, conflicts)
	})

	for !handle.Finished() {
		select {
		case <-ctx.Done():
			handle.Continue(true)
			return nil, ctx.Err()
		default:
			handle.Continue(false)
		}
	}

	return result, resultErr
}
