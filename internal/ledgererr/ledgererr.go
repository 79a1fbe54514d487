// Package ledgererr defines the error kinds every storage and sync
// component reports through, per the error handling design: callers branch
// on kind with errors.Is rather than parsing messages.
package ledgererr

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", Kind) to attach context
// while keeping errors.Is(err, ledgererr.NotFound) working.
var (
	// NotFound means a queried id or key is absent. Callers that treat
	// absence as the natural empty case recover from this locally.
	NotFound = errors.New("not-found")

	// DataIntegrity means a digest mismatch, decode failure, or invariant
	// violation was observed. Never retried; the page is marked unhealthy.
	DataIntegrity = errors.New("data-integrity-error")

	// IO means the underlying KV store or filesystem failed. Fatal to the
	// in-progress operation.
	IO = errors.New("io-error")

	// Network means a transient remote failure occurred; drives backoff.
	Network = errors.New("network-error")

	// Auth means a token was rejected; triggers re-fetch with backoff,
	// then escalates if persistent.
	Auth = errors.New("auth-error")

	// CloudErased means the device fingerprint is missing from the
	// remote devices map; triggers the host's local-wipe recovery path.
	CloudErased = errors.New("cloud-erased")

	// Configuration means e.g. the server id changed since the prior run.
	Configuration = errors.New("configuration-error")

	// Cancelled means the operation was cancelled; callers must tolerate.
	Cancelled = errors.New("cancelled")
)

// Kind returns the sentinel this error was wrapped from, or nil if none of
// the known kinds match.
func Kind(err error) error {
	for _, kind := range []error{NotFound, DataIntegrity, IO, Network, Auth, CloudErased, Configuration, Cancelled} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
