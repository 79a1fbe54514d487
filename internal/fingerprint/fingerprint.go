// Package fingerprint generates and persists the random identifier a device
// registers with the cloud to tell itself apart from every other device
// syncing the same user's data.
package fingerprint

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/ledger/internal/kvstore"
	"github.com/cuemby/ledger/internal/ledgererr"
)

// localKey is the row this device's fingerprint is cached under, so it
// survives restarts instead of re-registering as a new device every run.
var localKey = []byte("F/local")

// New generates a fresh random fingerprint. It is never parsed or given
// structure beyond being a unique opaque string, matching the cloud-side
// contract which only ever compares fingerprints for equality.
func New() string {
	return uuid.New().String()
}

// Load returns this device's persisted fingerprint, generating and storing
// a new one on first run.
func Load(ctx context.Context, kv kvstore.Store) (string, error) {
	value, err := kv.Get(ctx, localKey)
	if err == nil {
		return string(value), nil
	}
	if ledgererr.Kind(err) != ledgererr.NotFound {
		return "", fmt.Errorf("load device fingerprint: %w", err)
	}

	fp := New()
	batch := kv.StartBatch()
	batch.Put(localKey, []byte(fp))
	if err := batch.Execute(ctx); err != nil {
		return "", fmt.Errorf("persist device fingerprint: %w", err)
	}
	return fp, nil
}
