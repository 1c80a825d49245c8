// Package backend provides the durable key-value stores the coordinator
// persists settings into. All engines implement the same Store interface;
// engines with a change feed additionally implement Watcher.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrQuotaExceeded is returned by Set when the write would push the
	// store past its configured quota. It surfaces to callers verbatim;
	// there is no automatic remediation.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrWatchNotSupported is returned by engines without a change feed.
	ErrWatchNotSupported = errors.New("watch not supported by this engine")

	// ErrClosed is returned on use after Close.
	ErrClosed = errors.New("store is closed")
)

// Usage reports storage consumption against the configured quota.
// QuotaBytes <= 0 means unlimited.
type Usage struct {
	BytesUsed  int64 `json:"bytes_used"`
	QuotaBytes int64 `json:"quota_bytes"`
}

// Store is the durable backend consumed by the coordinator. The coordinator
// is the single writer; Get returns only the keys that exist.
type Store interface {
	// Get retrieves the values for the given keys. Missing keys are simply
	// absent from the result, not an error.
	Get(ctx context.Context, keys []string) (map[string][]byte, error)

	// Set stores all entries. Returns ErrQuotaExceeded if the write would
	// exceed the quota; in that case nothing is applied.
	Set(ctx context.Context, entries map[string][]byte) error

	// Remove deletes the given keys. Missing keys are ignored.
	Remove(ctx context.Context, keys []string) error

	// Clear removes every key.
	Clear(ctx context.Context) error

	// Usage reports bytes used vs the configured quota.
	Usage(ctx context.Context) (Usage, error)

	// Close releases engine resources.
	Close() error
}

// Watcher is implemented by engines that can report writes not performed
// through this Store instance. The lifecycle manager subscribes to it for
// the debounced-reinitialize path.
type Watcher interface {
	// Watch registers fn to be called with the changed keys whenever an
	// external write is observed. It returns once the subscription is
	// active; fn may be called until ctx is cancelled or the store closes.
	Watch(ctx context.Context, fn func(changedKeys []string)) error
}

// checkQuota rejects a batch whose size would push usage past the quota.
// The estimate is conservative: overwrites count their new size in full.
func checkQuota(used, quota int64, entries map[string][]byte) error {
	if quota <= 0 {
		return nil
	}
	var delta int64
	for k, v := range entries {
		delta += int64(len(k) + len(v))
	}
	if used+delta > quota {
		return fmt.Errorf("%w: %d bytes used, %d requested, %d allowed",
			ErrQuotaExceeded, used, delta, quota)
	}
	return nil
}
