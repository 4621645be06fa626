// Package statestore provides the keyed state backing for the processing
// tracker. The store is a best-effort optimization, not a source of truth:
// losing an entry only causes reprocessing, never data corruption.
package statestore

import "context"

// Store is a keyed byte store with get/set/clear semantics. Backed by an
// in-memory map for single-instance deployments or Redis when the service
// runs in more than one process.
type Store interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Clear(ctx context.Context, key string) error
}
