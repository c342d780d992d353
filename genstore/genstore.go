// Package genstore holds partition generations. A partition's entries are
// framed with the generation current at write time; bumping the generation
// invalidates every entry of the partition at once and makes writes that
// observed the old generation no-ops.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live.
// Use LocalGenStore (default) for a single process, RedisGenStore when the
// partitions themselves live in a shared redis.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, name string) (uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, name string) (uint64, error)
	// Cleanup prunes old metadata if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
