// Package store is the shared key-value layer behind every durable record:
// experiment configs, per-variant aggregates, and canary deployment state.
// The store is the single source of truth; no component keeps authoritative
// in-memory state across restarts.
package store

import (
	"context"
	"time"
)

// Store is the primitive contract all backends implement. Counter fields
// under one key are metric-granular: concurrent IncrByFloat calls for
// different fields never block each other, and increments on the same field
// are atomic.
//
// Get returns (nil, nil) for a missing key. Backend failures are wrapped in
// api.ErrStoreUnavailable.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error

	// SetNX writes only when the key is absent; reports whether the write
	// happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error

	// IncrByFloat atomically adds delta to a counter field under key.
	IncrByFloat(ctx context.Context, key, field string, delta float64) error

	// Fields returns all counter fields under key; empty map when absent.
	Fields(ctx context.Context, key string) (map[string]float64, error)

	// Update applies fn to the current value of key and writes the result
	// atomically with respect to concurrent Updates of the same key. fn
	// receives nil when the key is absent; an error from fn aborts the
	// update and is returned unwrapped.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error

	Ping(ctx context.Context) error
	Close() error
}
