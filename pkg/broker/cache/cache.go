// SPDX-License-Identifier: Apache-2.0

// Package cache provides the persisted key-value store used for short-lived
// OAuth session artifacts: PKCE sessions, upstream state mappings,
// authorization codes, refresh token records, and registered clients.
//
// All values round-trip through JSON. Entries carry a TTL; an expired entry
// behaves exactly like a missing one. Consume is the atomic get-and-delete
// primitive that gives authorization codes and state mappings their
// single-use semantics: for any key, exactly one concurrent Consume call
// observes the value.
package cache

import (
	"context"
	"time"
)

// NoExpiry disables expiration for an entry when passed as the TTL.
const NoExpiry time.Duration = 0

// Cache is a TTL'd key-value store that survives process restarts when
// backed by an external store (see Redis). It must be safe for concurrent
// use.
type Cache interface {
	// Set stores value under key with the given TTL. A TTL of NoExpiry
	// keeps the entry until it is deleted.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Get retrieves the value stored under key into dest. It returns
	// false when the key is missing or expired.
	Get(ctx context.Context, key string, dest any) (bool, error)

	// Consume atomically retrieves and deletes the value stored under
	// key. For concurrent callers on the same key, exactly one receives
	// (true, nil); the rest receive (false, nil).
	Consume(ctx context.Context, key string, dest any) (bool, error)

	// Delete removes the entry for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the cache.
	Close() error
}
