// Package cache provides the TTL key/value cache used by the cached
// schedule repository. Cache failures are always soft: a provider error
// on read is treated as a miss and an error on write is best-effort, so
// the application keeps working with the cache down.
package cache

import (
	"context"
	"time"
)

type Provider interface {
	// Returns the cached value and true on a hit. A miss, an expired
	// entry and an unreachable cache all return ok=false; err carries
	// the provider error for logging only.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Stores value under key for ttl. Best-effort.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}
