package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key does not exist or has expired
var ErrCacheMiss = errors.New("cache: key not found")

// TTL sentinels, matching the values Redis reports for TTL
const (
	// NoExpiry means the key exists but has no associated expiry
	NoExpiry time.Duration = -1
	// KeyMissing means the key does not exist
	KeyMissing time.Duration = -2
)

// Store is the shared key-value store used for all cross-instance state.
// Every mutation is a single atomic command; callers compose them but never
// read-modify-write through this interface.
type Store interface {
	// Get returns the value for key, or ErrCacheMiss
	Get(ctx context.Context, key string) (string, error)
	// Set writes value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only if key is absent and reports whether it did
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr atomically increments the integer at key, creating it at 1
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a TTL on an existing key
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining time to live, NoExpiry or KeyMissing
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Del removes keys, ignoring those that do not exist
	Del(ctx context.Context, keys ...string) error
	// Exists reports whether key is present
	Exists(ctx context.Context, key string) (bool, error)
	// Ping checks connectivity
	Ping(ctx context.Context) error
	// Close releases resources
	Close() error
}
