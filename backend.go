package refcache

import "context"

// MaxKeyLen is the longest key a Backend must accept, in octets.
const MaxKeyLen = 512

// Backend is the pluggable storage protocol behind a Cache. Keys are opaque
// printable strings minted by the library; backends never interpret them.
// Reads of expired entries return absent (nil, nil); TTL lapse is not an
// error from the backend's perspective.
//
// Built-in implementations: the in-memory backend in this package, the
// embedded SQLite file backend in store/sqlite, the Redis backend in
// store/redis, and the PostgreSQL backend in store/postgres.
type Backend interface {
	// Get returns the entry iff present and unexpired, else (nil, nil).
	Get(ctx context.Context, key string) (*Entry, error)
	// Set stores the entry, replacing any existing entry at the same key.
	Set(ctx context.Context, key string, e Entry) error
	// Delete removes the entry. Reports whether something was removed.
	Delete(ctx context.Context, key string) (bool, error)
	// Exists is equivalent to Get(key) != nil.
	Exists(ctx context.Context, key string) (bool, error)
	// Clear removes every entry, or only those stored under namespace when
	// it is non-empty. Returns the number removed.
	Clear(ctx context.Context, namespace string) (int, error)
	// Keys lists stored keys, filtered by stored namespace when non-empty.
	Keys(ctx context.Context, namespace string) ([]string, error)
	// Close releases backend resources.
	Close() error
}
