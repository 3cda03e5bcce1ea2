// Package store is the coordination store: a TTL key-value service used for caching,
// mutual exclusion and small work lists.
package store

import (
	"context"
	"time"
)

// SetOptions controls a Set call. A zero TTL means the key does not expire.
type SetOptions struct {
	TTL          time.Duration
	OnlyIfAbsent bool
}

// KV is the key-value subset every backend supports.
type KV interface {
	// Get returns the value and true, or false when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set reports whether the write happened. It is false only when OnlyIfAbsent
	// was requested and an unexpired value already exists.
	Set(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error)
	// Delete returns the number of keys removed.
	Delete(ctx context.Context, key string) (int64, error)
	// CompareAndDelete removes key only if its current value equals expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
}

// Lists is a FIFO list per key.
type Lists interface {
	ListPush(ctx context.Context, key string, value []byte) error
	ListPop(ctx context.Context, key string) ([]byte, bool, error)
	ListLength(ctx context.Context, key string) (int64, error)
}

// Channels is fire-and-forget pub/sub.
type Channels interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// Store is the full coordination store contract.
type Store interface {
	KV
	Lists
	Channels
	Close() error
}
