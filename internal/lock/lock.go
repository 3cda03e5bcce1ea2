// Package lock provides short-lived mutual exclusion on top of the coordination store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"questbot/internal/store"
)

const keyPrefix = "lock:"

// Lease is proof of one successful acquisition. Only the holder of the token can release it.
type Lease struct {
	Key   string
	Token string
}

// Locker hands out TTL-bounded leases. A holder that stalls past the TTL loses the lock;
// its later Release is then a no-op instead of deleting the next holder's lease.
type Locker struct {
	kv       store.KV
	newToken func() string
}

func New(kv store.KV) (*Locker, error) {
	if kv == nil {
		return nil, errors.New("lock: store must not be nil")
	}
	return &Locker{kv: kv, newToken: uuid.NewString}, nil
}

// Acquire tries once to take name for ttl. It returns false when someone else holds it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Lease{}, false, errors.New("lock: name is required")
	}
	if ttl <= 0 {
		return Lease{}, false, errors.New("lock: ttl must be positive")
	}

	lease := Lease{Key: keyPrefix + name, Token: l.newToken()}
	ok, err := l.kv.Set(ctx, lease.Key, []byte(lease.Token), store.SetOptions{TTL: ttl, OnlyIfAbsent: true})
	if err != nil {
		return Lease{}, false, fmt.Errorf("lock: acquire %q: %w", name, err)
	}
	if !ok {
		return Lease{}, false, nil
	}
	return lease, true, nil
}

// Release deletes the lock only if it still carries lease's token. It reports whether
// the lease was still held.
func (l *Locker) Release(ctx context.Context, lease Lease) (bool, error) {
	if lease.Key == "" || lease.Token == "" {
		return false, errors.New("lock: empty lease")
	}
	ok, err := l.kv.CompareAndDelete(ctx, lease.Key, []byte(lease.Token))
	if err != nil {
		return false, fmt.Errorf("lock: release %q: %w", lease.Key, err)
	}
	return ok, nil
}
