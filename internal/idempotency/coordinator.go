// Package idempotency gives client-keyed operations an exactly-once observable effect.
//
// A key moves absent -> processing -> completed|fail and expires back to absent after its
// TTL. Terminal records are replayed verbatim and never re-enter processing while alive.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"questbot/internal/domain"
	"questbot/internal/lock"
	"questbot/internal/store"
)

const (
	keyPrefix      = "idempotency:"
	defaultLockTTL = 5 * time.Second
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFail       Status = "fail"
)

// Response is the cached outcome replayed to duplicate callers.
type Response struct {
	StatusCode int             `json:"status_code"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type record struct {
	Status   Status    `json:"status"`
	Response *Response `json:"response,omitempty"`
}

type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (lock.Lease, bool, error)
	Release(ctx context.Context, lease lock.Lease) (bool, error)
}

type Coordinator struct {
	kv      store.KV
	locker  Locker
	lockTTL time.Duration
	log     zerolog.Logger
}

type Option func(*Coordinator)

func WithLockTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.log = log
	}
}

func NewCoordinator(kv store.KV, locker Locker, opts ...Option) (*Coordinator, error) {
	if kv == nil {
		return nil, errors.New("idempotency: store must not be nil")
	}
	if locker == nil {
		return nil, errors.New("idempotency: locker must not be nil")
	}
	c := &Coordinator{kv: kv, locker: locker, lockTTL: defaultLockTTL, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start claims key for the caller.
//
// A non-nil Response is a finished result that must be replayed without running the
// operation again. domain.ErrDuplicateOperation means another execution is in flight.
// (nil, nil) means the caller owns the key and must call End when done.
func (c *Coordinator) Start(ctx context.Context, key string, ttl time.Duration) (*Response, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("idempotency: key is required")
	}
	if ttl <= 0 {
		return nil, errors.New("idempotency: ttl must be positive")
	}

	if resp, found, err := c.lookup(ctx, key); found || err != nil {
		return resp, err
	}

	lease, ok, err := c.locker.Acquire(ctx, keyPrefix+key, c.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency: start %q: %w", key, err)
	}
	if !ok {
		// Someone else is establishing the processing record right now.
		c.log.Debug().Str("key", key).Msg("idempotency lock contended")
		return nil, domain.ErrDuplicateOperation
	}
	defer func() {
		if _, err := c.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("release idempotency lock")
		}
	}()

	// The previous holder may have finished between our read and the lock.
	if resp, found, err := c.lookup(ctx, key); found || err != nil {
		return resp, err
	}

	if err := c.write(ctx, key, record{Status: StatusProcessing}, ttl); err != nil {
		return nil, err
	}
	c.log.Debug().Str("key", key).Msg("idempotency key claimed")
	return nil, nil
}

// End stores the terminal outcome. Status codes below 400 complete the key; anything
// else marks it failed. Both are replayed by later Start calls until ttl elapses.
func (c *Coordinator) End(ctx context.Context, key string, ttl time.Duration, statusCode int, data json.RawMessage) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("idempotency: key is required")
	}
	if ttl <= 0 {
		return errors.New("idempotency: ttl must be positive")
	}
	status := StatusCompleted
	if statusCode >= 400 {
		status = StatusFail
	}
	return c.write(ctx, key, record{
		Status:   status,
		Response: &Response{StatusCode: statusCode, Data: data},
	}, ttl)
}

// lookup reports found=true when the caller must not proceed: either a replayable
// response or ErrDuplicateOperation.
func (c *Coordinator) lookup(ctx context.Context, key string) (*Response, bool, error) {
	raw, ok, err := c.kv.Get(ctx, keyPrefix+key)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: read %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("idempotency: decode %q: %w", key, err)
	}
	switch rec.Status {
	case StatusProcessing:
		return nil, true, domain.ErrDuplicateOperation
	case StatusCompleted, StatusFail:
		if rec.Response == nil {
			return nil, false, fmt.Errorf("idempotency: %q: terminal record without response", key)
		}
		return rec.Response, true, nil
	default:
		return nil, false, fmt.Errorf("idempotency: %q: unknown status %q", key, rec.Status)
	}
}

func (c *Coordinator) write(ctx context.Context, key string, rec record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: encode %q: %w", key, err)
	}
	if _, err := c.kv.Set(ctx, keyPrefix+key, raw, store.SetOptions{TTL: ttl}); err != nil {
		return fmt.Errorf("idempotency: write %q: %w", key, err)
	}
	return nil
}
