package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"questbot/internal/domain"
	"questbot/internal/lock"
	"questbot/internal/store"
)

type harness struct {
	coord *Coordinator
	kv    *store.RedisStore
	mr    *miniredis.Miniredis
}

func newHarness(t *testing.T) harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv, err := store.NewRedisStore(client, "")
	require.NoError(t, err)
	locker, err := lock.New(kv)
	require.NoError(t, err)
	coord, err := NewCoordinator(kv, locker)
	require.NoError(t, err)
	return harness{coord: coord, kv: kv, mr: mr}
}

// heldLocker never grants the lock.
type heldLocker struct{ acquireErr error }

func (h heldLocker) Acquire(context.Context, string, time.Duration) (lock.Lease, bool, error) {
	return lock.Lease{}, false, h.acquireErr
}

func (heldLocker) Release(context.Context, lock.Lease) (bool, error) { return false, nil }

// racingLocker grants the lock but lets another worker finish first.
type racingLocker struct {
	onAcquire func()
	released  bool
}

func (r *racingLocker) Acquire(context.Context, string, time.Duration) (lock.Lease, bool, error) {
	r.onAcquire()
	return lock.Lease{Key: "lock:x", Token: "t"}, true, nil
}

func (r *racingLocker) Release(context.Context, lock.Lease) (bool, error) {
	r.released = true
	return true, nil
}

func TestNewCoordinator_ValidatesDependencies(t *testing.T) {
	_, err := NewCoordinator(nil, heldLocker{})
	require.Error(t, err)
	h := newHarness(t)
	_, err = NewCoordinator(h.kv, nil)
	require.Error(t, err)
}

func TestStart_Validates(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Start(context.Background(), "", time.Minute)
	require.Error(t, err)
	_, err = h.coord.Start(context.Background(), "k", 0)
	require.Error(t, err)
	require.Error(t, h.coord.End(context.Background(), " ", time.Minute, 200, nil))
	require.Error(t, h.coord.End(context.Background(), "k", -time.Second, 200, nil))
}

func TestStart_EndStart_ReplaysWithoutRerun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runs := 0

	run := func() (*Response, error) {
		cached, err := h.coord.Start(ctx, "op-1", time.Minute)
		if err != nil || cached != nil {
			return cached, err
		}
		runs++
		data := json.RawMessage(`{"message_id":42}`)
		return &Response{StatusCode: 200, Data: data}, h.coord.End(ctx, "op-1", time.Minute, 200, data)
	}

	first, err := run()
	require.NoError(t, err)
	second, err := run()
	require.NoError(t, err)

	require.Equal(t, 1, runs)
	require.Equal(t, 200, second.StatusCode)
	require.JSONEq(t, string(first.Data), string(second.Data))
}

func TestStart_ProcessingIsDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cached, err := h.coord.Start(ctx, "op", time.Minute)
	require.NoError(t, err)
	require.Nil(t, cached)

	_, err = h.coord.Start(ctx, "op", time.Minute)
	require.ErrorIs(t, err, domain.ErrDuplicateOperation)

	require.False(t, h.mr.Exists("lock:idempotency:op"), "lock must be released after claiming")
}

func TestEnd_FailureIsReplayed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.coord.Start(ctx, "op", time.Minute)
	require.NoError(t, err)
	errData := json.RawMessage(`{"error":"UPSTREAM_ERROR"}`)
	require.NoError(t, h.coord.End(ctx, "op", time.Minute, 502, errData))

	raw, ok, err := h.kv.Get(ctx, "idempotency:op")
	require.NoError(t, err)
	require.True(t, ok)
	var rec record
	require.NoError(t, json.Unmarshal(raw, &rec))
	require.Equal(t, StatusFail, rec.Status)

	cached, err := h.coord.Start(ctx, "op", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 502, cached.StatusCode)
	require.JSONEq(t, string(errData), string(cached.Data))
}

func TestEnd_StatusBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.coord.End(ctx, "ok", time.Minute, 399, nil))
	require.NoError(t, h.coord.End(ctx, "bad", time.Minute, 400, nil))

	for key, want := range map[string]Status{"ok": StatusCompleted, "bad": StatusFail} {
		raw, _, err := h.kv.Get(ctx, "idempotency:"+key)
		require.NoError(t, err)
		var rec record
		require.NoError(t, json.Unmarshal(raw, &rec))
		require.Equal(t, want, rec.Status, key)
	}
}

func TestRecordExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.coord.Start(ctx, "op", 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, h.coord.End(ctx, "op", 10*time.Second, 200, json.RawMessage(`1`)))

	h.mr.FastForward(11 * time.Second)

	cached, err := h.coord.Start(ctx, "op", 10*time.Second)
	require.NoError(t, err)
	require.Nil(t, cached, "expired key starts fresh")
}

func TestStart_LockContentionIsDuplicate(t *testing.T) {
	h := newHarness(t)
	coord, err := NewCoordinator(h.kv, heldLocker{})
	require.NoError(t, err)

	_, err = coord.Start(context.Background(), "op", time.Minute)
	require.ErrorIs(t, err, domain.ErrDuplicateOperation)
	require.False(t, h.mr.Exists("idempotency:op"))
}

func TestStart_LockErrorPropagates(t *testing.T) {
	h := newHarness(t)
	coord, err := NewCoordinator(h.kv, heldLocker{acquireErr: errors.New("redis down")})
	require.NoError(t, err)
	_, err = coord.Start(context.Background(), "op", time.Minute)
	require.ErrorContains(t, err, "redis down")
}

func TestStart_RecheckAfterLockReplaysFinishedRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	locker := &racingLocker{onAcquire: func() {
		require.NoError(t, h.coord.End(ctx, "op", time.Minute, 200, json.RawMessage(`"done"`)))
	}}
	coord, err := NewCoordinator(h.kv, locker)
	require.NoError(t, err)

	cached, err := coord.Start(ctx, "op", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.JSONEq(t, `"done"`, string(cached.Data))
	require.True(t, locker.released)
}

func TestStart_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.mr.Set("idempotency:op", "not-json"))
	_, err := h.coord.Start(ctx, "op", time.Minute)
	require.ErrorContains(t, err, "decode")

	require.NoError(t, h.mr.Set("idempotency:op", `{"status":"completed"}`))
	_, err = h.coord.Start(ctx, "op", time.Minute)
	require.ErrorContains(t, err, "without response")
}

func TestStart_ConcurrentExactlyOneProceeds(t *testing.T) {
	h := newHarness(t)
	var proceeded, duplicates atomic.Int32

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			cached, err := h.coord.Start(context.Background(), "race", time.Minute)
			switch {
			case errors.Is(err, domain.ErrDuplicateOperation):
				duplicates.Add(1)
				return nil
			case err != nil:
				return err
			case cached == nil:
				proceeded.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), proceeded.Load())
	require.Equal(t, int32(19), duplicates.Load())
}

func TestStoreReadFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.mr.Close()
	_, err := h.coord.Start(context.Background(), "op", time.Minute)
	require.Error(t, err)
	require.True(t, domain.IsStoreError(err))
}
