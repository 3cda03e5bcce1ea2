package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"questbot/internal/domain"
)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, errors.New("store: redis url must not be empty")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}
	return client, nil
}

// RedisStore implements Store on a shared go-redis client.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore wraps client. Keys are prefixed with namespace + ":" when namespace is set.
func NewRedisStore(client redis.UniversalClient, namespace string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("store: redis client must not be nil")
	}
	return &RedisStore{client: client, namespace: strings.TrimSpace(namespace)}, nil
}

func (r *RedisStore) key(k string) string {
	if r.namespace == "" {
		return k
	}
	return r.namespace + ":" + k
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &domain.StoreError{Op: "get", Key: key, Err: err}
	}
	return val, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error) {
	if opts.OnlyIfAbsent {
		ok, err := r.client.SetNX(ctx, r.key(key), value, opts.TTL).Result()
		if err != nil {
			return false, &domain.StoreError{Op: "set_nx", Key: key, Err: err}
		}
		return ok, nil
	}
	if err := r.client.Set(ctx, r.key(key), value, opts.TTL).Err(); err != nil {
		return false, &domain.StoreError{Op: "set", Key: key, Err: err}
	}
	return true, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return 0, &domain.StoreError{Op: "delete", Key: key, Err: err}
	}
	return n, nil
}

func (r *RedisStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{r.key(key)}, expected).Int64()
	if err != nil {
		return false, &domain.StoreError{Op: "compare_and_delete", Key: key, Err: err}
	}
	return n > 0, nil
}

func (r *RedisStore) ListPush(ctx context.Context, key string, value []byte) error {
	if err := r.client.RPush(ctx, r.key(key), value).Err(); err != nil {
		return &domain.StoreError{Op: "list_push", Key: key, Err: err}
	}
	return nil
}

func (r *RedisStore) ListPop(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.LPop(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &domain.StoreError{Op: "list_pop", Key: key, Err: err}
	}
	return val, true, nil
}

func (r *RedisStore) ListLength(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, r.key(key)).Result()
	if err != nil {
		return 0, &domain.StoreError{Op: "list_length", Key: key, Err: err}
	}
	return n, nil
}

// Publish sends message on a pub/sub channel. Channels are not namespaced.
func (r *RedisStore) Publish(ctx context.Context, channel string, message []byte) error {
	if err := r.client.Publish(ctx, channel, message).Err(); err != nil {
		return &domain.StoreError{Op: "publish", Key: channel, Err: err}
	}
	return nil
}

// Close closes the underlying client. Call it once, at shutdown.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
