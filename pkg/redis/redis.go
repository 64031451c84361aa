package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseTimeout bounds the unlock round trip, which runs after the caller's
// context may already be done.
const releaseTimeout = 2 * time.Second

type RedisClient struct {
	client         *redis.Client
	onReleaseError func(key string, err error)
}

func Connect(ctx context.Context, addr, password string) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// New wraps an existing client.
func New(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// OnReleaseError registers fn to hear about unlocks that failed. Such a lock
// stays held until its TTL runs out.
func (r *RedisClient) OnReleaseError(fn func(key string, err error)) {
	r.onReleaseError = fn
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// The first INCR of a window sets its expiry, so the counter and its TTL are
// created atomically.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// Hit counts one request against key in a fixed window and returns the
// count after incrementing plus the time until the window resets.
func (r *RedisClient) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := fixedWindowScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, errors.New("rate limit script: unexpected reply")
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	return res[0], ttl, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLock takes key if nobody holds it. The lock expires after ttl even if
// the holder dies. The returned unlock only deletes the key while it still
// carries this holder's token.
func (r *RedisClient) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return r.releaser(key, token), true, nil
}

func (r *RedisClient) releaser(key, token string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		err := releaseScript.Run(ctx, r.client, []string{key}, token).Err()
		if err != nil && r.onReleaseError != nil {
			r.onReleaseError(key, fmt.Errorf("release lock %s: %w", key, err))
		}
	}
}
