package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const lockPrefix = "seqlock:"

// unlockScript deletes the lock only when it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a cross-process mutex on SET NX PX. TTL caps how long a
// crashed holder can block a site; Wait bounds acquisition.
type RedisLocker struct {
	rdb   *redis.Client
	ttl   time.Duration
	wait  time.Duration
	retry time.Duration
}

// NewRedisLocker builds a locker; ttl must exceed the longest transaction.
func NewRedisLocker(rdb *redis.Client, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl, wait: wait, retry: 20 * time.Millisecond}
}

// Lock polls until the key is free or the wait elapses.
func (l *RedisLocker) Lock(ctx context.Context, _ *gorm.DB, key string) (func(), error) {
	k := lockPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire sequence lock %s: %w", key, err)
		}
		if ok {
			return func() {
				// Detached so a cancelled task still frees the lock.
				_ = unlockScript.Run(context.WithoutCancel(ctx), l.rdb, []string{k}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}
