// Package ratelimit implements per-tenant sliding-window admission control
// backed by a Redis sorted set, so every gate instance shares one counter.
//
// Each accepted event adds a member scored with its arrival time in
// milliseconds. A request trims members older than the window, adds itself,
// and counts; when the count exceeds Max the member is removed again so a
// rejected delivery does not extend the throttle.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rate:"

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Count      int64         // events in the window including this one
	RetryAfter time.Duration // set when rejected
}

// SlidingWindow limits each key to Max events per Window.
type SlidingWindow struct {
	rdb    redis.Cmdable
	max    int64
	window time.Duration
	now    func() time.Time
}

// NewSlidingWindow returns a limiter admitting max events per window per key.
func NewSlidingWindow(rdb redis.Cmdable, max int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{rdb: rdb, max: int64(max), window: window, now: time.Now}
}

// Allow records one event for key and reports whether it is admitted.
func (l *SlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	floor := nowMs - l.window.Milliseconds()
	rk := keyPrefix + key
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	var card *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, rk, "-inf", strconv.FormatInt(floor, 10))
		p.ZAdd(ctx, rk, redis.Z{Score: float64(nowMs), Member: member})
		card = p.ZCard(ctx, rk)
		p.Expire(ctx, rk, l.window+time.Second)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to update rate window for %s: %w", key, err)
	}

	count := card.Val()
	if count <= l.max {
		return Decision{Allowed: true, Count: count}, nil
	}

	if err := l.rdb.ZRem(ctx, rk, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("failed to roll back rate window for %s: %w", key, err)
	}
	return Decision{Allowed: false, Count: count - 1, RetryAfter: l.retryAfter(ctx, rk, nowMs)}, nil
}

// retryAfter is the time until the oldest member leaves the window.
func (l *SlidingWindow) retryAfter(ctx context.Context, rk string, nowMs int64) time.Duration {
	oldest, err := l.rdb.ZRangeWithScores(ctx, rk, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return l.window
	}
	wait := time.Duration(int64(oldest[0].Score)+l.window.Milliseconds()-nowMs) * time.Millisecond
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}
