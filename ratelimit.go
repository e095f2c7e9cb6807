// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter checks whether a call against a rate-limited procedure should
// be permitted. Implementations must be safe for concurrent use.
type RateLimiter interface {
	// Check increments the counter for (procName, identity) in the current
	// fixed window and returns *RateLimitError if the limit is exceeded.
	Check(ctx context.Context, procName, identity string, spec RateLimitSpec) error
}

// identityKey resolves the rate-limiter key: user ID if known, else remote
// address, else a shared "anonymous" bucket per procedure.
func identityKey(userID, remoteAddr string) string {
	switch {
	case userID != "":
		return "u:" + userID
	case remoteAddr != "":
		return "ip:" + remoteAddr
	default:
		return "anonymous"
	}
}

// bucket is one fixed-window counter in the local map.
type bucket struct {
	hits    int
	resetAt time.Time
}

// LocalLimiter is the in-process RateLimiter used when no Redis URL is
// configured: a plain map keyed by (proc, identity, window), with
// opportunistic cleanup on access rather than a dedicated ticker goroutine.
type LocalLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	lastCleanup  time.Time
	cleanupEvery time.Duration
	now          func() time.Time
}

// NewLocalLimiter returns a LocalLimiter that sweeps expired entries at most
// once every 60 seconds of activity.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		buckets:      make(map[string]*bucket),
		cleanupEvery: 60 * time.Second,
		now:          time.Now,
	}
}

func (l *LocalLimiter) Check(_ context.Context, procName, identity string, spec RateLimitSpec) error {
	now := l.now()
	windowIndex := now.Unix() / int64(spec.Window)
	resetAt := time.Unix((windowIndex+1)*int64(spec.Window), 0)
	key := fmt.Sprintf("%s:%s:%d", procName, identity, windowIndex)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) > l.cleanupEvery {
		for k, b := range l.buckets {
			if b.resetAt.Before(now) {
				delete(l.buckets, k)
			}
		}
		l.lastCleanup = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{resetAt: resetAt}
		l.buckets[key] = b
	}
	b.hits++

	if b.hits > spec.MaxRequests {
		retryAfter := int(math.Ceil(resetAt.Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}
	return nil
}

// RedisLimiter is the cluster-wide RateLimiter, backed by a shared Redis
// instance so every node enforces the same fixed-window counters: a
// pipelined INCR+EXPIRE against key "ephaptic:rl:<proc>:<identity>:<window>".
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisLimiter wraps an existing Redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func (l *RedisLimiter) Check(ctx context.Context, procName, identity string, spec RateLimitSpec) error {
	now := l.now()
	windowIndex := now.Unix() / int64(spec.Window)
	resetAt := time.Unix((windowIndex+1)*int64(spec.Window), 0)
	key := fmt.Sprintf("ephaptic:rl:%s:%s:%d", procName, identity, windowIndex)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Duration(spec.Window+1)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ephaptic: ratelimit pipeline: %w", err)
	}

	if incr.Val() > int64(spec.MaxRequests) {
		retryAfter := int(math.Ceil(resetAt.Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}
	return nil
}
