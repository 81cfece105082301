// Package ratelimit implements windowed request quotas backed by Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Quota is a budget of N operations per window for one endpoint class.
type Quota struct {
	Name   string
	Times  int
	Window time.Duration
}

// Result describes the state of a quota after an Allow call. Reset is the
// remaining time until the window expires, rounded up to whole seconds.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Duration
}

// Limiter counts operations per (quota, principal) key in Redis. Counters are
// created with the quota window as TTL, so a key expiring is what slides the
// window forward. Increment-and-expire runs as a single Lua script to stay
// atomic across collector replicas.
type Limiter struct {
	rdb    redis.UniversalClient
	prefix string
}

// incrScript atomically increments the counter, arms the TTL on first use
// and returns {count, ttl_ms}.
var incrScript = redis.NewScript(`
local count = redis.call("INCRBY", KEYS[1], ARGV[1])
if count == tonumber(ARGV[1]) then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// NewLimiter creates a limiter using the given Redis client. The prefix
// namespaces all limiter keys.
func NewLimiter(rdb redis.UniversalClient, prefix string) *Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Limiter{rdb: rdb, prefix: prefix}
}

// Allow records one operation against the quota for the principal and
// reports whether it fits the budget.
func (l *Limiter) Allow(ctx context.Context, q Quota, principal string) (Result, error) {
	return l.AllowN(ctx, q, principal, 1)
}

// AllowN records n operations at once (used for the per-event quota on batch
// requests). When the budget is exceeded the operations are still counted;
// the caller rejects the request.
func (l *Limiter) AllowN(ctx context.Context, q Quota, principal string, n int) (Result, error) {
	key := fmt.Sprintf("%s:%s:%s", l.prefix, q.Name, principal)

	vals, err := incrScript.Run(ctx, l.rdb, []string{key}, n, q.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check for %s: %w", key, err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("rate limit check for %s: unexpected script reply", key)
	}
	count, ttlMillis := vals[0], vals[1]

	remaining := q.Times - int(count)
	if remaining < 0 {
		remaining = 0
	}
	reset := time.Duration(ttlMillis) * time.Millisecond
	if reset < 0 {
		reset = q.Window
	}

	return Result{
		Allowed:   count <= int64(q.Times),
		Limit:     q.Times,
		Remaining: remaining,
		Reset:     reset.Round(time.Second),
	}, nil
}

// Clear removes the counter for a (quota, principal) pair. Used by the login
// flow to reset the failure budget after a successful authentication.
func (l *Limiter) Clear(ctx context.Context, q Quota, principal string) error {
	key := fmt.Sprintf("%s:%s:%s", l.prefix, q.Name, principal)
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clearing rate limit %s: %w", key, err)
	}
	return nil
}
