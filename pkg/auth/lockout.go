package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lockout tracks failed login attempts per username in the shared cache.
// Counters are atomic increments with a TTL; the lock releases itself when
// the counter expires.
type Lockout struct {
	rdb         redis.UniversalClient
	maxFailures int
	window      time.Duration
}

// NewLockout creates a lockout tracker. maxFailures is the number of failed
// attempts tolerated inside the window before logins are rejected.
func NewLockout(rdb redis.UniversalClient, maxFailures int, window time.Duration) *Lockout {
	return &Lockout{rdb: rdb, maxFailures: maxFailures, window: window}
}

func (l *Lockout) key(username string) string {
	return "login-failures:" + username
}

// Locked reports whether the username has exhausted its failure budget.
func (l *Lockout) Locked(ctx context.Context, username string) (bool, error) {
	count, err := l.rdb.Get(ctx, l.key(username)).Int()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading login failure count for %q: %w", username, err)
	}
	return count >= l.maxFailures, nil
}

// RecordFailure increments the failure counter, arming the window TTL on
// first failure.
func (l *Lockout) RecordFailure(ctx context.Context, username string) error {
	key := l.key(username)
	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("recording login failure for %q: %w", username, err)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("setting login failure TTL for %q: %w", username, err)
		}
	}
	return nil
}

// Clear resets the failure counter after a successful login.
func (l *Lockout) Clear(ctx context.Context, username string) error {
	if err := l.rdb.Del(ctx, l.key(username)).Err(); err != nil {
		return fmt.Errorf("clearing login failures for %q: %w", username, err)
	}
	return nil
}
