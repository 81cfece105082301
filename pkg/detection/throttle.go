package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle suppresses repeat alerts for the same rule and event
// fingerprint inside a window. State lives in the shared cache so all
// detector replicas throttle together.
type Throttle struct {
	rdb redis.UniversalClient
}

// NewThrottle wraps a redis client.
func NewThrottle(rdb redis.UniversalClient) *Throttle {
	return &Throttle{rdb: rdb}
}

// Allow reports whether an alert for this rule and fingerprint may fire.
// The first caller inside the window wins.
func (t *Throttle) Allow(ctx context.Context, ruleID, fingerprint string, window time.Duration) (bool, error) {
	key := "alert-throttle:" + ruleID + ":" + fingerprint
	ok, err := t.rdb.SetNX(ctx, key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("checking alert throttle for %s: %w", ruleID, err)
	}
	return ok, nil
}
