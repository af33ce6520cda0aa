package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/condamm/internal/domain"
)

// fixedWindowLua counts a hit in the current window and reports whether it
// is within the limit. The window key expires with the window.
const fixedWindowLua = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
    return 0
end
return 1
`

// RateLimiter implements domain.RateLimiter with fixed windows.
type RateLimiter struct {
	rdb *redis.Client
	sc  *redis.Script
	now func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.Underlying(), sc: redis.NewScript(fixedWindowLua), now: time.Now}
}

func rateLimitKey(key string, window time.Duration, now time.Time) string {
	slot := now.UnixMilli() / window.Milliseconds()
	return fmt.Sprintf("%sratelimit:%s:%d", keyPrefix, key, slot)
}

// Allow counts one request for key and reports whether it fits in limit per
// window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if window < time.Millisecond {
		return false, fmt.Errorf("redis: rate limit %s: window %s too small", key, window)
	}
	ok, err := rl.sc.Run(ctx, rl.rdb, []string{rateLimitKey(key, window, rl.now())},
		limit, window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	return ok == 1, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
