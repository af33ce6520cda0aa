package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/condamm/internal/domain"
)

// unlockLua deletes a lock key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX and a Lua
// compare-and-delete. A contended Acquire polls until MaxWait elapses.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script

	// MaxWait bounds how long Acquire retries a held lock. Zero fails fast.
	MaxWait time.Duration
	// RetryInterval is the pause between attempts.
	RetryInterval time.Duration
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client, maxWait time.Duration) *LockManager {
	return &LockManager{
		rdb:           c.Underlying(),
		unlockSc:      redis.NewScript(unlockLua),
		MaxWait:       maxWait,
		RetryInterval: 25 * time.Millisecond,
	}
}

func lockKey(key string) string { return keyPrefix + "lock:" + key }

// Acquire obtains the lock for key and returns its release function, which
// may be called more than once. It returns domain.ErrLockHeld when the lock
// stays held for MaxWait.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)
	deadline := time.Now().Add(lm.MaxWait)

	for {
		ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
		}
		timer := time.NewTimer(lm.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
