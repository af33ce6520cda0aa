package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/condamm/internal/domain"
)

const marketTTL = 5 * time.Minute

// setIfNewerLua stores ARGV[2] in KEYS[1] unless the cached version is
// already at least ARGV[1]. The version lives next to the data in a hash.
const setIfNewerLua = `
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`

// MarketCache implements domain.MarketCache with one hash per market.
// Writes never replace a newer version, so a slow writer cannot roll the
// cache back.
//
//	condamm:market:{id}  hash {version, data}
type MarketCache struct {
	rdb   *redis.Client
	setSc *redis.Script
	ttl   time.Duration
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{
		rdb:   c.Underlying(),
		setSc: redis.NewScript(setIfNewerLua),
		ttl:   marketTTL,
	}
}

func marketKey(id string) string { return keyPrefix + "market:" + id }

func (mc *MarketCache) Set(ctx context.Context, st domain.MarketState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", st.Market.ID, err)
	}
	err = mc.setSc.Run(ctx, mc.rdb, []string{marketKey(st.Market.ID)},
		st.Version, data, mc.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis: set market %s: %w", st.Market.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a miss.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.MarketState, error) {
	data, err := mc.rdb.HGet(ctx, marketKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketState{}, domain.ErrNotFound
		}
		return domain.MarketState{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}
	var st domain.MarketState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.MarketState{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return st, nil
}

func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	if err := mc.rdb.Del(ctx, marketKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

var _ domain.MarketCache = (*MarketCache)(nil)
