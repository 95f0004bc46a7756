package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisQuotaScript increments the window counter atomically. The key
// expires with the window, so counters self-clean.
// KEYS[1] = quota key
// ARGV[1] = window in milliseconds
// ARGV[2] = limit
var redisQuotaScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if current > tonumber(ARGV[2]) then
    return 0
end
return 1
`)

// RedisQuotaStore implements QuotaStore on Redis so quota accounting is
// shared across kernel nodes.
type RedisQuotaStore struct {
	client *redis.Client
}

// NewRedisQuotaStore connects a store to the given Redis instance.
func NewRedisQuotaStore(addr, password string, db int) *RedisQuotaStore {
	return &RedisQuotaStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
	}
}

// NewRedisQuotaStoreWithClient wraps an existing client, mainly for tests.
func NewRedisQuotaStoreWithClient(client *redis.Client) *RedisQuotaStore {
	return &RedisQuotaStore{client: client}
}

func (s *RedisQuotaStore) Allow(ctx context.Context, key string, limit int64, window time.Duration, _ time.Time) (bool, error) {
	res, err := redisQuotaScript.Run(ctx, s.client,
		[]string{fmt.Sprintf("quota:%s", key)},
		window.Milliseconds(), limit,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("capability: redis quota: %w", err)
	}
	return res == 1, nil
}

// Ping verifies connectivity.
func (s *RedisQuotaStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
