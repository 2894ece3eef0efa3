package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript runs the whole admission batch server-side: expired entries are
// trimmed, the window is counted, and an entry is added only when a slot is
// free. Entries with score <= windowStart are expired, so an entry admitted
// at T frees its slot exactly at T+window.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, ttl)
  allowed = 1
end
local oldest = 0
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RedisStore keeps sliding windows in Redis sorted sets, one set per
// organization, scored by unix seconds.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis instance named by redisURL. The
// connection is not verified here; call Ping to probe it.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2

	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (s *RedisStore) Admit(ctx context.Context, key string, windowStart, now int64, limit int, ttl time.Duration, member string) (AdmitResult, error) {
	raw, err := admitScript.Run(ctx, s.client, []string{key},
		windowStart, now, limit, int64(ttl.Seconds()), member).Result()
	if err != nil {
		return AdmitResult{}, fmt.Errorf("run admit script: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return AdmitResult{}, fmt.Errorf("unexpected admit script reply: %v", raw)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	oldest, _ := vals[2].(int64)

	return AdmitResult{Allowed: allowed == 1, Count: count, Oldest: oldest}, nil
}

// Count returns the number of live entries without touching the window.
func (s *RedisStore) Count(ctx context.Context, key string, windowStart int64) (int64, error) {
	count, err := s.client.ZCount(ctx, key, "("+strconv.FormatInt(windowStart, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count window entries: %w", err)
	}
	return count, nil
}

// OldestScore returns the lowest score in the window, or ok=false when the
// window is empty.
func (s *RedisStore) OldestScore(ctx context.Context, key string) (int64, bool, error) {
	entries, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, false, fmt.Errorf("read oldest window entry: %w", err)
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	return int64(entries[0].Score), true, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
