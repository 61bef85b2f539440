package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sliding log over a ZSET. Scores and members are millisecond timestamps;
// members carry a per-process nonce and a sequence suffix so two hits in
// the same millisecond stay distinct, including hits from different
// gateway replicas sharing the store. Evict + count + admit run as one
// script so the limit holds under concurrent clients.
const slidingLogLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now_ms - window_ms)
local n = redis.call("ZCARD", key)

if n >= limit then
  local reset = now_ms + window_ms
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  if oldest[2] then
    reset = tonumber(oldest[2]) + window_ms
  end
  return {0, 0, reset}
end

redis.call("ZADD", key, now_ms, member)
redis.call("PEXPIRE", key, window_ms)
return {1, limit - (n + 1), now_ms + window_ms}
`

type RedisLimiter struct {
	rdb    *redis.Client
	script *redis.Script
	nonce  string
	seq    atomic.Uint64
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return &RedisLimiter{
		rdb:    rdb,
		script: redis.NewScript(slidingLogLua),
		nonce:  hex.EncodeToString(b[:]),
	}
}

// member builds a log entry unique across concurrent hits and across
// replicas sharing the store.
func (r *RedisLimiter) member(nowMs int64) string {
	return strconv.FormatInt(nowMs, 10) + "-" + r.nonce + "-" + strconv.FormatUint(r.seq.Add(1), 10)
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := time.Now().UnixMilli()
	member := r.member(now)

	res, err := r.script.Run(ctx, r.rdb, []string{key},
		now, window.Milliseconds(), limit, member).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return Decision{}, redis.Nil
	}

	dec := Decision{
		Allowed:   toInt(arr[0]) == 1,
		Limit:     limit,
		Remaining: int(toInt(arr[1])),
		ResetAt:   time.UnixMilli(toInt(arr[2])),
		Window:    window,
	}
	return dec, nil
}

func (r *RedisLimiter) Close() error { return r.rdb.Close() }

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
