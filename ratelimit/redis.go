package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis key naming: lister:rl:daily:{2006-01-02} and
// lister:rl:hourly:{2006-01-02T15}. Window rollover is implicit in the key
// name; keys carry a TTL so expired windows clean themselves up.
const redisKeyPrefix = "lister:rl:"

// reserveScript increments both window counters only if both have headroom.
// Running as a single Lua script makes the check-and-increment linearizable
// across any number of dispatcher processes sharing the quota.
//
// KEYS[1] = daily key, KEYS[2] = hourly key
// ARGV[1] = daily max, ARGV[2] = hourly max
// ARGV[3] = daily TTL seconds, ARGV[4] = hourly TTL seconds
var reserveScript = goredis.NewScript(`
local daily = tonumber(redis.call('GET', KEYS[1]) or '0')
local hourly = tonumber(redis.call('GET', KEYS[2]) or '0')
if daily >= tonumber(ARGV[1]) or hourly >= tonumber(ARGV[2]) then
	return 0
end
daily = redis.call('INCR', KEYS[1])
if daily == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[3])
end
local h = redis.call('INCR', KEYS[2])
if h == 1 then
	redis.call('EXPIRE', KEYS[2], ARGV[4])
end
return 1
`)

// RedisLimiter is a Limiter whose counters live in Redis, giving multiple
// dispatcher processes a single source of truth for the external quota.
type RedisLimiter struct {
	client    goredis.UniversalClient
	dailyMax  int64
	hourlyMax int64
	now       func() time.Time
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithRedisClock overrides the limiter's time source. Intended for tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *RedisLimiter) { l.now = now }
}

// NewRedis creates a RedisLimiter on the given client.
func NewRedis(client goredis.UniversalClient, dailyMax, hourlyMax int64, opts ...RedisOption) *RedisLimiter {
	l := &RedisLimiter{
		client:    client,
		dailyMax:  dailyMax,
		hourlyMax: hourlyMax,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func dailyKey(now time.Time) string {
	return redisKeyPrefix + "daily:" + now.UTC().Format("2006-01-02")
}

func hourlyKey(now time.Time) string {
	return redisKeyPrefix + "hourly:" + now.UTC().Format("2006-01-02T15")
}

// Reserve consumes one unit from both windows, or neither.
func (l *RedisLimiter) Reserve(ctx context.Context) (bool, error) {
	now := l.now()

	dayStart := windowStart(ScopeDaily, now)
	hourStart := windowStart(ScopeHourly, now)
	dayTTL := int64(dayStart.Add(24 * time.Hour).Sub(now).Seconds()) + 1
	hourTTL := int64(hourStart.Add(time.Hour).Sub(now).Seconds()) + 1

	res, err := reserveScript.Run(ctx, l.client,
		[]string{dailyKey(now), hourlyKey(now)},
		l.dailyMax, l.hourlyMax, dayTTL, hourTTL,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit/redis: reserve: %w", err)
	}
	return res == 1, nil
}

// Status returns a snapshot of both budgets.
func (l *RedisLimiter) Status(ctx context.Context) ([]Budget, error) {
	now := l.now()

	vals, err := l.client.MGet(ctx, dailyKey(now), hourlyKey(now)).Result()
	if err != nil {
		return nil, fmt.Errorf("ratelimit/redis: status: %w", err)
	}

	return []Budget{
		{Scope: ScopeDaily, MaxUsage: l.dailyMax, CurrentUsage: counterValue(vals[0]), WindowStart: windowStart(ScopeDaily, now)},
		{Scope: ScopeHourly, MaxUsage: l.hourlyMax, CurrentUsage: counterValue(vals[1]), WindowStart: windowStart(ScopeHourly, now)},
	}, nil
}

// counterValue decodes an MGET result slot; missing keys count as zero.
func counterValue(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0
	}
	return n
}
