package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow keeps one sorted-set member per admitted call, scored by its admission time
// in milliseconds. It returns 0 when the call is admitted, otherwise the milliseconds until
// the oldest member leaves the window.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return 0
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
	wait = 1
end
return wait
`)

// RedisConfig holds the connection settings for a shared limiter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Redis is a sliding window log shared by every process using the same key.
type Redis struct {
	client redis.Scripter
	key    string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedis creates a limiter admitting at most n calls in any window.
func NewRedis(client redis.Scripter, key string, n int, window time.Duration) *Redis {
	if key == "" {
		key = "ai-relay:ratelimit"
	}
	return &Redis{client: client, key: key, limit: n, window: window, now: time.Now}
}

// NewRedisFromConfig dials Redis with config and creates the limiter.
func NewRedisFromConfig(config *RedisConfig, n int, window time.Duration) (*Redis, *redis.Client) {
	if config == nil {
		config = &RedisConfig{Addr: "localhost:6379"}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedis(client, config.Key, n, window), client
}

// Wait blocks until the shared window has room or ctx is done.
func (r *Redis) Wait(ctx context.Context) error {
	if r.limit <= 0 || r.window <= 0 {
		return nil
	}
	member := uuid.NewString()
	for {
		now := r.now().UnixMilli()
		wait, err := slidingWindow.Run(ctx, r.client, []string{r.key},
			now, r.window.Milliseconds(), r.limit, member).Int64()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("rate limit window: %w", err)
		}
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(time.Duration(wait) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
