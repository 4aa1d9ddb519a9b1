package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// slidingWindow trims, counts, and conditionally records in one round trip so
// concurrent callers on different nodes cannot both take the last slot.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return 1
end
return 0
`)

// Redis is a Counter shared across processes through a Redis sorted set per key.
type Redis struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedis returns a Counter using client. Keys are stored under prefix.
func NewRedis(client redis.Cmdable, prefix string) *Redis {
	if prefix == "" {
		prefix = "envtrack:ratelimit:"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

// Allow implements Counter.
func (r *Redis) Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	now := r.now().UnixMilli()
	admitted, err := slidingWindow.Run(ctx, r.client,
		[]string{r.prefix + key},
		now, window.Milliseconds(), max, fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis sliding window: %w", err)
	}
	return admitted == 1, nil
}
