package admission

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares admission state across processes. Each admitted
// identity holds a key that expires after the interval; SET NX makes the
// check and the record a single operation.
type RedisLimiter struct {
	rdb      redis.UniversalClient
	prefix   string
	interval time.Duration
}

type RedisOption func(*RedisLimiter)

func WithRedisPrefix(prefix string) RedisOption {
	return func(r *RedisLimiter) { r.prefix = strings.Trim(prefix, ":") }
}

func NewRedisLimiter(rdb redis.UniversalClient, interval time.Duration, opts ...RedisOption) *RedisLimiter {
	r := &RedisLimiter{rdb: rdb, prefix: "keyrelay:admission", interval: interval}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisLimiter) Admit(ctx context.Context, id Identity) (Decision, error) {
	if err := id.Validate(); err != nil {
		return Decision{}, err
	}
	if r.interval <= 0 {
		return Decision{Allowed: true}, nil
	}
	key := r.prefix + ":" + id.Key()

	// A key that expires between SET NX and PTTL gets one more try.
	for i := 0; i < 2; i++ {
		ok, err := r.rdb.SetNX(ctx, key, time.Now().UnixMilli(), r.interval).Result()
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return Decision{Allowed: true}, nil
		}

		ttl, err := r.rdb.PTTL(ctx, key).Result()
		if err != nil {
			return Decision{}, err
		}
		if ttl > 0 {
			return Decision{RetryAfter: ttl, Reason: ReasonInterval}, nil
		}
		if ttl == -1 {
			// Key without expiry; repair it and treat as just admitted.
			if err := r.rdb.PExpire(ctx, key, r.interval).Err(); err != nil {
				return Decision{}, err
			}
			return Decision{RetryAfter: r.interval, Reason: ReasonInterval}, nil
		}
	}
	return Decision{RetryAfter: r.interval, Reason: ReasonInterval}, nil
}
