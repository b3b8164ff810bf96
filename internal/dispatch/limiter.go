package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Limiter caps in-flight gateway calls across processes. Acquire blocks until
// a slot is free or ctx is done.
type Limiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

var acquireScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var releaseScript = redis.NewScript(`
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// RedisLimiter keeps one counter per gateway configuration. The TTL frees
// slots leaked by a crashed process.
type RedisLimiter struct {
	Client *redis.Client
	Limit  int
	TTL    time.Duration
	Poll   time.Duration
	Prefix string
	Logger zerolog.Logger
}

func NewRedisLimiter(client *redis.Client, limit int, callTimeout time.Duration, logger zerolog.Logger) *RedisLimiter {
	return &RedisLimiter{
		Client: client,
		Limit:  limit,
		TTL:    2 * callTimeout,
		Poll:   100 * time.Millisecond,
		Prefix: "campaign:gateway-cap:",
		Logger: logger,
	}
}

func (l *RedisLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	if l.Client == nil {
		return nil, errors.New("redis client is nil")
	}
	if l.Limit <= 0 {
		return func() {}, nil
	}
	k := l.Prefix + key
	ttl := l.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	poll := l.Poll
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	for {
		ok, err := acquireScript.Run(ctx, l.Client, []string{k}, l.Limit, ttl.Milliseconds()).Int()
		if err != nil {
			return nil, err
		}
		if ok == 1 {
			return func() {
				if err := releaseScript.Run(context.Background(), l.Client, []string{k}).Err(); err != nil {
					l.Logger.Warn().Err(err).Str("key", k).Msg("failed to release gateway slot")
				}
			}, nil
		}
		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
