package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/oklog/ulid/v2"

	"github.com/utrading/utrading-roster-optimizer/pkg/logger"
)

// releaseScript 只删除自己持有的锁
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// Redis 基于 SET NX PX 的分布式锁，多实例部署时使用
type Redis struct {
	client   redis.Cmdable
	ttl      time.Duration
	retry    time.Duration
	newToken func() string
}

func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Redis{
		client:   client,
		ttl:      ttl,
		retry:    100 * time.Millisecond,
		newToken: func() string { return ulid.Make().String() },
	}
}

func (r *Redis) TryLock(ctx context.Context, key string) (Unlock, error) {
	token := r.newToken()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return r.unlocker(key, token), nil
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		unlock, err := r.TryLock(ctx, key)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redis) unlocker(key, token string) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			n, err := r.client.Eval(ctx, releaseScript, []string{key}, token).Int64()
			if err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("release redis lock failed")
				return
			}
			if n == 0 {
				logger.Warn().Str("key", key).Msg("redis lock expired before release")
			}
		})
	}
}
