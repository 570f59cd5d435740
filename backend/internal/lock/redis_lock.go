package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// 释放脚本：GET/DEL 必须在 Redis 侧原子执行，
// 否则 GET 与 DEL 之间锁过期再被抢走就会误删。
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

type RedisLocker struct {
	rdb           redis.UniversalClient
	ttl           time.Duration
	retryInterval time.Duration
	release       *redis.Script
	logger        zerolog.Logger
}

// NewRedisLocker ttl 是租约时长（持有者崩溃后的最大僵死窗口），
// retryInterval 是抢锁失败后的固定重试间隔。
func NewRedisLocker(rdb redis.UniversalClient, ttl, retryInterval time.Duration, logger zerolog.Logger) *RedisLocker {
	return &RedisLocker{
		rdb:           rdb,
		ttl:           ttl,
		retryInterval: retryInterval,
		release:       redis.NewScript(releaseScript),
		logger:        logger.With().Str("component", "lock").Logger(),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, wait time.Duration) (Handle, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			// ctx 取消会从 go-redis 返回，这里统一交给下面的 select 分类
			select {
			case <-ctx.Done():
				return Handle{}, ctx.Err()
			default:
			}
			return Handle{}, fmt.Errorf("lock acquire %s: %w", key, err)
		}
		if ok {
			return Handle{Key: key, Token: token}, nil
		}

		if time.Now().Add(l.retryInterval).After(deadline) {
			return Handle{}, ErrLockTimeout
		}

		timer := time.NewTimer(l.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Handle{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) Release(ctx context.Context, h Handle) error {
	n, err := l.release.Run(ctx, l.rdb, []string{h.Key}, h.Token).Int()
	if err != nil {
		return fmt.Errorf("lock release %s: %w", h.Key, err)
	}
	if n == 0 {
		// 锁已过期并被他人持有，删不得。TTL 兜底，告警即可。
		l.logger.Warn().Str("key", h.Key).Msg("release skipped: token mismatch")
		return ErrNotHeld
	}
	return nil
}

func (l *RedisLocker) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
