package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker(time.Second, 10*time.Millisecond)
	key := DocumentKey("doc-1")

	h1, err := l.Acquire(ctx, key, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}

	// 持有期间第二个抢锁方只能等到超时
	if _, err := l.Acquire(ctx, key, 50*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	if err := l.Release(ctx, h1); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	h2, err := l.Acquire(ctx, key, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire after release error: %v", err)
	}
	_ = l.Release(ctx, h2)
}

func TestMemoryLockerCancellation(t *testing.T) {
	l := NewMemoryLocker(time.Second, 10*time.Millisecond)
	key := DocumentKey("doc-1")

	h, _ := l.Acquire(context.Background(), key, 100*time.Millisecond)
	defer l.Release(context.Background(), h)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	// 取消必须立刻生效，且与超时错误可区分
	if _, err := l.Acquire(ctx, key, 10*time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryLockerExpiredRelease(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker(20*time.Millisecond, 5*time.Millisecond)
	key := DocumentKey("doc-1")

	h1, err := l.Acquire(ctx, key, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	time.Sleep(30 * time.Millisecond) // 等租约自然过期

	h2, err := l.Acquire(ctx, key, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire after expiry error: %v", err)
	}
	// 过期的旧句柄不能释放新持有者的锁
	if err := l.Release(ctx, h1); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld for stale handle, got %v", err)
	}
	if locked, _ := l.IsLocked(ctx, key); !locked {
		t.Fatal("new lease must survive stale release")
	}
	_ = l.Release(ctx, h2)
}

func TestRedisLocker(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()

	ctx := context.Background()
	l := NewRedisLocker(rdb, time.Second, 20*time.Millisecond, zerolog.Nop())
	key := DocumentKey("doc-lock-test")
	defer rdb.Del(ctx, key)

	h1, err := l.Acquire(ctx, key, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if locked, _ := l.IsLocked(ctx, key); !locked {
		t.Fatal("expected IsLocked true while held")
	}
	if _, err := l.Acquire(ctx, key, 60*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if err := l.Release(ctx, h1); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	// 释放后令牌已不匹配
	if err := l.Release(ctx, h1); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double release, got %v", err)
	}
}
