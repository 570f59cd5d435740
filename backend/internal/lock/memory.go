package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker 单进程实现：语义与 RedisLocker 对齐
// （含 TTL 过期与令牌校验），测试和单机部署用。
type MemoryLocker struct {
	mu            sync.Mutex
	held          map[string]memLease
	ttl           time.Duration
	retryInterval time.Duration
}

type memLease struct {
	token     string
	expiresAt time.Time
}

func NewMemoryLocker(ttl, retryInterval time.Duration) *MemoryLocker {
	return &MemoryLocker{
		held:          make(map[string]memLease),
		ttl:           ttl,
		retryInterval: retryInterval,
	}
}

func (l *MemoryLocker) tryAcquire(key, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.held[key]; ok && time.Now().Before(lease.expiresAt) {
		return false
	}
	l.held[key] = memLease{token: token, expiresAt: time.Now().Add(l.ttl)}
	return true
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, wait time.Duration) (Handle, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		if l.tryAcquire(key, token) {
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

func (l *MemoryLocker) Release(_ context.Context, h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.held[h.Key]
	if !ok || lease.token != h.Token || time.Now().After(lease.expiresAt) {
		return ErrNotHeld
	}
	delete(l.held, h.Key)
	return nil
}

func (l *MemoryLocker) IsLocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.held[key]
	return ok && time.Now().Before(lease.expiresAt), nil
}
