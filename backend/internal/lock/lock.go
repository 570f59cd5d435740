// Package lock 提供跨进程的文档级互斥：带 TTL 的租约 + 随机持有令牌，
// 释放必须校验令牌（compare-and-delete），防止误删别人重新抢到的锁。
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockTimeout 在等待窗口内没抢到锁。可重试，从未持有过锁，
	// 不会污染任何状态。
	ErrLockTimeout = errors.New("LOCK_TIMEOUT")
	// ErrNotHeld 释放时令牌不匹配：锁已过期并被他人抢走。
	// 调用方只记日志，TTL 已经兜底。
	ErrNotHeld = errors.New("LOCK_NOT_HELD")
)

// Handle 一次成功加锁的凭据。
type Handle struct {
	Key   string
	Token string
}

type Locker interface {
	// Acquire 以固定间隔重试"不存在才写入 + TTL"，直到拿到锁或超过 wait。
	// 每个重试间隙都响应 ctx 取消（返回 ctx.Err()，与超时区分）。
	Acquire(ctx context.Context, key string, wait time.Duration) (Handle, error)

	// Release 只删除令牌仍然匹配的锁。失败返回 ErrNotHeld，调用方记日志即可。
	Release(ctx context.Context, h Handle) error

	// IsLocked 尽力而为的诊断接口，天然有竞态，不得用于正确性判断。
	IsLocked(ctx context.Context, key string) (bool, error)
}

// DocumentKey 文档锁资源键。带命名空间，避免与共享 Redis 里的其他键冲突。
func DocumentKey(docID string) string {
	return "collab:lock:document:{" + docID + "}"
}
