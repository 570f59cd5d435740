// Package oplog 是文档版本的权威来源：按版本有序地持久化已提交操作，
// 并保证"追加操作"和"推进版本号"要么一起成功、要么一起失败。
package oplog

import (
	"context"
	"errors"
	"time"

	"collabCore/backend/internal/ot/delta"
)

var (
	// ErrVersionConflict 追加时 baseVersion 与当前版本不一致。
	// 调用方必须持有文档锁并重新 rebase 后重试。
	ErrVersionConflict = errors.New("VERSION_CONFLICT")
	// ErrStorage 底层存储失败。版本与日志保持一致（都未推进），
	// 客户端可以用同一个 baseVersion 安全重试。
	ErrStorage = errors.New("STORAGE_ERROR")
)

// CommittedOp 已提交操作。提交后不可变。
// 约定：第 N 个提交操作的 BaseVersion 为 N-1，当前版本 = 已提交操作数。
type CommittedOp struct {
	OperationID string      `json:"operationId"`
	DocumentID  string      `json:"docId"`
	AuthorID    uint64      `json:"authorId"`
	BaseVersion uint64      `json:"baseVersion"`
	Components  delta.Delta `json:"components"`
	AppliedAt   time.Time   `json:"appliedAt"`
}

type Log interface {
	// LatestVersion 当前权威版本号，无任何操作时为 0。
	LatestVersion(ctx context.Context, docID string) (uint64, error)

	// AppendCommitted 只能在持有文档锁、且确认
	// op.BaseVersion == LatestVersion 之后调用。
	AppendCommitted(ctx context.Context, op CommittedOp) error

	// OpsSince 返回 base_version >= version 的操作，按 base_version 升序。
	// （版本为 v 的客户端已应用 base_version < v 的全部操作。）
	OpsSince(ctx context.Context, docID string, version uint64) ([]CommittedOp, error)

	// Documents 日志里仍有操作记录的文档，供清扫器扫描。
	Documents(ctx context.Context) ([]string, error)

	// TrimThrough 删除 base_version < version 的操作记录，版本计数不回退。
	TrimThrough(ctx context.Context, docID string, version uint64) error
}
