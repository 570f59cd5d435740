// Package collab 组合 OT 引擎、操作日志、分布式锁和内容存储，
// 实现文档协作的同步协议：加入/离开、操作提交、追平、在线状态。
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"collabCore/backend/internal/lock"
	"collabCore/backend/internal/oplog"
	"collabCore/backend/internal/ot"
	"collabCore/backend/internal/ot/delta"
)

var (
	ErrNotFound         = errors.New("NOT_FOUND")
	ErrPermissionDenied = errors.New("PERMISSION_DENIED")
)

// DocumentStore 文档元数据的外部协作方（存在性、访问授权）。
type DocumentStore interface {
	Exists(ctx context.Context, docID string) (bool, error)
	IsAuthorizedForDocument(ctx context.Context, docID string, userID uint64) (bool, error)
}

// Operation 客户端提交的操作（未提交形态）。
type Operation struct {
	OperationID string
	BaseVersion uint64
	Components  delta.Delta
}

// SyncResult 追平结果：二选一。操作太多（或日志有缺口）时
// 直接给全量快照，避免客户端重放一长串操作。
type SyncResult struct {
	Ops      []oplog.CommittedOp
	Snapshot *DocumentState
}

type Config struct {
	// LockWait 提交时等锁的上限。应小于调用方自身的超时。
	LockWait time.Duration
	// SyncOpsThreshold 追平时增量操作条数的上限，超过就发快照。
	SyncOpsThreshold int
}

// Service 协作引擎接口。ws 层只依赖它。
type Service interface {
	Join(ctx context.Context, docID string, userID uint64) (DocumentState, error)
	Submit(ctx context.Context, docID string, authorID uint64, op Operation) (oplog.CommittedOp, error)
	SyncSince(ctx context.Context, docID string, clientVersion uint64) (SyncResult, error)
}

type Engine struct {
	log        oplog.Log
	locker     lock.Locker
	content    ContentStore
	docs       DocumentStore
	dispatcher *KafkaDispatcher // 可为 nil（单进程部署）
	cfg        Config
	logger     zerolog.Logger
}

func NewEngine(log oplog.Log, locker lock.Locker, content ContentStore, docs DocumentStore, dispatcher *KafkaDispatcher, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.SyncOpsThreshold <= 0 {
		cfg.SyncOpsThreshold = 100
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 30 * time.Second
	}
	return &Engine{
		log:        log,
		locker:     locker,
		content:    content,
		docs:       docs,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With().Str("component", "collab").Logger(),
	}
}

// Join 鉴权 + 取当前内容快照。在线状态登记由 ws 层负责。
func (e *Engine) Join(ctx context.Context, docID string, userID uint64) (DocumentState, error) {
	exists, err := e.docs.Exists(ctx, docID)
	if err != nil {
		return DocumentState{}, fmt.Errorf("%w: %v", oplog.ErrStorage, err)
	}
	if !exists {
		return DocumentState{}, fmt.Errorf("%w: document %s", ErrNotFound, docID)
	}

	authorized, err := e.docs.IsAuthorizedForDocument(ctx, docID, userID)
	if err != nil {
		return DocumentState{}, fmt.Errorf("%w: %v", oplog.ErrStorage, err)
	}
	if !authorized {
		return DocumentState{}, fmt.Errorf("%w: user %d on document %s", ErrPermissionDenied, userID, docID)
	}

	return e.content.GetContentSnapshot(ctx, docID)
}

// Submit 提交流水线：
//
//	校验 → 拿文档锁 → 读最新版本 → 过期则沿缺失操作逐个 rebase
//	→ 应用到内容 → 原子追加+推进版本 → 放锁 → 事件入队
//
// "读版本 → rebase → 追加"整段在锁内，跨进程串行。
func (e *Engine) Submit(ctx context.Context, docID string, authorID uint64, op Operation) (oplog.CommittedOp, error) {
	if err := delta.Validate(op.Components); err != nil {
		return oplog.CommittedOp{}, err
	}

	h, err := e.locker.Acquire(ctx, lock.DocumentKey(docID), e.cfg.LockWait)
	if err != nil {
		// 锁超时/取消：从未持锁，状态零污染，调用方可安全重试
		return oplog.CommittedOp{}, err
	}
	// 所有出口路径都必须尝试放锁；放锁失败只记日志，租约 TTL 兜底。
	// 用独立的 ctx：提交方取消不应该把锁留到过期。
	defer func() {
		if err := e.locker.Release(context.WithoutCancel(ctx), h); err != nil {
			e.logger.Warn().Err(err).Str("docId", docID).Msg("lock release failed")
		}
	}()

	latest, err := e.log.LatestVersion(ctx, docID)
	if err != nil {
		return oplog.CommittedOp{}, err
	}
	if op.BaseVersion > latest {
		return oplog.CommittedOp{}, fmt.Errorf("%w: base version %d ahead of latest %d",
			oplog.ErrVersionConflict, op.BaseVersion, latest)
	}

	components := op.Components
	baseVersion := op.BaseVersion
	if baseVersion < latest {
		serverOps, err := e.log.OpsSince(ctx, docID, baseVersion)
		if err != nil {
			return oplog.CommittedOp{}, err
		}
		for _, serverOp := range serverOps {
			if serverOp.BaseVersion != baseVersion {
				// 日志被裁剪出缺口，没法 rebase，客户端需要走快照重同步
				return oplog.CommittedOp{}, fmt.Errorf("%w: rebase gap at version %d",
					oplog.ErrVersionConflict, baseVersion)
			}
			components, baseVersion, err = ot.Transform(components, serverOp)
			if err != nil {
				return oplog.CommittedOp{}, err
			}
		}
	}

	committed := oplog.CommittedOp{
		OperationID: op.OperationID,
		DocumentID:  docID,
		AuthorID:    authorID,
		BaseVersion: baseVersion,
		Components:  components,
		AppliedAt:   time.Now(),
	}
	if committed.OperationID == "" {
		committed.OperationID = uuid.NewString()
	}

	// 先改内容缓冲并标版本，后提交日志：提交失败就丢缓冲重建。
	// 版本要在追加前标好，否则并发读会把刚落盘的操作再重放一遍。
	e.applyToContent(ctx, docID, components)
	if err := e.content.MarkVersion(ctx, docID, committed.BaseVersion+1); err != nil {
		e.logger.Warn().Err(err).Str("docId", docID).Msg("mark content version failed")
	}

	if err := e.log.AppendCommitted(ctx, committed); err != nil {
		e.content.Invalidate(docID)
		return oplog.CommittedOp{}, err
	}

	if e.dispatcher != nil {
		if err := e.dispatcher.EnqueueCommitted(ctx, committed); err != nil {
			// 跨进程广播是尽力而为，丢事件不影响提交结果
			e.logger.Warn().Err(err).Str("docId", docID).Msg("enqueue op event failed")
		}
	}
	return committed, nil
}

// applyToContent 沿组件序列走位置游标，把 insert/delete 逐个下发给内容存储。
func (e *Engine) applyToContent(ctx context.Context, docID string, components delta.Delta) {
	pos := 0
	for _, component := range components {
		switch component.Kind {
		case delta.KindRetain:
			pos += component.Count
		case delta.KindInsert:
			if err := e.content.MutateContent(ctx, docID, pos, component); err != nil {
				e.logger.Warn().Err(err).Str("docId", docID).Msg("content insert failed")
				return
			}
			pos += component.Len()
		case delta.KindDelete:
			if err := e.content.MutateContent(ctx, docID, pos, component); err != nil {
				e.logger.Warn().Err(err).Str("docId", docID).Msg("content delete failed")
				return
			}
		}
	}
}

// SyncSince 客户端追平：没有增量、增量超阈值或日志有缺口时给全量快照，
// 否则按版本升序给增量操作。
func (e *Engine) SyncSince(ctx context.Context, docID string, clientVersion uint64) (SyncResult, error) {
	ops, err := e.log.OpsSince(ctx, docID, clientVersion)
	if err != nil {
		return SyncResult{}, err
	}

	gap := len(ops) > 0 && ops[0].BaseVersion != clientVersion
	if len(ops) == 0 || len(ops) > e.cfg.SyncOpsThreshold || gap {
		state, err := e.content.GetContentSnapshot(ctx, docID)
		if err != nil {
			return SyncResult{}, err
		}
		return SyncResult{Snapshot: &state}, nil
	}
	return SyncResult{Ops: ops}, nil
}
