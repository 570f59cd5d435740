package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"collabCore/backend/internal/oplog"
	"collabCore/backend/internal/ot/delta"
)

// DocumentState 文档内容快照 + 对应版本。
type DocumentState struct {
	Content string `json:"content"`
	Version uint64 `json:"version"`
}

// ContentStore 字符级存储的外部协作方。核心只下发"位置 + 组件"，
// 不关心字符怎么落地。
type ContentStore interface {
	// GetContentSnapshot 当前内容与版本。
	GetContentSnapshot(ctx context.Context, docID string) (DocumentState, error)

	// MutateContent 在 position 处执行单个 insert/delete 组件。
	MutateContent(ctx context.Context, docID string, position int, component delta.Op) error

	// MarkVersion 声明缓冲区内容已反映到该版本（一个操作的全部组件
	// 应用完、且该操作提交成功之后调用一次）。
	MarkVersion(ctx context.Context, docID string, version uint64) error

	// Invalidate 丢弃缓冲。提交失败后调用，内容从快照+日志重建。
	Invalidate(docID string)

	// SaveSnapshot 把当前内容持久化一份快照（清扫器裁剪日志前调用）。
	SaveSnapshot(ctx context.Context, docID string) error
}

// SnapshotStore 快照持久化接口，由 store 包的 MySQL 实现提供。
type SnapshotStore interface {
	// LoadLatest 最新快照；从无快照返回 ("", 0, nil)。
	LoadLatest(ctx context.Context, docID string) (content string, version uint64, err error)
	Save(ctx context.Context, docID string, version uint64, content string) error
}

// BufferedContent 进程内的内容缓冲：每个文档一张 piece 表，
// 懒加载 = 最新快照 + 重放快照之后的已提交操作。
// 读取前总是先对着操作日志追平，所以别的进程提交的操作也看得到。
type BufferedContent struct {
	mu        sync.Mutex
	docs      map[string]*docContent
	snapshots SnapshotStore
	log       oplog.Log
	logger    zerolog.Logger
}

type docContent struct {
	buf     *PieceTable
	version uint64 // 缓冲区已反映到的版本
}

func NewBufferedContent(snapshots SnapshotStore, log oplog.Log, logger zerolog.Logger) *BufferedContent {
	return &BufferedContent{
		docs:      make(map[string]*docContent),
		snapshots: snapshots,
		log:       log,
		logger:    logger.With().Str("component", "content").Logger(),
	}
}

// loadLocked 取出（必要时构建）文档缓冲，并重放缺失的已提交操作。
// 调用方必须持有 c.mu。
func (c *BufferedContent) loadLocked(ctx context.Context, docID string) (*docContent, error) {
	d := c.docs[docID]
	if d == nil {
		content, version, err := c.snapshots.LoadLatest(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot for %s: %w", docID, err)
		}
		d = &docContent{buf: NewPieceTable(content), version: version}
		c.docs[docID] = d
	}

	ops, err := c.log.OpsSince(ctx, docID, d.version)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.BaseVersion != d.version {
			// 日志被裁剪出了缺口，缓冲无法续上，推倒重建
			delete(c.docs, docID)
			return nil, fmt.Errorf("%w: operation gap for %s at version %d", oplog.ErrStorage, docID, d.version)
		}
		if err := d.buf.Apply(op.Components); err != nil {
			delete(c.docs, docID)
			return nil, err
		}
		d.version = op.BaseVersion + 1
	}
	return d, nil
}

func (c *BufferedContent) GetContentSnapshot(ctx context.Context, docID string) (DocumentState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.loadLocked(ctx, docID)
	if err != nil {
		return DocumentState{}, err
	}
	return DocumentState{Content: d.buf.String(), Version: d.version}, nil
}

func (c *BufferedContent) MutateContent(ctx context.Context, docID string, position int, component delta.Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// 缓冲已驻留也要先追平日志：别的进程提交的操作只出现在日志里，
	// 不追平就应用会把那些操作永远落下。
	d, err := c.loadLocked(ctx, docID)
	if err != nil {
		return err
	}

	switch component.Kind {
	case delta.KindInsert, delta.KindDelete:
		err = d.buf.Apply(delta.Delta{delta.Retain(position), component})
	case delta.KindRetain:
		// retain 只移动位置，调用方自己负责
	default:
		err = fmt.Errorf("%w: unknown kind %q", delta.ErrInvalidComponent, component.Kind)
	}
	if err != nil {
		// 缓冲可能已经半脏，丢掉缓存，下次从快照+日志重建
		c.logger.Warn().Err(err).Str("docId", docID).Msg("content mutation failed, buffer dropped")
		delete(c.docs, docID)
		return err
	}
	return nil
}

func (c *BufferedContent) Invalidate(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, docID)
}

func (c *BufferedContent) MarkVersion(_ context.Context, docID string, version uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.docs[docID]; d != nil && version > d.version {
		d.version = version
	}
	return nil
}

func (c *BufferedContent) SaveSnapshot(ctx context.Context, docID string) error {
	c.mu.Lock()
	d, err := c.loadLocked(ctx, docID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	content, version := d.buf.String(), d.version
	c.mu.Unlock()

	return c.snapshots.Save(ctx, docID, version, content)
}
