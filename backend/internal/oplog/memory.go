package oplog

import (
	"context"
	"sync"
)

// MemoryLog 内存实现：单进程部署和测试用。
// 语义与 MySQLLog 完全一致（追加与推进版本在同一把锁下原子完成）。
type MemoryLog struct {
	mu   sync.RWMutex
	docs map[string]*memDoc
}

type memDoc struct {
	version uint64
	ops     []CommittedOp
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{docs: make(map[string]*memDoc)}
}

func (l *MemoryLog) LatestVersion(_ context.Context, docID string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if d := l.docs[docID]; d != nil {
		return d.version, nil
	}
	return 0, nil
}

func (l *MemoryLog) AppendCommitted(_ context.Context, op CommittedOp) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.docs[op.DocumentID]
	if d == nil {
		d = &memDoc{}
		l.docs[op.DocumentID] = d
	}
	if op.BaseVersion != d.version {
		return ErrVersionConflict
	}
	d.ops = append(d.ops, op)
	d.version++
	return nil
}

func (l *MemoryLog) OpsSince(_ context.Context, docID string, version uint64) ([]CommittedOp, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d := l.docs[docID]
	if d == nil {
		return nil, nil
	}
	var ops []CommittedOp
	for _, op := range d.ops {
		if op.BaseVersion >= version {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func (l *MemoryLog) Documents(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var docs []string
	for docID, d := range l.docs {
		if len(d.ops) > 0 {
			docs = append(docs, docID)
		}
	}
	return docs, nil
}

func (l *MemoryLog) TrimThrough(_ context.Context, docID string, version uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.docs[docID]
	if d == nil {
		return nil
	}
	kept := d.ops[:0]
	for _, op := range d.ops {
		if op.BaseVersion >= version {
			kept = append(kept, op)
		}
	}
	d.ops = kept
	return nil
}
