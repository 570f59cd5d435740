package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabCore/backend/internal/lock"
	"collabCore/backend/internal/oplog"
	"collabCore/backend/internal/ot/delta"
)

type fakeDocs struct {
	exists     bool
	authorized bool
}

func (f fakeDocs) Exists(context.Context, string) (bool, error) { return f.exists, nil }
func (f fakeDocs) IsAuthorizedForDocument(context.Context, string, uint64) (bool, error) {
	return f.authorized, nil
}

type snapshotRow struct {
	content string
	version uint64
}

type fakeSnapshots struct {
	mu   sync.Mutex
	rows map[string]snapshotRow
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{rows: make(map[string]snapshotRow)}
}

func (f *fakeSnapshots) seed(docID, content string, version uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[docID] = snapshotRow{content: content, version: version}
}

func (f *fakeSnapshots) LoadLatest(_ context.Context, docID string) (string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[docID]
	if !ok {
		return "", 0, nil
	}
	return row.content, row.version, nil
}

func (f *fakeSnapshots) Save(_ context.Context, docID string, version uint64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[docID]; ok && row.version >= version {
		return nil
	}
	f.rows[docID] = snapshotRow{content: content, version: version}
	return nil
}

func newTestEngine(snap *fakeSnapshots, docs fakeDocs, cfg Config) (*Engine, *oplog.MemoryLog, *lock.MemoryLocker) {
	log := oplog.NewMemoryLog()
	locker := lock.NewMemoryLocker(time.Second, 5*time.Millisecond)
	content := NewBufferedContent(snap, log, zerolog.Nop())
	eng := NewEngine(log, locker, content, docs, nil, cfg, zerolog.Nop())
	return eng, log, locker
}

func TestSubmitAppliesAndAdvancesVersion(t *testing.T) {
	snap := newFakeSnapshots()
	eng, _, _ := newTestEngine(snap, fakeDocs{exists: true, authorized: true}, Config{})
	ctx := context.Background()

	committed, err := eng.Submit(ctx, "doc1", 7, Operation{
		BaseVersion: 0,
		Components:  delta.Delta{delta.Insert("Hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), committed.BaseVersion)
	assert.NotEmpty(t, committed.OperationID)
	assert.Equal(t, uint64(7), committed.AuthorID)

	state, err := eng.content.GetContentSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", state.Content)
	assert.Equal(t, uint64(1), state.Version)
}

func TestSubmitRebasesStaleOperation(t *testing.T) {
	snap := newFakeSnapshots()
	snap.seed("doc1", "12345", 0)
	eng, _, _ := newTestEngine(snap, fakeDocs{exists: true, authorized: true}, Config{})
	ctx := context.Background()

	// 先落一个服务端操作，客户端的删除还基于旧版本
	_, err := eng.Submit(ctx, "doc1", 1, Operation{
		BaseVersion: 0,
		Components:  delta.Delta{delta.Insert("Server")},
	})
	require.NoError(t, err)

	committed, err := eng.Submit(ctx, "doc1", 2, Operation{
		BaseVersion: 0,
		Components:  delta.Delta{delta.Delete(5)},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), committed.BaseVersion)
	assert.Equal(t, delta.Delta{delta.Retain(6), delta.Delete(5)}, committed.Components)

	state, err := eng.content.GetContentSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "Server", state.Content)
	assert.Equal(t, uint64(2), state.Version)
}

func TestSubmitRejectsFutureBaseVersion(t *testing.T) {
	eng, _, _ := newTestEngine(newFakeSnapshots(), fakeDocs{exists: true, authorized: true}, Config{})

	_, err := eng.Submit(context.Background(), "doc1", 1, Operation{
		BaseVersion: 3,
		Components:  delta.Delta{delta.Insert("x")},
	})
	assert.ErrorIs(t, err, oplog.ErrVersionConflict)
}

func TestSubmitRejectsInvalidComponents(t *testing.T) {
	eng, _, _ := newTestEngine(newFakeSnapshots(), fakeDocs{exists: true, authorized: true}, Config{})

	_, err := eng.Submit(context.Background(), "doc1", 1, Operation{
		Components: delta.Delta{delta.Retain(-1)},
	})
	assert.ErrorIs(t, err, delta.ErrInvalidComponent)
}

func TestSubmitLockTimeout(t *testing.T) {
	eng, _, locker := newTestEngine(newFakeSnapshots(), fakeDocs{exists: true, authorized: true},
		Config{LockWait: 50 * time.Millisecond})
	ctx := context.Background()

	// 别人占着文档锁不放
	h, err := locker.Acquire(ctx, lock.DocumentKey("doc1"), time.Second)
	require.NoError(t, err)
	defer locker.Release(ctx, h)

	_, err = eng.Submit(ctx, "doc1", 1, Operation{
		Components: delta.Delta{delta.Insert("x")},
	})
	assert.ErrorIs(t, err, lock.ErrLockTimeout)

	// 超时方从未持锁，持有方提交不受影响
	require.NoError(t, locker.Release(ctx, h))
	_, err = eng.Submit(ctx, "doc1", 1, Operation{
		Components: delta.Delta{delta.Insert("x")},
	})
	assert.NoError(t, err)
}

func TestJoinChecksDocumentAndPermission(t *testing.T) {
	ctx := context.Background()

	eng, _, _ := newTestEngine(newFakeSnapshots(), fakeDocs{exists: false}, Config{})
	_, err := eng.Join(ctx, "ghost", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	eng, _, _ = newTestEngine(newFakeSnapshots(), fakeDocs{exists: true, authorized: false}, Config{})
	_, err = eng.Join(ctx, "doc1", 1)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	snap := newFakeSnapshots()
	snap.seed("doc1", "hello", 0)
	eng, _, _ = newTestEngine(snap, fakeDocs{exists: true, authorized: true}, Config{})
	state, err := eng.Join(ctx, "doc1", 1)
	require.NoError(t, err)
	assert.Equal(t, "hello", state.Content)
}

func seedOps(t *testing.T, log *oplog.MemoryLog, docID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := log.AppendCommitted(context.Background(), oplog.CommittedOp{
			OperationID: fmt.Sprintf("op-%d", i),
			DocumentID:  docID,
			AuthorID:    1,
			BaseVersion: uint64(i),
			Components:  delta.Delta{delta.Insert("x")},
			AppliedAt:   time.Now(),
		})
		require.NoError(t, err)
	}
}

func TestSyncSinceReturnsOps(t *testing.T) {
	eng, log, _ := newTestEngine(newFakeSnapshots(), fakeDocs{exists: true, authorized: true}, Config{})
	seedOps(t, log, "doc1", 3)

	res, err := eng.SyncSince(context.Background(), "doc1", 1)
	require.NoError(t, err)
	assert.Nil(t, res.Snapshot)
	require.Len(t, res.Ops, 2)
	assert.Equal(t, uint64(1), res.Ops[0].BaseVersion)
	assert.Equal(t, uint64(2), res.Ops[1].BaseVersion)
}

func TestSyncSinceFallsBackToSnapshot(t *testing.T) {
	eng, log, _ := newTestEngine(newFakeSnapshots(), fakeDocs{exists: true, authorized: true},
		Config{SyncOpsThreshold: 100})
	seedOps(t, log, "doc1", 150)
	ctx := context.Background()

	// 增量条数超过阈值
	res, err := eng.SyncSince(ctx, "doc1", 0)
	require.NoError(t, err)
	assert.Nil(t, res.Ops)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, uint64(150), res.Snapshot.Version)

	// 已经追平，也直接给快照
	res, err = eng.SyncSince(ctx, "doc1", 150)
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot)

	// 日志裁剪出缺口时不能发增量
	require.NoError(t, log.TrimThrough(ctx, "doc1", 100))
	res, err = eng.SyncSince(ctx, "doc1", 50)
	require.NoError(t, err)
	assert.Nil(t, res.Ops)
	require.NotNil(t, res.Snapshot)
}

func TestSubmitConcurrentSameBase(t *testing.T) {
	snap := newFakeSnapshots()
	eng, _, _ := newTestEngine(snap, fakeDocs{exists: true, authorized: true}, Config{})
	ctx := context.Background()

	_, err := eng.Submit(ctx, "doc1", 1, Operation{
		BaseVersion: 0,
		Components:  delta.Delta{delta.Insert("base text here")},
	})
	require.NoError(t, err)

	// 两个并发提交都基于版本 1，引擎应把后到的 rebase 而不是拒绝
	var wg sync.WaitGroup
	errs := make([]error, 2)
	ops := []delta.Delta{
		{delta.Retain(4), delta.Delete(5)},
		{delta.Retain(9), delta.Insert("!!")},
	}
	for i := range ops {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.Submit(ctx, "doc1", uint64(i+2), Operation{
				BaseVersion: 1,
				Components:  ops[i],
			})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	state, err := eng.content.GetContentSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), state.Version)

	// 内容必须等于快照+日志重放的结果（缓冲没有二次应用）
	eng.content.Invalidate("doc1")
	rebuilt, err := eng.content.GetContentSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, rebuilt.Content, state.Content)
}

// 缓冲已驻留后，其他进程经由日志提交的操作也必须先被重放，
// 本地提交不能把它们落下。
func TestSubmitReplaysRemotelyCommittedOps(t *testing.T) {
	snap := newFakeSnapshots()
	log := oplog.NewMemoryLog()
	locker := lock.NewMemoryLocker(time.Second, 5*time.Millisecond)
	content := NewBufferedContent(snap, log, zerolog.Nop())
	eng := NewEngine(log, locker, content, fakeDocs{exists: true, authorized: true}, nil, Config{}, zerolog.Nop())
	ctx := context.Background()

	// 先读一次，让缓冲在版本 0 上驻留
	state, err := content.GetContentSnapshot(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, uint64(0), state.Version)

	// 另一个进程的提交只出现在日志里，本进程的缓冲看不到
	require.NoError(t, log.AppendCommitted(ctx, oplog.CommittedOp{
		OperationID: "remote",
		DocumentID:  "doc1",
		AuthorID:    2,
		BaseVersion: 0,
		Components:  delta.Delta{delta.Insert("AB")},
		AppliedAt:   time.Now(),
	}))

	_, err = eng.Submit(ctx, "doc1", 1, Operation{
		BaseVersion: 1,
		Components:  delta.Delta{delta.Retain(2), delta.Insert("XY")},
	})
	require.NoError(t, err)

	state, err = content.GetContentSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "ABXY", state.Content)
	assert.Equal(t, uint64(2), state.Version)

	// 与快照+日志全量重放一致
	content.Invalidate("doc1")
	rebuilt, err := content.GetContentSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "ABXY", rebuilt.Content)
}

type failingLog struct {
	*oplog.MemoryLog
	failAppend bool
}

func (l *failingLog) AppendCommitted(ctx context.Context, op oplog.CommittedOp) error {
	if l.failAppend {
		return oplog.ErrStorage
	}
	return l.MemoryLog.AppendCommitted(ctx, op)
}

func TestSubmitAppendFailureInvalidatesBuffer(t *testing.T) {
	snap := newFakeSnapshots()
	log := &failingLog{MemoryLog: oplog.NewMemoryLog()}
	locker := lock.NewMemoryLocker(time.Second, 5*time.Millisecond)
	content := NewBufferedContent(snap, log, zerolog.Nop())
	eng := NewEngine(log, locker, content, fakeDocs{exists: true, authorized: true}, nil, Config{}, zerolog.Nop())
	ctx := context.Background()

	_, err := eng.Submit(ctx, "doc1", 1, Operation{
		BaseVersion: 0,
		Components:  delta.Delta{delta.Insert("hello")},
	})
	require.NoError(t, err)

	// 追加失败：缓冲已经改过，必须整个作废，不能带着未提交的内容活下去
	log.failAppend = true
	_, err = eng.Submit(ctx, "doc1", 1, Operation{
		BaseVersion: 1,
		Components:  delta.Delta{delta.Retain(5), delta.Insert("!")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, oplog.ErrStorage))

	state, err := content.GetContentSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "hello", state.Content)
	assert.Equal(t, uint64(1), state.Version)

	// 存储恢复后重试原操作应当成功
	log.failAppend = false
	_, err = eng.Submit(ctx, "doc1", 1, Operation{
		BaseVersion: 1,
		Components:  delta.Delta{delta.Retain(5), delta.Insert("!")},
	})
	require.NoError(t, err)
	state, err = content.GetContentSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "hello!", state.Content)
}
