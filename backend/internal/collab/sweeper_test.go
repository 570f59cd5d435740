package collab

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabCore/backend/internal/cache"
	"collabCore/backend/internal/lock"
	"collabCore/backend/internal/oplog"
	"collabCore/backend/internal/ot/delta"
)

type fakePresence struct {
	active []string
}

func (f *fakePresence) AddMember(context.Context, string, uint64, string, time.Duration) error {
	return nil
}
func (f *fakePresence) RemoveMember(context.Context, string, uint64) error { return nil }
func (f *fakePresence) GetAliveMembers(context.Context, string) ([]cache.PresenceMember, error) {
	return nil, nil
}
func (f *fakePresence) GetActiveDocuments(context.Context) ([]string, error) {
	return f.active, nil
}
func (f *fakePresence) SetCursor(context.Context, string, uint64, []byte, time.Duration) error {
	return nil
}

type fakeLocalPresence struct {
	active []string
}

func (f *fakeLocalPresence) ActiveDocuments() []string { return f.active }

func TestSweeperReclaimsIdleDocuments(t *testing.T) {
	ctx := context.Background()
	snap := newFakeSnapshots()
	log := oplog.NewMemoryLog()
	content := NewBufferedContent(snap, log, zerolog.Nop())
	seedOps(t, log, "idle", 3)
	seedOps(t, log, "busy", 2)
	seedOps(t, log, "local", 1)

	// busy 在共享在线状态里活跃，local 只有本进程连接在看
	presence := &fakePresence{active: []string{"busy"}}
	local := &fakeLocalPresence{active: []string{"local"}}
	sweeper := NewSweeper(log, content, presence, local, time.Minute, zerolog.Nop())
	require.NoError(t, sweeper.sweepOnce(ctx))

	// 空闲文档：快照落盘，快照版本之前的日志被裁掉
	snapContent, snapVersion, err := snap.LoadLatest(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, "xxx", snapContent)
	assert.Equal(t, uint64(3), snapVersion)
	ops, err := log.OpsSince(ctx, "idle", 0)
	require.NoError(t, err)
	assert.Empty(t, ops)

	// 版本权威不回退
	latest, err := log.LatestVersion(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest)

	// 有活跃会话的文档不动（共享状态活跃或本地连接活跃都算）
	_, _, err = snap.LoadLatest(ctx, "busy")
	require.NoError(t, err)
	ops, err = log.OpsSince(ctx, "busy", 0)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
	ops, err = log.OpsSince(ctx, "local", 0)
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	// 裁剪之后追平走快照路径，晚到的客户端不会拿到带缺口的增量
	locker := lock.NewMemoryLocker(time.Second, 5*time.Millisecond)
	eng := NewEngine(log, locker, content, fakeDocs{exists: true, authorized: true}, nil, Config{}, zerolog.Nop())
	res, err := eng.SyncSince(ctx, "idle", 1)
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, "xxx", res.Snapshot.Content)

	// 裁剪后仍可正常提交
	committed, err := eng.Submit(ctx, "idle", 9, Operation{
		BaseVersion: 3,
		Components:  delta.Delta{delta.Retain(3), delta.Insert("!")},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), committed.BaseVersion)
	state, err := content.GetContentSnapshot(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, "xxx!", state.Content)
	assert.Equal(t, uint64(4), state.Version)
}
