package collab

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"collabCore/backend/internal/cache"
	"collabCore/backend/internal/oplog"
)

// LocalPresence 本进程的活跃文档来源（ws 层的 Hub 实现它）。
// Redis 在线状态是逻辑过期的，本地连接表是硬事实，两边都要看。
type LocalPresence interface {
	ActiveDocuments() []string
}

// Sweeper 周期性回收没有活跃会话的文档的操作日志：
// 先落一份内容快照，再裁掉快照版本之前的操作记录。
// 版本计数永不回退，迟到的客户端走快照重同步。
type Sweeper struct {
	log      oplog.Log
	content  ContentStore
	presence cache.PresenceCache
	local    LocalPresence // 可为 nil
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(log oplog.Log, content ContentStore, presence cache.PresenceCache, local LocalPresence, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		log:      log,
		content:  content,
		presence: presence,
		local:    local,
		interval: interval,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run 阻塞运行直到 ctx 取消。间隔带 ±25% 抖动，
// 多副本不会同一时刻一起扫库。单轮失败只记日志，不终止循环。
func (s *Sweeper) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(s.jittered())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := s.sweepOnce(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("sweep pass failed")
		}
	}
}

func (s *Sweeper) jittered() time.Duration {
	quarter := s.interval / 4
	return s.interval - quarter + time.Duration(rand.Int63n(int64(2*quarter)+1))
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	docs, err := s.log.Documents(ctx)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	activeDocs, err := s.presence.GetActiveDocuments(ctx)
	if err != nil {
		return err
	}
	active := make(map[string]struct{}, len(activeDocs))
	for _, docID := range activeDocs {
		active[docID] = struct{}{}
	}
	if s.local != nil {
		for _, docID := range s.local.ActiveDocuments() {
			active[docID] = struct{}{}
		}
	}

	for _, docID := range docs {
		if _, ok := active[docID]; ok {
			continue
		}
		if err := s.reclaim(ctx, docID); err != nil {
			// 单个文档失败不影响本轮其余文档
			s.logger.Warn().Err(err).Str("docId", docID).Msg("reclaim failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Sweeper) reclaim(ctx context.Context, docID string) error {
	// 先落快照，再裁日志。顺序不能反：裁了再落失败就真丢数据了。
	if err := s.content.SaveSnapshot(ctx, docID); err != nil {
		return err
	}
	state, err := s.content.GetContentSnapshot(ctx, docID)
	if err != nil {
		return err
	}
	if err := s.log.TrimThrough(ctx, docID, state.Version); err != nil {
		return err
	}
	s.logger.Info().Str("docId", docID).Uint64("version", state.Version).Msg("operation log reclaimed")
	return nil
}
