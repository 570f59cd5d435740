package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 跨进程的在线状态：进程内的 Hub 只看得到本进程的连接，
// 多副本部署时靠它回答"这个文档还有没有活跃会话"。
// 一致性要求是 best-effort：过期数据会在下一次心跳或断开时自愈。
type PresenceCache interface {
	AddMember(ctx context.Context, docID string, userID uint64, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID string, userID uint64) error
	GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
	GetActiveDocuments(ctx context.Context) ([]string, error)
	SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error
}

type PresenceMember struct {
	UserID      uint64
	DisplayName string
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// AddMember 加入/心跳共用：score 写成新的逻辑过期时间即可续约。
func (p *redisPresence) AddMember(ctx context.Context, docID string, userID uint64, displayName string, ttl time.Duration) error {
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, displayName)
	tx.SAdd(ctx, docsKey(), docID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID string, userID uint64) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), strconv.FormatUint(userID, 10))
	tx.Del(ctx, cursorKey(docID, userID))
	_, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	// 房间空了就从文档索引摘掉（有竞态也没关系，下次 AddMember 会补回）
	n, err := p.rdb.ZCard(ctx, roomKey(docID)).Result()
	if err == nil && n == 0 {
		_ = p.rdb.SRem(ctx, docsKey(), docID).Err()
	}
	return nil
}

// 清理过期成员 + 查询在线成员要原子做，否则两个副本同时清理会互相覆盖。
const reapMembersScript = `
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = namesKey(docID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`

func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	now := time.Now().Unix()

	script := redis.NewScript(reapMembersScript)
	if _, err := script.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, idStr := range aliveIDs {
		uid, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{UserID: uid, DisplayName: name})
	}
	return members, nil
}

func (p *redisPresence) GetActiveDocuments(ctx context.Context) ([]string, error) {
	docs, err := p.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	// 只保留仍有在线成员的文档
	active := docs[:0]
	for _, docID := range docs {
		members, err := p.GetAliveMembers(ctx, docID)
		if err != nil {
			return nil, err
		}
		if len(members) > 0 {
			active = append(active, docID)
		} else {
			_ = p.rdb.SRem(ctx, docsKey(), docID).Err()
		}
	}
	return active, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}
