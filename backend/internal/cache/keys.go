package cache

import "fmt"

// 键语义：
// - roomKey(docID):   房间在线成员（ZSet<userId, expireAtUnix>，score=逻辑过期时间）
// - namesKey(docID):  房间内 userId→displayName 映射（Hash）
// - cursorKey(...):   单个成员的光标状态（String，带 TTL）
// - keyDocsSet:       有活跃会话的文档索引（Set<docID>），供清扫器扫描

const (
	keyRoomFmt   = "collab:presence:room:{%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "collab:presence:room:names:{%s}" // Hash<userId -> displayName>
	keyCursorFmt = "collab:presence:cursor:{%s}:%d"  // String（JSON），带 TTL
	keyDocsSet   = "collab:presence:docs"            // Set<docID>
)

func roomKey(docID string) string                  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string                 { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID string, userID uint64) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
func docsKey() string                              { return keyDocsSet }
