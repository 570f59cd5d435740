package ws

import (
	"time"

	"collabCore/backend/internal/ot/delta"
)

// 客户端 → 服务端
type ClientMessage struct {
	Type          string       `json:"type"`
	DocID         string       `json:"docId,omitempty"`
	OperationID   string       `json:"operationId,omitempty"`
	BaseVersion   uint64       `json:"baseVersion"`
	Components    delta.Delta  `json:"components,omitempty"`
	ClientVersion uint64       `json:"clientVersion"`
	Cursor        *CursorState `json:"cursor,omitempty"`
	IsTyping      bool         `json:"isTyping"`
}

type CursorState struct {
	Position       int  `json:"position"`
	HasSelection   bool `json:"hasSelection"`
	SelectionStart *int `json:"selectionStart,omitempty"`
	SelectionEnd   *int `json:"selectionEnd,omitempty"`
}

type UserPresence struct {
	UserID      uint64 `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	IsTyping    bool   `json:"isTyping"`
}

// 出站消息接口（写循环按它统一编码）
type OutboundMessage interface {
	MessageType() string
}

// ServerMessage 通用信息帧：welcome / feedback / ignored
type ServerMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// ErrorMessage 所有失败路径的统一出口：短码 + 用户可见的简短消息，
// 绝不把组件层的原始错误透传给客户端。
type ErrorMessage struct {
	Type    string `json:"type"` // 固定 "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

type JoinOKMessage struct {
	Type    string         `json:"type"` // 固定 "join_ok"
	DocID   string         `json:"docId"`
	Content string         `json:"content"`
	Version uint64         `json:"version"`
	Users   []UserPresence `json:"users"`
}

// OpAppliedMessage 提交方收到的回执：最终落库形态（可能已被 rebase）。
type OpAppliedMessage struct {
	Type        string      `json:"type"` // 固定 "op_applied"
	DocID       string      `json:"docId"`
	OperationID string      `json:"operationId"`
	BaseVersion uint64      `json:"baseVersion"`
	Components  delta.Delta `json:"components"`
}

// OpBroadcastMessage 推送给同文档其他连接的已提交操作。
type OpBroadcastMessage struct {
	Type        string      `json:"type"` // 固定 "op_broadcast"
	DocID       string      `json:"docId"`
	OperationID string      `json:"operationId"`
	AuthorID    uint64      `json:"userId"`
	BaseVersion uint64      `json:"baseVersion"`
	Components  delta.Delta `json:"components"`
	AppliedAt   time.Time   `json:"appliedAt,omitempty"`
}

type UserJoinedMessage struct {
	Type  string       `json:"type"` // 固定 "user_joined"
	DocID string       `json:"docId"`
	User  UserPresence `json:"user"`
}

type UserLeftMessage struct {
	Type   string `json:"type"` // 固定 "user_left"
	DocID  string `json:"docId"`
	UserID uint64 `json:"userId"`
}

type CursorMessage struct {
	Type   string      `json:"type"` // 固定 "cursor"
	DocID  string      `json:"docId"`
	UserID uint64      `json:"userId"`
	Cursor CursorState `json:"cursor"`
}

type TypingMessage struct {
	Type     string `json:"type"` // 固定 "typing"
	DocID    string `json:"docId"`
	UserID   uint64 `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// SyncSnapshotMessage 追平响应（全量）：增量为空或太长时用。
type SyncSnapshotMessage struct {
	Type    string `json:"type"` // 固定 "sync_snapshot"
	DocID   string `json:"docId"`
	Content string `json:"content"`
	Version uint64 `json:"version"`
}

// SyncOpsMessage 追平响应（增量）：按版本升序。
type SyncOpsMessage struct {
	Type  string   `json:"type"` // 固定 "sync_ops"
	DocID string   `json:"docId"`
	Ops   []SyncOp `json:"ops"`
}

type SyncOp struct {
	OperationID string      `json:"operationId"`
	AuthorID    uint64      `json:"userId"`
	BaseVersion uint64      `json:"baseVersion"`
	Components  delta.Delta `json:"components"`
}

func (m ServerMessage) MessageType() string       { return m.Type }
func (m ErrorMessage) MessageType() string        { return m.Type }
func (m JoinOKMessage) MessageType() string       { return m.Type }
func (m OpAppliedMessage) MessageType() string    { return m.Type }
func (m OpBroadcastMessage) MessageType() string  { return m.Type }
func (m UserJoinedMessage) MessageType() string   { return m.Type }
func (m UserLeftMessage) MessageType() string     { return m.Type }
func (m CursorMessage) MessageType() string       { return m.Type }
func (m TypingMessage) MessageType() string       { return m.Type }
func (m SyncSnapshotMessage) MessageType() string { return m.Type }
func (m SyncOpsMessage) MessageType() string      { return m.Type }
