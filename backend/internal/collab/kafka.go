package collab

import (
	"time"

	"collabCore/backend/internal/ot/delta"
)

// DocOpEvent 跨进程广播的"已提交操作"事件。
// Origin 是产生事件的进程 ID，消费端据此丢弃自己发出的事件
// （本进程的连接已经由 Hub 直接广播过了）。
type DocOpEvent struct {
	EventType   string      `json:"eventType"` // 固定 "OP_COMMITTED"
	Origin      string      `json:"origin"`
	DocID       string      `json:"docId"`
	OperationID string      `json:"operationId"`
	AuthorID    uint64      `json:"authorId"`
	BaseVersion uint64      `json:"baseVersion"`
	Components  delta.Delta `json:"components"`
	AppliedAt   time.Time   `json:"appliedAt"`
}

const eventTypeOpCommitted = "OP_COMMITTED"
