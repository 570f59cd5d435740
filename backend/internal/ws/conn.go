package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabCore/backend/internal/collab"
	"collabCore/backend/internal/lock"
	"collabCore/backend/internal/oplog"
	"collabCore/backend/internal/ot/delta"
)

var errNotJoined = errors.New("NOT_JOINED")

// Conn 单条 WebSocket 连接的协议状态机：
// Disconnected → Connected → Joined(docID) → Disconnected。
// docID 为空串即"已连接未加入"，此时提交操作是错误而不是静默忽略。
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	svc      collab.Service
	sem      *collab.SemaphoreControl
	logger   zerolog.Logger
	connID   string
	userID   uint64
	username string

	// 只在 readLoop goroutine 里读写
	docID string

	// send 的关闭与入队必须互斥：读循环结束到连接摘出房间之间
	// 仍可能有广播打进来，不能砸在已关闭的 channel 上。
	sendMu     sync.Mutex
	sendClosed bool
	send       chan OutboundMessage

	submitTimeout time.Duration
	presenceTTL   time.Duration
}

func NewConn(ws *websocket.Conn, hub *Hub, svc collab.Service, sem *collab.SemaphoreControl, connID string, userID uint64, username string, submitTimeout, presenceTTL time.Duration, logger zerolog.Logger) *Conn {
	return &Conn{
		ws:            ws,
		hub:           hub,
		svc:           svc,
		sem:           sem,
		logger:        logger.With().Str("connId", connID).Uint64("userId", userID).Logger(),
		connID:        connID,
		userID:        userID,
		username:      username,
		send:          make(chan OutboundMessage, 32),
		submitTimeout: submitTimeout,
		presenceTTL:   presenceTTL,
	}
}

// enqueue 入队出站消息；队列满或连接已收尾直接丢
// （慢消费者和正在断开的连接都不拖垮广播方）。
func (c *Conn) enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// closeSend 终止写循环。只能在连接已从 Hub 摘除之后调用，幂等。
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// fail 把任意内部错误折叠成带错误码的用户可见帧。
func (c *Conn) fail(err error) {
	code, msg := errorCode(err)
	c.enqueue(ErrorMessage{Type: "error", Code: code, Message: msg})
}

// errorCode 错误分级的唯一出口：
// 原始错误不出站，只给短码和一句话。
func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, collab.ErrNotFound):
		return "NOT_FOUND", "document does not exist"
	case errors.Is(err, collab.ErrPermissionDenied):
		return "PERMISSION_DENIED", "no access to this document"
	case errors.Is(err, errNotJoined):
		return "NOT_JOINED", "join a document first"
	case errors.Is(err, lock.ErrLockTimeout):
		// 瞬态：锁从未持有，什么都没变，重试安全
		return "LOCK_TIMEOUT", "document busy, please retry"
	case errors.Is(err, delta.ErrInvalidComponent):
		return "INVALID_OPERATION", "operation components are invalid"
	case errors.Is(err, oplog.ErrVersionConflict):
		return "VERSION_CONFLICT", "document version moved, resync required"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CANCELLED", "request cancelled"
	case errors.Is(err, oplog.ErrStorage):
		return "STORAGE_ERROR", "temporary storage failure, please retry"
	default:
		return "INTERNAL", "internal error"
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.logger.Debug().Err(err).Str("docId", c.docID).Msg("read loop closed")
			return
		}

		switch msg.Type {
		case "join_document":
			c.handleJoin(ctx, msg.DocID)

		case "leave_document":
			c.leave(ctx)

		case "op_submit":
			c.handleSubmit(ctx, msg)

		case "sync_request":
			c.handleSync(ctx, msg.ClientVersion)

		case "cursor":
			c.handleCursor(ctx, msg.Cursor)

		case "typing":
			c.handleTyping(msg.IsTyping)

		case "heartbeat":
			c.handleHeartbeat(ctx)

		default:
			c.enqueue(ServerMessage{Type: "ignored", Content: "unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			c.logger.Debug().Err(err).Msg("write failed")
			return
		}
	}
}

// handleJoin 失败时连接保持未加入状态；换房间先退旧房。
func (c *Conn) handleJoin(ctx context.Context, docID string) {
	if docID == "" {
		c.enqueue(ErrorMessage{Type: "error", Code: "INVALID_OPERATION", Message: "docId is required"})
		return
	}

	state, err := c.svc.Join(ctx, docID, c.userID)
	if err != nil {
		c.fail(err)
		return
	}

	if c.docID != "" {
		c.leave(ctx)
	}

	entry := c.hub.Track(c, docID)
	c.docID = docID

	if err := c.hub.presence.AddMember(ctx, docID, c.userID, c.username, c.presenceTTL); err != nil {
		// 在线状态是 best-effort，下一次心跳会自愈
		c.logger.Warn().Err(err).Str("docId", docID).Msg("presence add failed")
	}

	c.hub.Broadcast(docID, c.connID, UserJoinedMessage{
		Type:  "user_joined",
		DocID: docID,
		User:  presenceOf(entry),
	})

	entries := c.hub.EntriesFor(docID)
	users := make([]UserPresence, 0, len(entries))
	seen := make(map[uint64]struct{}, len(entries))
	for _, e := range entries {
		users = append(users, presenceOf(e))
		seen[e.UserID] = struct{}{}
	}
	// 连在其他副本上的成员从共享缓存补齐；本地登记优先
	// （颜色/打字状态只有本进程知道）。缓存失败不挡加入。
	if members, err := c.hub.presence.GetAliveMembers(ctx, docID); err != nil {
		c.logger.Warn().Err(err).Str("docId", docID).Msg("presence members fetch failed")
	} else {
		for _, m := range members {
			if _, ok := seen[m.UserID]; ok {
				continue
			}
			users = append(users, UserPresence{UserID: m.UserID, DisplayName: m.DisplayName})
		}
	}
	c.enqueue(JoinOKMessage{
		Type:    "join_ok",
		DocID:   docID,
		Content: state.Content,
		Version: state.Version,
		Users:   users,
	})
}

// leave 断开/退房共用。清理失败只记日志：
// 从客户端视角，断开永远不会"失败"。
func (c *Conn) leave(ctx context.Context) {
	if c.docID == "" {
		return
	}
	docID := c.docID
	c.docID = ""

	entry, ok := c.hub.Remove(c.connID)
	if ok {
		c.hub.Broadcast(docID, c.connID, UserLeftMessage{
			Type:   "user_left",
			DocID:  docID,
			UserID: entry.UserID,
		})
	}
	if err := c.hub.presence.RemoveMember(ctx, docID, c.userID); err != nil {
		c.logger.Warn().Err(err).Str("docId", docID).Msg("presence remove failed")
	}
}

func (c *Conn) handleSubmit(ctx context.Context, msg ClientMessage) {
	if c.docID == "" {
		c.fail(errNotJoined)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.fail(err)
		return
	}
	defer c.sem.Release()

	committed, err := c.svc.Submit(submitCtx, c.docID, c.userID, collab.Operation{
		OperationID: msg.OperationID,
		BaseVersion: msg.BaseVersion,
		Components:  msg.Components,
	})
	if err != nil {
		c.fail(err)
		return
	}

	c.enqueue(OpAppliedMessage{
		Type:        "op_applied",
		DocID:       c.docID,
		OperationID: committed.OperationID,
		BaseVersion: committed.BaseVersion,
		Components:  committed.Components,
	})
	c.hub.Broadcast(c.docID, c.connID, OpBroadcastMessage{
		Type:        "op_broadcast",
		DocID:       c.docID,
		OperationID: committed.OperationID,
		AuthorID:    committed.AuthorID,
		BaseVersion: committed.BaseVersion,
		Components:  committed.Components,
		AppliedAt:   committed.AppliedAt,
	})
}

func (c *Conn) handleSync(ctx context.Context, clientVersion uint64) {
	if c.docID == "" {
		c.fail(errNotJoined)
		return
	}

	result, err := c.svc.SyncSince(ctx, c.docID, clientVersion)
	if err != nil {
		c.fail(err)
		return
	}
	if result.Snapshot != nil {
		c.enqueue(SyncSnapshotMessage{
			Type:    "sync_snapshot",
			DocID:   c.docID,
			Content: result.Snapshot.Content,
			Version: result.Snapshot.Version,
		})
		return
	}
	ops := make([]SyncOp, 0, len(result.Ops))
	for _, op := range result.Ops {
		ops = append(ops, SyncOp{
			OperationID: op.OperationID,
			AuthorID:    op.AuthorID,
			BaseVersion: op.BaseVersion,
			Components:  op.Components,
		})
	}
	c.enqueue(SyncOpsMessage{Type: "sync_ops", DocID: c.docID, Ops: ops})
}

// handleCursor 光标/选区只广播不落库，不碰文档锁；失败记日志不回错。
func (c *Conn) handleCursor(ctx context.Context, cursor *CursorState) {
	if c.docID == "" || cursor == nil {
		return
	}
	// 断开清理可能已并发摘除登记，摘了就不再代表这条连接广播
	if _, ok := c.hub.Entry(c.connID); !ok {
		return
	}
	if data, err := json.Marshal(cursor); err == nil {
		if err := c.hub.presence.SetCursor(ctx, c.docID, c.userID, data, c.presenceTTL); err != nil {
			c.logger.Debug().Err(err).Msg("cursor cache failed")
		}
	}
	c.hub.Broadcast(c.docID, c.connID, CursorMessage{
		Type:   "cursor",
		DocID:  c.docID,
		UserID: c.userID,
		Cursor: *cursor,
	})
}

func (c *Conn) handleTyping(isTyping bool) {
	if c.docID == "" {
		return
	}
	if _, ok := c.hub.SetTyping(c.connID, isTyping); !ok {
		return
	}
	c.hub.Broadcast(c.docID, c.connID, TypingMessage{
		Type:     "typing",
		DocID:    c.docID,
		UserID:   c.userID,
		IsTyping: isTyping,
	})
}

// handleHeartbeat 续约跨进程在线状态。
func (c *Conn) handleHeartbeat(ctx context.Context) {
	if c.docID != "" {
		if err := c.hub.presence.AddMember(ctx, c.docID, c.userID, c.username, c.presenceTTL); err != nil {
			c.logger.Warn().Err(err).Msg("presence refresh failed")
		}
	}
	c.enqueue(ServerMessage{Type: "feedback", Content: "heartbeat received"})
}

func presenceOf(e ConnectionEntry) UserPresence {
	return UserPresence{
		UserID:      e.UserID,
		DisplayName: e.DisplayName,
		Color:       e.Color,
		IsTyping:    e.IsTyping,
	}
}
