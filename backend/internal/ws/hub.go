package ws

import (
	"sync"
	"time"

	"collabCore/backend/internal/cache"
	"collabCore/backend/internal/collab"
)

// ConnectionEntry 一条连接的在线状态。连接断开即销毁，
// 重连后颜色/打字状态重新生成，不做跨连接保留。
type ConnectionEntry struct {
	ConnID      string
	DocID       string
	UserID      uint64
	DisplayName string
	Color       string
	JoinedAt    time.Time
	IsTyping    bool
}

var presenceColors = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#46f0f0", "#f032e6", "#bcf60c", "#008080", "#9a6324",
}

// Hub 连接/文档/在线状态的三向索引。
// 三个 map 只在同一把锁下一起更新，连接不会出现在一个索引
// 却不在另一个索引里。
type Hub struct {
	// 跨进程共享的在线状态（Redis）。本身不存数据，
	// 提供对外部存储的读写能力。
	presence cache.PresenceCache

	mu sync.RWMutex
	// docID -> connID -> conn。一个用户可开多个标签页/设备，
	// 广播要逐连接发，不能按 userID 发一次。
	rooms   map[string]map[string]*Conn
	conns   map[string]*Conn
	entries map[string]ConnectionEntry

	colorSeq int
}

func NewHub(presence cache.PresenceCache) *Hub {
	return &Hub{
		presence: presence,
		rooms:    make(map[string]map[string]*Conn),
		conns:    make(map[string]*Conn),
		entries:  make(map[string]ConnectionEntry),
	}
}

// Track 把连接登记进文档房间，分配颜色，三个索引一起更新。
func (h *Hub) Track(c *Conn, docID string) ConnectionEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := ConnectionEntry{
		ConnID:      c.connID,
		DocID:       docID,
		UserID:      c.userID,
		DisplayName: c.username,
		Color:       presenceColors[h.colorSeq%len(presenceColors)],
		JoinedAt:    time.Now(),
	}
	h.colorSeq++

	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[string]*Conn)
	}
	h.rooms[docID][c.connID] = c
	h.conns[c.connID] = c
	h.entries[c.connID] = entry
	return entry
}

// Remove 反向撤销三个索引；房间空了就把文档从活跃集合里摘掉。
// 返回被移除的登记项，供 user_left 广播用。
func (h *Hub) Remove(connID string) (ConnectionEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[connID]
	if !ok {
		return ConnectionEntry{}, false
	}
	delete(h.entries, connID)
	delete(h.conns, connID)
	if room, ok := h.rooms[entry.DocID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, entry.DocID)
		}
	}
	return entry, true
}

func (h *Hub) Entry(connID string) (ConnectionEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.entries[connID]
	return entry, ok
}

// SetTyping 打字标志走 Hub 的原子更新，不做散落的共享字段，
// 避免和断开清理互相踩。
func (h *Hub) SetTyping(connID string, typing bool) (ConnectionEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[connID]
	if !ok {
		return ConnectionEntry{}, false
	}
	entry.IsTyping = typing
	h.entries[connID] = entry
	return entry, true
}

// EntriesFor 文档当前的全部在线登记项（活跃用户列表用）。
func (h *Hub) EntriesFor(docID string) []ConnectionEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[docID]
	out := make([]ConnectionEntry, 0, len(room))
	for connID := range room {
		out = append(out, h.entries[connID])
	}
	return out
}

func (h *Hub) ActiveDocuments() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms))
	for docID := range h.rooms {
		out = append(out, docID)
	}
	return out
}

// Broadcast 发给文档房间内除 exceptConnID 外的所有连接。
// exceptConnID 传空串表示发给全员。
func (h *Hub) Broadcast(docID, exceptConnID string, msg OutboundMessage) {
	h.mu.RLock()
	room := h.rooms[docID]
	targets := make([]*Conn, 0, len(room))
	for connID, c := range room {
		if connID != exceptConnID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(msg)
	}
}

// BroadcastRemoteOp 其他进程提交的操作到达本进程（Kafka 消费端回调）。
func (h *Hub) BroadcastRemoteOp(evt collab.DocOpEvent) {
	h.Broadcast(evt.DocID, "", OpBroadcastMessage{
		Type:        "op_broadcast",
		DocID:       evt.DocID,
		OperationID: evt.OperationID,
		AuthorID:    evt.AuthorID,
		BaseVersion: evt.BaseVersion,
		Components:  evt.Components,
		AppliedAt:   evt.AppliedAt,
	})
}
