package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabCore/backend/internal/collab"
)

// 允许本地开发环境的来源；生产部署前收紧。
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type ManagerOptions struct {
	// SubmitTimeout 单次提交（含等锁）的上限
	SubmitTimeout time.Duration
	// PresenceTTL 在线状态/光标的逻辑过期窗口
	PresenceTTL time.Duration
}

type Manager struct {
	hub    *Hub
	svc    collab.Service
	sem    *collab.SemaphoreControl
	opt    ManagerOptions
	logger zerolog.Logger
}

func NewManager(hub *Hub, svc collab.Service, sem *collab.SemaphoreControl, opt ManagerOptions, logger zerolog.Logger) *Manager {
	if opt.SubmitTimeout <= 0 {
		opt.SubmitTimeout = 35 * time.Second
	}
	if opt.PresenceTTL <= 0 {
		opt.PresenceTTL = 600 * time.Second
	}
	return &Manager{
		hub:    hub,
		svc:    svc,
		sem:    sem,
		opt:    opt,
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

// WebSocketConnect 升级连接并驱动协议循环。
// userId/username 由鉴权中间件写入 gin.Context。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	conn := NewConn(ws, m.hub, m.svc, m.sem, uuid.NewString(), userID, username,
		m.opt.SubmitTimeout, m.opt.PresenceTTL, m.logger)

	// 先起写循环，welcome 和后续入队的消息才发得出去
	go conn.writeLoop()
	conn.enqueue(ServerMessage{Type: "welcome", Content: "connected"})

	// 读循环阻塞至连接关闭
	conn.readLoop(c.Request.Context())

	// 断开清理：退房广播 + 在线状态摘除，失败不向传输层传播。
	// 请求 ctx 此时可能已取消，清理用不可取消的 ctx。
	// 先摘出房间再关发送队列，摘除前打进来的广播只会被静默丢弃。
	conn.leave(context.WithoutCancel(c.Request.Context()))
	conn.closeSend()
}
