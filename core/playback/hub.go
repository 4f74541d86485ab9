package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"EchoFM/logger"

	"github.com/gorilla/websocket"
)

// Transport 会话传输层抽象：定点发送与按用户扇出
// 发送都是尽力而为，不等待、不重试；对端不可达由心跳超时兜底
type Transport interface {
	SendToConnection(connectionID string, msg *WSMessage) error
	BroadcastToUser(userID int64, msg *WSMessage, excludeConnectionID string)
}

// Client WebSocket 客户端连接
type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan []byte
	ConnID   string
	UserID   int64
	Username string
}

// Hub 播放协调 WebSocket 管理中心
// 一个用户可以同时持有多个连接（每个设备一个）
type Hub struct {
	// 连接ID -> 客户端
	conns map[string]*Client

	// 用户 -> 连接集合
	userConns map[int64]map[string]*Client

	// 注册/注销通道
	register   chan *Client
	unregister chan *Client

	// 连接关闭回调（由协调器注入，用于清理设备会话）
	onDisconnect func(connectionID string)

	// 互斥锁
	mu sync.RWMutex

	// 关闭信号
	done chan struct{}
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		conns:      make(map[string]*Client),
		userConns:  make(map[int64]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetDisconnectHandler 设置连接关闭回调
func (h *Hub) SetDisconnectHandler(fn func(connectionID string)) {
	h.onDisconnect = fn
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	close(h.done)
}

// registerClient 注册客户端连接
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.conns[client.ConnID] = client
	if h.userConns[client.UserID] == nil {
		h.userConns[client.UserID] = make(map[string]*Client)
	}
	h.userConns[client.UserID][client.ConnID] = client
	h.mu.Unlock()

	logger.Info("连接已注册",
		logger.String("connId", client.ConnID),
		logger.Int64("userId", client.UserID),
		logger.String("username", client.Username))
}

// unregisterClient 注销客户端连接
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	removed := false
	if _, ok := h.conns[client.ConnID]; ok {
		delete(h.conns, client.ConnID)
		if conns, ok := h.userConns[client.UserID]; ok {
			delete(conns, client.ConnID)
			if len(conns) == 0 {
				delete(h.userConns, client.UserID)
			}
		}
		close(client.Send)
		removed = true
	}
	h.mu.Unlock()

	if !removed {
		return
	}

	// 回调在锁外执行，协调器里会再次进入注册表自己的锁
	if h.onDisconnect != nil {
		h.onDisconnect(client.ConnID)
	}

	logger.Info("连接已注销",
		logger.String("connId", client.ConnID),
		logger.Int64("userId", client.UserID))
}

// cleanup 清理所有连接
func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.conns {
		close(client.Send)
	}
	h.conns = make(map[string]*Client)
	h.userConns = make(map[int64]map[string]*Client)
}

// Register 注册客户端连接
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister 注销客户端连接
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SendToConnection 定点发送消息给指定连接
func (h *Hub) SendToConnection(connectionID string, msg *WSMessage) error {
	h.mu.RLock()
	client := h.conns[connectionID]
	h.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("connection not found: %s", connectionID)
	}

	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for connection: %s", connectionID)
	}
}

// BroadcastToUser 向用户的所有连接扇出消息，可排除一个连接（通常是消息来源）
func (h *Hub) BroadcastToUser(userID int64, msg *WSMessage, excludeConnectionID string) {
	h.mu.RLock()
	conns, ok := h.userConns[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}

	// 复制客户端列表以避免发送时持有锁
	clients := make([]*Client, 0, len(conns))
	for connID, client := range conns {
		if connID == excludeConnectionID {
			continue
		}
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Warn("序列化扇出消息失败", logger.ErrorField(err))
		return
	}

	for _, client := range clients {
		select {
		case client.Send <- data:
		default:
			// 缓冲区满，丢弃；慢连接不能拖住其他连接的处理
			logger.Warn("发送缓冲区满，消息丢弃",
				logger.String("connId", client.ConnID),
				logger.Int64("userId", client.UserID))
		}
	}
}

// ========== Client 方法 ==========

// ReadPump 读取消息循环
func (c *Client) ReadPump(ctx context.Context, handler func(ctx context.Context, client *Client, msg *WSMessage)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(8192) // 8KB，队列快照可能较大
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.Conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn("websocket read error",
						logger.ErrorField(err),
						logger.String("connId", c.ConnID),
						logger.Int64("userId", c.UserID))
				}
				return
			}

			var msg WSMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				logger.Warn("invalid message format",
					logger.ErrorField(err),
					logger.String("connId", c.ConnID))
				continue
			}

			handler(ctx, c, &msg)
		}
	}
}

// WritePump 写入消息循环
func (c *Client) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 合并发送队列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
