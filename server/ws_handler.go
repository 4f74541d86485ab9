package server

import (
	"context"
	"net/http"
	"strings"

	"EchoFM/core/auth"
	"EchoFM/core/playback"
	"EchoFM/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// PlaybackWSHandler 处理播放协调 WebSocket 连接
// 认证支持两种方式：query 参数 token=... 或 Authorization: Bearer 头；
// 升级成功后连接才进入 Hub，未认证的请求在升级前就被拒绝
func (h *APIHandler) PlaybackWSHandler(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		authHeader := r.Header.Get("Authorization")
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			tokenStr = parts[1]
		}
	}
	if tokenStr == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}

	claims, err := auth.ParseToken(tokenStr)
	if err != nil {
		logger.Warn("[PlaybackWS] Token验证失败", logger.ErrorField(err))
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("[PlaybackWS] WebSocket升级失败", logger.ErrorField(err))
		return
	}

	client := &playback.Client{
		Hub:      h.hub,
		Conn:     conn,
		Send:     make(chan []byte, 64),
		ConnID:   uuid.NewString(),
		UserID:   claims.UserID,
		Username: claims.Username,
	}
	h.hub.Register(client)

	logger.Info("[PlaybackWS] 连接建立",
		logger.String("connId", client.ConnID),
		logger.Int64("userId", client.UserID),
		logger.String("username", client.Username))

	go client.WritePump()
	// 连接生命周期长于本次请求，不能沿用请求上下文
	go client.ReadPump(context.Background(), func(ctx context.Context, c *playback.Client, msg *playback.WSMessage) {
		h.coordinator.HandleMessage(ctx, c.ConnID, c.UserID, msg)
	})
}
