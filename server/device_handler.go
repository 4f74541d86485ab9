package server

import (
	"net/http"

	"EchoFM/logger"
)

// GetDevicesHandler 返回当前用户已注册的设备列表快照
// HTTP 侧没有连接身份，isCurrentDevice 恒为 false
func (h *APIHandler) GetDevicesHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	devices := h.coordinator.ListDevices(userID, "")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
	})
}

// GetActivePlayerHandler 返回当前用户的活跃播放器，无则为 null
func (h *APIHandler) GetActivePlayerHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	deviceID := h.coordinator.ActivePlayer(userID)
	logger.Debug("[Devices] 查询活跃播放器", logger.Int64("userId", userID))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"activePlayer": deviceID,
	})
}
