package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"EchoFM/cache"
	"EchoFM/logger"
	"EchoFM/model"
)

// Coordinator 多设备播放协调器
// 组合注册表、仲裁器、指令路由器和状态同步器，
// 负责整个消息面的分发；所有状态都是构造注入的，没有包级单例
type Coordinator struct {
	registry  *DeviceRegistry
	arbiter   *ActivePlayerArbiter
	router    *CommandRouter
	sync      *StateSynchronizer
	transport Transport
	devices   *cache.DeviceCache // 可为 nil（无Redis部署或测试）
}

// NewCoordinator 创建播放协调器
func NewCoordinator(transport Transport, policy Policy, deviceCache *cache.DeviceCache) *Coordinator {
	registry := NewDeviceRegistry()
	return &Coordinator{
		registry:  registry,
		arbiter:   NewActivePlayerArbiter(policy),
		router:    NewCommandRouter(registry, transport),
		sync:      NewStateSynchronizer(registry, transport),
		transport: transport,
		devices:   deviceCache,
	}
}

// Registry 返回设备注册表
func (c *Coordinator) Registry() *DeviceRegistry {
	return c.registry
}

// ActivePlayer 返回用户当前的活跃播放器，无则返回 nil
func (c *Coordinator) ActivePlayer(userID int64) *string {
	if deviceID, ok := c.arbiter.Active(userID); ok {
		return &deviceID
	}
	return nil
}

// ListDevices 返回用户的设备列表快照
// connectionID 非空时标记由该连接注册的设备
func (c *Coordinator) ListDevices(userID int64, connectionID string) []DeviceInfo {
	sessions := c.registry.ListByUser(userID)
	devices := make([]DeviceInfo, 0, len(sessions))
	for _, s := range sessions {
		devices = append(devices, DeviceInfo{
			DeviceID:        s.DeviceID,
			DeviceName:      s.DeviceName,
			IsPlaying:       s.IsPlaying,
			CurrentTrack:    s.CurrentTrack,
			CurrentTime:     s.CurrentTime,
			Volume:          s.Volume,
			IsCurrentDevice: connectionID != "" && s.ConnectionID == connectionID,
		})
	}
	return devices
}

// ========== 消息分发 ==========

// HandleMessage 处理一条来自已认证连接的消息
func (c *Coordinator) HandleMessage(ctx context.Context, connectionID string, userID int64, msg *WSMessage) {
	now := time.Now()

	// 任何入站消息都算作该连接所绑定设备的存活证据
	c.registry.TouchConnection(connectionID, now)

	switch msg.Type {
	case MsgTypeDeviceRegister:
		c.handleRegister(ctx, connectionID, userID, msg.Data, now)

	case MsgTypeDeviceHeartbeat:
		c.handleHeartbeat(ctx, connectionID, userID, msg.Data, now)

	case MsgTypeState:
		c.handleState(ctx, connectionID, msg.Data, now)

	case MsgTypeCommand:
		if err := c.router.Route(connectionID, msg.Data); err != nil {
			c.sendError(connectionID, err)
		}

	case MsgTypeRequestState:
		c.handleRequestState(connectionID, userID, msg.Data)

	case MsgTypeDevicesList:
		c.sendDevicesList(connectionID, userID)

	case MsgTypeTransfer:
		c.handleTransfer(connectionID, msg.Data)

	case MsgTypeSetActivePlayer:
		c.handleSetActivePlayer(connectionID, userID, msg.Data)

	default:
		logger.Debug("未知消息类型，忽略",
			logger.String("type", string(msg.Type)),
			logger.String("connId", connectionID))
	}
}

// HandleDisconnect 处理连接关闭：移除其设备会话并修正活跃播放器指针
func (c *Coordinator) HandleDisconnect(connectionID string) {
	session, ok := c.registry.RemoveByConnection(connectionID)
	if !ok {
		// 该连接没有注册设备，或其会话已被新连接替换
		return
	}

	c.removeDeviceMirror(&session)

	if c.arbiter.ClearIfActive(session.UserID, session.DeviceID) {
		c.broadcastActivePlayer(session.UserID, nil, "")
	}
	c.broadcastDevicesList(session.UserID)

	logger.Info("设备会话随连接关闭移除",
		logger.Int64("userId", session.UserID),
		logger.String("deviceId", session.DeviceID))
}

// handleRegister 处理设备注册
func (c *Coordinator) handleRegister(ctx context.Context, connectionID string, userID int64, data json.RawMessage, now time.Time) {
	var reg RegisterData
	if err := json.Unmarshal(data, &reg); err != nil {
		c.sendError(connectionID, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		return
	}
	if err := reg.Validate(); err != nil {
		c.sendError(connectionID, err)
		return
	}

	// 同一连接换了 deviceId：旧会话按断开处理，活跃指针不能悬空
	if prev, ok := c.registry.FindByConnection(connectionID); ok && prev.DeviceID != reg.DeviceID {
		c.removeDeviceMirror(&prev)
		if c.arbiter.ClearIfActive(prev.UserID, prev.DeviceID) {
			c.broadcastActivePlayer(prev.UserID, nil, "")
		}
	}

	session := c.registry.Register(userID, reg.DeviceID, reg.DeviceName, connectionID, now)
	c.setDeviceMirror(ctx, &session)

	if c.arbiter.ElectIfUnset(userID, reg.DeviceID) {
		// 首个注册设备自动当选，广播给该用户的所有连接
		c.broadcastActivePlayer(userID, &session.DeviceID, "")
	} else {
		// 未当选时也要让新设备得知当前的活跃播放器
		c.sendActivePlayer(connectionID, c.ActivePlayer(userID))
	}

	c.broadcastDevicesList(userID)

	logger.Info("设备已注册",
		logger.Int64("userId", userID),
		logger.String("deviceId", reg.DeviceID),
		logger.String("deviceName", reg.DeviceName))
}

// handleHeartbeat 处理设备心跳
func (c *Coordinator) handleHeartbeat(ctx context.Context, connectionID string, userID int64, data json.RawMessage, now time.Time) {
	var hb HeartbeatData
	if err := json.Unmarshal(data, &hb); err != nil {
		return
	}

	// 查找范围限定在发送方用户内，刷新不了其他用户的同名设备
	if !c.registry.Touch(userID, hb.DeviceID, now) {
		return
	}

	if c.devices != nil {
		if err := c.devices.TouchDevicePresence(ctx, userID, hb.DeviceID); err != nil {
			logger.Debug("刷新设备心跳镜像失败", logger.ErrorField(err))
		}
	}
}

// handleState 处理状态上报
func (c *Coordinator) handleState(ctx context.Context, connectionID string, data json.RawMessage, now time.Time) {
	session, ok := c.sync.ReportState(connectionID, data, now)
	if !ok {
		return
	}
	c.setDeviceMirror(ctx, &session)
}

// handleRequestState 请求目标设备立即上报一次状态
func (c *Coordinator) handleRequestState(connectionID string, userID int64, data json.RawMessage) {
	var req RequestStateData
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	// 目标不存在或不属于本用户时按无操作处理
	target, ok := c.registry.Get(userID, req.DeviceID)
	if !ok {
		return
	}

	if err := c.transport.SendToConnection(target.ConnectionID, &WSMessage{
		Type: MsgTypeStateRequest,
	}); err != nil {
		logger.Debug("状态请求转发失败", logger.ErrorField(err))
	}
}

// handleTransfer 处理播放交接
func (c *Coordinator) handleTransfer(connectionID string, data json.RawMessage) {
	var req TransferData
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(connectionID, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		return
	}
	if len(req.ToDeviceID) < 1 || len(req.ToDeviceID) > 100 {
		c.sendError(connectionID, errors.New("toDeviceId must be 1-100 characters"))
		return
	}

	if err := c.router.TransferPlayback(connectionID, req.ToDeviceID, req.WithState); err != nil {
		c.sendError(connectionID, err)
	}
}

// handleSetActivePlayer 处理显式设置活跃播放器
func (c *Coordinator) handleSetActivePlayer(connectionID string, userID int64, data json.RawMessage) {
	var req SetActivePlayerData
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(connectionID, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		return
	}

	if req.DeviceID == nil {
		if !c.arbiter.AllowNull() {
			c.sendError(connectionID, errors.New("clearing active player is disabled"))
			return
		}
		// 合法但值得警惕：清空后该用户暂时没有权威播放设备
		logger.Warn("活跃播放器被显式清空",
			logger.Int64("userId", userID))
		c.arbiter.Clear(userID)
	} else {
		// 用户范围内查找，其他用户的同名设备不可寻址
		if _, ok := c.registry.Get(userID, *req.DeviceID); !ok {
			c.sendError(connectionID, ErrDeviceNotFound)
			return
		}
		c.arbiter.Set(userID, *req.DeviceID)
	}

	// 无论是否发生变化都广播当前结果
	c.broadcastActivePlayer(userID, req.DeviceID, "")
}

// ========== 清扫 ==========

// sweepStale 驱逐所有过期会话；指向被驱逐设备的活跃指针在同一操作内清空并广播
func (c *Coordinator) sweepStale(now time.Time, threshold time.Duration) int {
	evicted := c.registry.EvictStale(now, threshold)
	if len(evicted) == 0 {
		return 0
	}

	notified := make(map[int64]bool)
	for i := range evicted {
		session := &evicted[i]
		c.removeDeviceMirror(session)

		if c.arbiter.ClearIfActive(session.UserID, session.DeviceID) {
			c.broadcastActivePlayer(session.UserID, nil, "")
		}
		if !notified[session.UserID] {
			c.broadcastDevicesList(session.UserID)
			notified[session.UserID] = true
		}

		logger.Info("过期设备会话已驱逐",
			logger.Int64("userId", session.UserID),
			logger.String("deviceId", session.DeviceID),
			logger.Duration("idle", now.Sub(session.LastSeen)))
	}
	return len(evicted)
}

// ========== 发送辅助 ==========

// sendError 回发错误消息给指定连接
func (c *Coordinator) sendError(connectionID string, err error) {
	data, merr := json.Marshal(&ErrorData{Message: err.Error()})
	if merr != nil {
		return
	}
	if serr := c.transport.SendToConnection(connectionID, &WSMessage{
		Type: MsgTypeError,
		Data: data,
	}); serr != nil {
		logger.Debug("错误消息发送失败", logger.ErrorField(serr))
	}
}

// sendActivePlayer 定点发送当前活跃播放器
func (c *Coordinator) sendActivePlayer(connectionID string, deviceID *string) {
	data, err := json.Marshal(&ActivePlayerData{DeviceID: deviceID})
	if err != nil {
		return
	}
	if err := c.transport.SendToConnection(connectionID, &WSMessage{
		Type: MsgTypeActivePlayer,
		Data: data,
	}); err != nil {
		logger.Debug("活跃播放器消息发送失败", logger.ErrorField(err))
	}
}

// broadcastActivePlayer 向用户的所有连接广播活跃播放器
func (c *Coordinator) broadcastActivePlayer(userID int64, deviceID *string, excludeConnectionID string) {
	data, err := json.Marshal(&ActivePlayerData{DeviceID: deviceID})
	if err != nil {
		return
	}
	c.transport.BroadcastToUser(userID, &WSMessage{
		Type: MsgTypeActivePlayer,
		Data: data,
	}, excludeConnectionID)
}

// sendDevicesList 定点发送设备列表（带 isCurrentDevice 标记）
func (c *Coordinator) sendDevicesList(connectionID string, userID int64) {
	devices := c.ListDevices(userID, connectionID)
	data, err := json.Marshal(devices)
	if err != nil {
		return
	}
	if err := c.transport.SendToConnection(connectionID, &WSMessage{
		Type: MsgTypeDevicesList,
		Data: data,
	}); err != nil {
		logger.Debug("设备列表发送失败", logger.ErrorField(err))
	}
}

// broadcastDevicesList 设备集合变化时向用户的所有连接推送最新列表
func (c *Coordinator) broadcastDevicesList(userID int64) {
	devices := c.ListDevices(userID, "")
	data, err := json.Marshal(devices)
	if err != nil {
		return
	}
	c.transport.BroadcastToUser(userID, &WSMessage{
		Type: MsgTypeDevicesList,
		Data: data,
	}, "")
}

// ========== Redis 镜像 ==========

func (c *Coordinator) setDeviceMirror(ctx context.Context, session *DeviceSession) {
	if c.devices == nil {
		return
	}
	status := &model.DeviceStatus{
		UserID:      session.UserID,
		DeviceID:    session.DeviceID,
		DeviceName:  session.DeviceName,
		IsPlaying:   session.IsPlaying,
		CurrentTime: session.CurrentTime,
		Volume:      session.Volume,
		LastSeen:    session.LastSeen.UnixMilli(),
	}
	if err := c.devices.SetDeviceOnline(ctx, status); err != nil {
		logger.Debug("写入设备镜像失败", logger.ErrorField(err))
	}
}

func (c *Coordinator) removeDeviceMirror(session *DeviceSession) {
	if c.devices == nil {
		return
	}
	if err := c.devices.RemoveDeviceOnline(context.Background(), session.UserID, session.DeviceID); err != nil {
		logger.Debug("移除设备镜像失败", logger.ErrorField(err))
	}
}
