package playback

import (
	"encoding/json"
	"time"

	"EchoFM/logger"
)

// StateSynchronizer 状态同步器
// 接收设备的状态上报，校验设备与连接的绑定关系，更新注册表，
// 再把净化后的状态扇出给该用户的其他设备
type StateSynchronizer struct {
	registry  *DeviceRegistry
	transport Transport
}

// NewStateSynchronizer 创建状态同步器
func NewStateSynchronizer(registry *DeviceRegistry, transport Transport) *StateSynchronizer {
	return &StateSynchronizer{registry: registry, transport: transport}
}

// ReportState 处理一次状态上报，返回应用后的会话快照
// 状态上报高频且尽力而为：格式错误或越权的上报静默丢弃，
// 绝不回发错误（避免抖动期间刷屏，也避免泄露其他设备的存在性）
func (s *StateSynchronizer) ReportState(fromConnectionID string, data json.RawMessage, now time.Time) (DeviceSession, bool) {
	var state StateData
	if err := json.Unmarshal(data, &state); err != nil {
		logger.Debug("状态上报格式错误，丢弃",
			logger.ErrorField(err),
			logger.String("connId", fromConnectionID))
		return DeviceSession{}, false
	}
	if err := state.Validate(); err != nil {
		logger.Debug("状态上报校验失败，丢弃",
			logger.ErrorField(err),
			logger.String("connId", fromConnectionID))
		return DeviceSession{}, false
	}

	// 绑定校验和写入在注册表锁内一次完成：
	// 上报的 deviceId 必须正是该连接注册的设备，否则视为伪造
	session, ok := s.registry.ApplyState(fromConnectionID, &state, now)
	if !ok {
		logger.Warn("状态上报与连接绑定不符，丢弃",
			logger.String("connId", fromConnectionID),
			logger.String("reportedDeviceId", state.DeviceID))
		return DeviceSession{}, false
	}

	// 扇出给同一用户的其他连接（上报方已持有权威本地状态，排除之）
	update := &StateUpdateData{
		DeviceID:     session.DeviceID,
		DeviceName:   session.DeviceName,
		IsPlaying:    state.IsPlaying,
		CurrentTrack: state.CurrentTrack,
		CurrentTime:  state.CurrentTime,
		Volume:       state.Volume,
		Queue:        state.Queue,
		QueueIndex:   state.QueueIndex,
	}
	updateData, err := json.Marshal(update)
	if err != nil {
		logger.Warn("序列化状态扇出失败", logger.ErrorField(err))
		return session, true
	}

	s.transport.BroadcastToUser(session.UserID, &WSMessage{
		Type: MsgTypeStateUpdate,
		Data: updateData,
	}, fromConnectionID)

	return session, true
}
