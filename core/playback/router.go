package playback

import (
	"encoding/json"
	"errors"
	"fmt"

	"EchoFM/logger"
)

// 指令路由的错误分类，协调器据此回发 playback:error
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrDeviceNotFound = errors.New("device not found")
	ErrInvalidPayload = errors.New("invalid payload")
)

// CommandRouter 远程控制指令路由器
// 只做校验和定点转发，自身不修改任何播放状态；
// 状态变化只能由目标设备随后的状态上报产生
type CommandRouter struct {
	registry  *DeviceRegistry
	transport Transport
}

// NewCommandRouter 创建指令路由器
func NewCommandRouter(registry *DeviceRegistry, transport Transport) *CommandRouter {
	return &CommandRouter{registry: registry, transport: transport}
}

// Route 校验并定点转发指令
func (r *CommandRouter) Route(fromConnectionID string, data json.RawMessage) error {
	var cmd CommandData
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	// 发送方身份以连接绑定的会话为准
	sender, ok := r.registry.FindByConnection(fromConnectionID)
	if !ok {
		return fmt.Errorf("%w: sender has no registered device", ErrUnauthorized)
	}

	// 目标查找限定在发送方用户内，其他用户的同名设备不可寻址
	target, ok := r.registry.Get(sender.UserID, cmd.TargetDeviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, cmd.TargetDeviceID)
	}

	remote := &RemoteCommandData{
		Command:      cmd.Command,
		Payload:      cmd.Payload,
		FromDeviceID: sender.DeviceID,
	}
	remoteData, err := json.Marshal(remote)
	if err != nil {
		return fmt.Errorf("failed to marshal remote command: %w", err)
	}

	// 定点转发，绝不广播；目标离线则指令直接丢弃
	if err := r.transport.SendToConnection(target.ConnectionID, &WSMessage{
		Type: MsgTypeRemoteCommand,
		Data: remoteData,
	}); err != nil {
		logger.Debug("指令转发失败",
			logger.ErrorField(err),
			logger.String("targetDeviceId", target.DeviceID))
	}

	logger.Debug("指令已路由",
		logger.String("command", string(cmd.Command)),
		logger.String("from", sender.DeviceID),
		logger.String("to", target.DeviceID))

	return nil
}

// TransferPlayback 播放交接：读取源设备状态快照发给目标设备，再让源设备暂停
// 这是尽力而为的非事务操作：目标设备未能应用时源设备已经暂停，
// 这个不一致窗口只能靠用户重试或后续状态上报重新收敛
func (r *CommandRouter) TransferPlayback(fromConnectionID, toDeviceID string, withState bool) error {
	source, ok := r.registry.FindByConnection(fromConnectionID)
	if !ok {
		return fmt.Errorf("%w: sender has no registered device", ErrUnauthorized)
	}

	// 目标查找限定在发送方用户内；不存在（含其他用户的同名设备）按无操作处理
	target, ok := r.registry.Get(source.UserID, toDeviceID)
	if !ok {
		logger.Debug("交接目标不存在，忽略",
			logger.String("toDeviceId", toDeviceID),
			logger.String("from", source.DeviceID))
		return nil
	}

	var payload json.RawMessage
	if withState {
		snapshot := &TransferPayload{
			CurrentTrack: source.CurrentTrack,
			CurrentTime:  source.CurrentTime,
			IsPlaying:    source.IsPlaying,
			Volume:       source.Volume,
		}
		data, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal transfer snapshot: %w", err)
		}
		payload = data
	}

	// 第一步：把快照交给目标设备
	transferData, _ := json.Marshal(&RemoteCommandData{
		Command:      CmdTransferPlayback,
		Payload:      payload,
		FromDeviceID: source.DeviceID,
	})
	if err := r.transport.SendToConnection(target.ConnectionID, &WSMessage{
		Type: MsgTypeRemoteCommand,
		Data: transferData,
	}); err != nil {
		logger.Warn("交接消息发送失败",
			logger.ErrorField(err),
			logger.String("toDeviceId", toDeviceID))
	}

	// 第二步：让源设备暂停
	pauseData, _ := json.Marshal(&RemoteCommandData{
		Command:      CmdPause,
		FromDeviceID: target.DeviceID,
	})
	if err := r.transport.SendToConnection(source.ConnectionID, &WSMessage{
		Type: MsgTypeRemoteCommand,
		Data: pauseData,
	}); err != nil {
		logger.Debug("交接后暂停源设备失败", logger.ErrorField(err))
	}

	logger.Info("播放交接完成",
		logger.Int64("userId", source.UserID),
		logger.String("from", source.DeviceID),
		logger.String("to", target.DeviceID),
		logger.Bool("withState", withState))

	return nil
}
