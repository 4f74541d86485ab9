package playback

import (
	"encoding/json"
	"fmt"
)

// MessageType 消息类型
type MessageType string

const (
	// 设备 -> 服务端
	MsgTypeDeviceRegister  MessageType = "device:register"          // 注册播放设备
	MsgTypeDeviceHeartbeat MessageType = "device:heartbeat"         // 设备心跳
	MsgTypeState           MessageType = "playback:state"           // 设备上报播放状态
	MsgTypeCommand         MessageType = "playback:command"         // 远程控制指令
	MsgTypeRequestState    MessageType = "playback:requestState"    // 请求目标设备上报状态
	MsgTypeTransfer        MessageType = "playback:transfer"        // 播放交接
	MsgTypeSetActivePlayer MessageType = "playback:setActivePlayer" // 设置活跃播放器

	// 双向
	MsgTypeDevicesList MessageType = "devices:list" // 设备列表（请求/推送）

	// 服务端 -> 设备
	MsgTypeActivePlayer  MessageType = "playback:activePlayer"  // 活跃播放器变更广播
	MsgTypeStateUpdate   MessageType = "playback:stateUpdate"   // 其他设备的状态扇出
	MsgTypeRemoteCommand MessageType = "playback:remoteCommand" // 定点转发的指令
	MsgTypeStateRequest  MessageType = "playback:stateRequest"  // 要求设备立即上报状态
	MsgTypeError         MessageType = "playback:error"         // 校验/鉴权失败
)

// Command 远程控制指令
type Command string

const (
	CmdPlay             Command = "play"
	CmdPause            Command = "pause"
	CmdNext             Command = "next"
	CmdPrev             Command = "prev"
	CmdSeek             Command = "seek"
	CmdVolume           Command = "volume"
	CmdSetQueue         Command = "setQueue"
	CmdPlayTrack        Command = "playTrack"
	CmdTransferPlayback Command = "transferPlayback"
)

var validCommands = map[Command]bool{
	CmdPlay:             true,
	CmdPause:            true,
	CmdNext:             true,
	CmdPrev:             true,
	CmdSeek:             true,
	CmdVolume:           true,
	CmdSetQueue:         true,
	CmdPlayTrack:        true,
	CmdTransferPlayback: true,
}

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// TrackInfo 曲目元数据（由客户端上报，服务端只做透传）
type TrackInfo struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	Album    string  `json:"album"`
	Cover    string  `json:"cover,omitempty"`
	Duration float64 `json:"duration"`
}

// RegisterData 设备注册数据
type RegisterData struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

// Validate 校验注册数据
func (d *RegisterData) Validate() error {
	if len(d.DeviceID) < 1 || len(d.DeviceID) > 100 {
		return fmt.Errorf("deviceId must be 1-100 characters")
	}
	if len(d.DeviceName) < 1 || len(d.DeviceName) > 100 {
		return fmt.Errorf("deviceName must be 1-100 characters")
	}
	return nil
}

// HeartbeatData 心跳数据
type HeartbeatData struct {
	DeviceID string `json:"deviceId"`
}

// StateData 设备播放状态上报数据
type StateData struct {
	DeviceID     string          `json:"deviceId"`
	IsPlaying    bool            `json:"isPlaying"`
	CurrentTrack *TrackInfo      `json:"currentTrack"`
	CurrentTime  float64         `json:"currentTime"`
	Volume       float64         `json:"volume"`
	Queue        json.RawMessage `json:"queue,omitempty"`
	QueueIndex   *int            `json:"queueIndex,omitempty"`
}

// Validate 校验状态上报数据
func (d *StateData) Validate() error {
	if len(d.DeviceID) < 1 || len(d.DeviceID) > 100 {
		return fmt.Errorf("deviceId must be 1-100 characters")
	}
	if d.Volume < 0 || d.Volume > 1 {
		return fmt.Errorf("volume must be within [0,1]")
	}
	if d.CurrentTime < 0 {
		return fmt.Errorf("currentTime must be non-negative")
	}
	return nil
}

// CommandData 远程控制指令数据
type CommandData struct {
	TargetDeviceID string          `json:"targetDeviceId"`
	Command        Command         `json:"command"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Validate 校验指令数据
func (d *CommandData) Validate() error {
	if len(d.TargetDeviceID) < 1 || len(d.TargetDeviceID) > 100 {
		return fmt.Errorf("targetDeviceId must be 1-100 characters")
	}
	if !validCommands[d.Command] {
		return fmt.Errorf("unknown command: %s", d.Command)
	}
	return nil
}

// RequestStateData 请求设备上报状态的数据
type RequestStateData struct {
	DeviceID string `json:"deviceId"`
}

// TransferData 播放交接数据
type TransferData struct {
	ToDeviceID string `json:"toDeviceId"`
	WithState  bool   `json:"withState"`
}

// SetActivePlayerData 设置活跃播放器数据，deviceId 为 null 表示清空
type SetActivePlayerData struct {
	DeviceID *string `json:"deviceId"`
}

// ActivePlayerData 活跃播放器广播数据
type ActivePlayerData struct {
	DeviceID *string `json:"deviceId"`
}

// StateUpdateData 状态扇出数据
type StateUpdateData struct {
	DeviceID     string          `json:"deviceId"`
	DeviceName   string          `json:"deviceName"`
	IsPlaying    bool            `json:"isPlaying"`
	CurrentTrack *TrackInfo      `json:"currentTrack"`
	CurrentTime  float64         `json:"currentTime"`
	Volume       float64         `json:"volume"`
	Queue        json.RawMessage `json:"queue,omitempty"`
	QueueIndex   *int            `json:"queueIndex,omitempty"`
}

// RemoteCommandData 定点转发给目标设备的指令数据
type RemoteCommandData struct {
	Command      Command         `json:"command"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	FromDeviceID string          `json:"fromDeviceId"`
}

// TransferPayload 播放交接时携带的源设备状态快照
type TransferPayload struct {
	CurrentTrack *TrackInfo `json:"currentTrack"`
	CurrentTime  float64    `json:"currentTime"`
	IsPlaying    bool       `json:"isPlaying"`
	Volume       float64    `json:"volume"`
}

// ErrorData 错误响应数据
type ErrorData struct {
	Message string `json:"message"`
}

// DeviceInfo 设备列表条目
type DeviceInfo struct {
	DeviceID        string     `json:"deviceId"`
	DeviceName      string     `json:"deviceName"`
	IsPlaying       bool       `json:"isPlaying"`
	CurrentTrack    *TrackInfo `json:"currentTrack"`
	CurrentTime     float64    `json:"currentTime"`
	Volume          float64    `json:"volume"`
	IsCurrentDevice bool       `json:"isCurrentDevice,omitempty"`
}
