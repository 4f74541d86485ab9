package playback

import (
	"sort"
	"sync"
	"time"
)

// DeviceSession 表示一个已注册的播放设备会话
// 注册表对外只返回值拷贝，调用方拿到的是只读快照
type DeviceSession struct {
	ConnectionID string
	DeviceID     string
	UserID       int64
	DeviceName   string
	IsPlaying    bool
	CurrentTrack *TrackInfo
	CurrentTime  float64
	Volume       float64
	LastSeen     time.Time
	RegisteredAt time.Time
}

// sessionKey 会话主键
// deviceId 仅在单个用户内唯一，不同用户的同名设备
// （比如客户端默认的 "phone"）必须互不干扰
type sessionKey struct {
	UserID   int64
	DeviceID string
}

// DeviceRegistry 设备会话注册表
// 所有读写都在内部互斥锁下串行化，任何操作都不会观察到写了一半的会话
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[sessionKey]*DeviceSession
	byConn  map[string]sessionKey // connectionID -> 会话主键
}

// NewDeviceRegistry 创建设备注册表
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[sessionKey]*DeviceSession),
		byConn:  make(map[string]sessionKey),
	}
}

// Register 创建或替换设备会话（同一用户下重复的 deviceId 为后注册者胜出）
// 播放状态字段被重置，重连即视为全新会话
func (r *DeviceRegistry) Register(userID int64, deviceID, deviceName, connectionID string, now time.Time) DeviceSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey{UserID: userID, DeviceID: deviceID}

	// 同一连接换用新 deviceId 重新注册时旧会话立即销毁，
	// 不能留下一个连接仍然存活的孤儿会话等清扫器收拾
	if oldKey, ok := r.byConn[connectionID]; ok && oldKey != key {
		delete(r.devices, oldKey)
	}

	if old, ok := r.devices[key]; ok {
		// 旧连接可能仍然打开，但其连接映射被移除后，
		// 后续来自旧连接的上报会因 FindByConnection 失败而被丢弃
		delete(r.byConn, old.ConnectionID)
	}

	session := &DeviceSession{
		ConnectionID: connectionID,
		DeviceID:     deviceID,
		UserID:       userID,
		DeviceName:   deviceName,
		IsPlaying:    false,
		CurrentTrack: nil,
		CurrentTime:  0,
		Volume:       1,
		LastSeen:     now,
		RegisteredAt: now,
	}
	r.devices[key] = session
	r.byConn[connectionID] = key

	return *session
}

// Get 在指定用户的范围内按设备ID查找会话
func (r *DeviceRegistry) Get(userID int64, deviceID string) (DeviceSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.devices[sessionKey{UserID: userID, DeviceID: deviceID}]
	if !ok {
		return DeviceSession{}, false
	}
	return *session, true
}

// FindByConnection 按连接ID查找会话
// 消息发送方的身份解析必须走这里，不信任客户端自报的 deviceId
func (r *DeviceRegistry) FindByConnection(connectionID string) (DeviceSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.byConn[connectionID]
	if !ok {
		return DeviceSession{}, false
	}
	session, ok := r.devices[key]
	if !ok {
		return DeviceSession{}, false
	}
	return *session, true
}

// ListByUser 列出用户的所有设备会话，按注册时间排序（仅用于展示）
func (r *DeviceRegistry) ListByUser(userID int64) []DeviceSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]DeviceSession, 0)
	for key, s := range r.devices {
		if key.UserID == userID {
			sessions = append(sessions, *s)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].RegisteredAt.Equal(sessions[j].RegisteredAt) {
			return sessions[i].DeviceID < sessions[j].DeviceID
		}
		return sessions[i].RegisteredAt.Before(sessions[j].RegisteredAt)
	})
	return sessions
}

// Remove 移除指定用户的设备会话
func (r *DeviceRegistry) Remove(userID int64, deviceID string) (DeviceSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey{UserID: userID, DeviceID: deviceID}
	session, ok := r.devices[key]
	if !ok {
		return DeviceSession{}, false
	}
	delete(r.devices, key)
	delete(r.byConn, session.ConnectionID)
	return *session, true
}

// RemoveByConnection 按连接ID移除设备会话（连接断开时调用）
// 若该连接的会话已被新连接替换，则不做任何事
func (r *DeviceRegistry) RemoveByConnection(connectionID string) (DeviceSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byConn[connectionID]
	if !ok {
		return DeviceSession{}, false
	}
	session := r.devices[key]
	delete(r.devices, key)
	delete(r.byConn, connectionID)
	return *session, true
}

// Touch 更新指定用户设备的最后活跃时间（心跳）
func (r *DeviceRegistry) Touch(userID int64, deviceID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.devices[sessionKey{UserID: userID, DeviceID: deviceID}]
	if !ok {
		return false
	}
	session.LastSeen = now
	return true
}

// TouchConnection 按连接ID更新最后活跃时间
// 任何入站消息都算作存活证据，避免高频上报状态的设备被误驱逐
func (r *DeviceRegistry) TouchConnection(connectionID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byConn[connectionID]
	if !ok {
		return false
	}
	if session, ok := r.devices[key]; ok {
		session.LastSeen = now
		return true
	}
	return false
}

// ApplyState 将状态上报应用到发送方连接绑定的会话上
// 上报的 deviceId 与连接绑定的会话不一致时拒绝，防止伪造其他设备的状态
func (r *DeviceRegistry) ApplyState(connectionID string, state *StateData, now time.Time) (DeviceSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byConn[connectionID]
	if !ok {
		return DeviceSession{}, false
	}
	session, ok := r.devices[key]
	if !ok || session.DeviceID != state.DeviceID {
		return DeviceSession{}, false
	}

	session.IsPlaying = state.IsPlaying
	session.CurrentTrack = state.CurrentTrack
	session.CurrentTime = state.CurrentTime
	session.Volume = state.Volume
	session.LastSeen = now

	return *session, true
}

// EvictStale 移除所有过期会话并返回它们的快照
func (r *DeviceRegistry) EvictStale(now time.Time, threshold time.Duration) []DeviceSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := make([]DeviceSession, 0)
	for key, session := range r.devices {
		if now.Sub(session.LastSeen) > threshold {
			evicted = append(evicted, *session)
			delete(r.devices, key)
			delete(r.byConn, session.ConnectionID)
		}
	}
	return evicted
}

// Count 返回当前会话总数
func (r *DeviceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
