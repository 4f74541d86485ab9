package playback

import (
	"sync"

	"EchoFM/logger"
)

// Policy 活跃播放器选举策略
// 这里的行为是刻意可配置的：不同部署可能希望
// 任何设备都不自动接管，直到客户端显式认领
type Policy struct {
	// AutoElectFirst 用户首个注册的设备自动当选活跃播放器
	AutoElectFirst bool
	// AllowNull 允许显式将活跃播放器清空（交接过程中的合法瞬态）
	AllowNull bool
}

// DefaultPolicy 默认策略：自动选举 + 允许清空
func DefaultPolicy() Policy {
	return Policy{AutoElectFirst: true, AllowNull: true}
}

// ActivePlayerArbiter 活跃播放器仲裁器
// 每个用户至多一个活跃设备；指针只由仲裁器修改
// 设备故障时不自动改选，宁可暂时无主也不允许两台设备同时认为自己是权威
type ActivePlayerArbiter struct {
	mu     sync.RWMutex
	active map[int64]string // userID -> deviceID
	policy Policy
}

// NewActivePlayerArbiter 创建仲裁器
func NewActivePlayerArbiter(policy Policy) *ActivePlayerArbiter {
	return &ActivePlayerArbiter{
		active: make(map[int64]string),
		policy: policy,
	}
}

// Active 返回用户当前的活跃播放器
func (a *ActivePlayerArbiter) Active(userID int64) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	deviceID, ok := a.active[userID]
	return deviceID, ok
}

// ElectIfUnset 用户尚无活跃播放器时自动选举该设备，返回是否当选
// 已有活跃播放器时后注册的设备不会抢占
func (a *ActivePlayerArbiter) ElectIfUnset(userID int64, deviceID string) bool {
	if !a.policy.AutoElectFirst {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.active[userID]; ok {
		return false
	}
	a.active[userID] = deviceID

	logger.Info("自动选举活跃播放器",
		logger.Int64("userId", userID),
		logger.String("deviceId", deviceID))
	return true
}

// Set 显式设置活跃播放器（目标设备归属校验由调用方完成）
func (a *ActivePlayerArbiter) Set(userID int64, deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active[userID] = deviceID
}

// Clear 清空用户的活跃播放器
func (a *ActivePlayerArbiter) Clear(userID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, userID)
}

// AllowNull 返回策略是否允许显式清空
func (a *ActivePlayerArbiter) AllowNull() bool {
	return a.policy.AllowNull
}

// ClearIfActive 若指定设备正是用户的活跃播放器则清空指针，返回是否发生了清空
// 设备被移除/驱逐时必须在同一操作内调用，保证指针永不指向已消失的设备
func (a *ActivePlayerArbiter) ClearIfActive(userID int64, deviceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active[userID] != deviceID {
		return false
	}
	delete(a.active, userID)
	return true
}
