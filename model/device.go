package model

// DeviceStatus 是设备会话在共享缓存中的镜像条目
// 内存注册表是权威，缓存镜像用于跨实例部署时的设备可见性
type DeviceStatus struct {
	UserID      int64   `json:"userId"`
	DeviceID    string  `json:"deviceId"`
	DeviceName  string  `json:"deviceName"`
	IsPlaying   bool    `json:"isPlaying"`
	CurrentTime float64 `json:"currentTime"`
	Volume      float64 `json:"volume"`
	LastSeen    int64   `json:"lastSeen"` // Unix毫秒
}
