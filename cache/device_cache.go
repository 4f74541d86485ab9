package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"EchoFM/model"

	"github.com/redis/go-redis/v9"
)

const (
	userDevicesKey    = "playback:devices:%d"     // Hash: deviceID -> DeviceStatus JSON
	devicePresenceKey = "playback:presence:%d:%s" // String: 设备心跳 key (userID:deviceID)
	devicesTTL        = 24 * time.Hour
	presenceTTL       = 5 * time.Minute // 与清扫器的过期阈值对齐
)

// DeviceCache 设备在线状态的Redis镜像
// 写入全部尽力而为：内存注册表才是权威，镜像失败只降低跨实例可见性
type DeviceCache struct {
	client *redis.Client
}

// NewDeviceCache 创建设备缓存
func NewDeviceCache(client *redis.Client) *DeviceCache {
	return &DeviceCache{client: client}
}

// SetDeviceOnline 写入/更新设备镜像条目并刷新心跳
func (c *DeviceCache) SetDeviceOnline(ctx context.Context, status *model.DeviceStatus) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(userDevicesKey, status.UserID)
	presenceKey := fmt.Sprintf(devicePresenceKey, status.UserID, status.DeviceID)

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal device status: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, status.DeviceID, data)
	pipe.Expire(ctx, key, devicesTTL)
	pipe.Set(ctx, presenceKey, status.LastSeen, presenceTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// TouchDevicePresence 仅刷新设备心跳 key
func (c *DeviceCache) TouchDevicePresence(ctx context.Context, userID int64, deviceID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	presenceKey := fmt.Sprintf(devicePresenceKey, userID, deviceID)
	return c.client.Set(ctx, presenceKey, time.Now().UnixMilli(), presenceTTL).Err()
}

// RemoveDeviceOnline 移除设备镜像条目
func (c *DeviceCache) RemoveDeviceOnline(ctx context.Context, userID int64, deviceID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(userDevicesKey, userID)
	presenceKey := fmt.Sprintf(devicePresenceKey, userID, deviceID)

	pipe := c.client.Pipeline()
	pipe.HDel(ctx, key, deviceID)
	pipe.Del(ctx, presenceKey)
	_, err := pipe.Exec(ctx)
	return err
}

// GetDevicesOnline 读取用户的全部设备镜像
func (c *DeviceCache) GetDevicesOnline(ctx context.Context, userID int64) ([]model.DeviceStatus, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(userDevicesKey, userID)
	result, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	devices := make([]model.DeviceStatus, 0, len(result))
	for _, data := range result {
		var status model.DeviceStatus
		if err := json.Unmarshal([]byte(data), &status); err == nil {
			devices = append(devices, status)
		}
	}
	return devices, nil
}
