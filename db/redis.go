package db

import (
	"context"
	"fmt"
	"time"

	"EchoFM/config"

	"github.com/redis/go-redis/v9"
)

// RedisClient 是全局Redis客户端
var RedisClient *redis.Client

// ConnectRedis 初始化Redis连接
func ConnectRedis(cfg *config.Config) error {
	RedisClient = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := RedisClient.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return nil
}

// CloseRedis 关闭Redis连接
func CloseRedis() error {
	if RedisClient != nil {
		return RedisClient.Close()
	}
	return nil
}

// TestRedis 按设备在线镜像的键格式做一次读写自检
// userID 0 不对应任何真实用户，自检键不会污染镜像数据
func TestRedis() error {
	if RedisClient == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	ctx := context.Background()

	// 心跳键：String + TTL
	presenceKey := "playback:presence:0:selftest"
	now := time.Now().UnixMilli()
	if err := RedisClient.Set(ctx, presenceKey, now, time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to set presence key: %w", err)
	}
	val, err := RedisClient.Get(ctx, presenceKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get presence key: %w", err)
	}
	if val != fmt.Sprintf("%d", now) {
		return fmt.Errorf("unexpected presence value: got %s", val)
	}

	// 设备镜像键：Hash 字段读写
	devicesKey := "playback:devices:0"
	if err := RedisClient.HSet(ctx, devicesKey, "selftest", "{}").Err(); err != nil {
		return fmt.Errorf("failed to set devices hash field: %w", err)
	}
	if _, err := RedisClient.HGet(ctx, devicesKey, "selftest").Result(); err != nil {
		return fmt.Errorf("failed to get devices hash field: %w", err)
	}

	// 清理自检键
	if _, err := RedisClient.Del(ctx, presenceKey, devicesKey).Result(); err != nil {
		return fmt.Errorf("failed to delete self-test keys: %w", err)
	}

	return nil
}
