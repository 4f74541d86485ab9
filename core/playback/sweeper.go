package playback

import (
	"context"
	"time"

	"EchoFM/logger"
)

// LivenessSweeper 会话存活清扫器
// 传输层的断开事件并不完全可靠（网络分区、应用挂起），
// 基于 lastSeen 的周期扫描是兜底的存活信号；
// 这是唯一允许在没有客户端显式动作时移除会话的组件
type LivenessSweeper struct {
	coordinator *Coordinator
	interval    time.Duration
	threshold   time.Duration
}

// NewLivenessSweeper 创建清扫器
func NewLivenessSweeper(coordinator *Coordinator, interval, threshold time.Duration) *LivenessSweeper {
	return &LivenessSweeper{
		coordinator: coordinator,
		interval:    interval,
		threshold:   threshold,
	}
}

// Run 启动周期清扫，直到 ctx 取消
func (s *LivenessSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info("存活清扫器启动",
		logger.Duration("interval", s.interval),
		logger.Duration("threshold", s.threshold))

	for {
		select {
		case <-ctx.Done():
			logger.Info("存活清扫器停止")
			return
		case now := <-ticker.C:
			if n := s.coordinator.sweepStale(now, s.threshold); n > 0 {
				logger.Info("清扫完成", logger.Int("evicted", n))
			}
		}
	}
}
