package cmd

import (
	"fmt"
	"log"

	"EchoFM/config"
	"EchoFM/db"

	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis连接测试",
	Long:  `测试Redis连接是否成功，并按设备在线镜像的键格式做读写自检。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始测试Redis连接...")

		// 加载配置
		cfg := config.Load()
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		// 连接Redis
		if err := db.ConnectRedis(cfg); err != nil {
			log.Fatalf("无法连接到Redis: %v", err)
		}
		fmt.Println("Redis连接成功！")

		// 按设备镜像的键格式做读写自检
		if err := db.TestRedis(); err != nil {
			log.Fatalf("Redis读写自检失败: %v", err)
		}
		fmt.Println("Redis读写自检成功！")

		// 关闭连接
		if err := db.CloseRedis(); err != nil {
			log.Printf("关闭Redis连接时发生错误: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
