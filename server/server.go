package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"EchoFM/cache"
	"EchoFM/config"
	"EchoFM/core/auth"
	"EchoFM/core/playback"
	"EchoFM/db"
	"EchoFM/logger"
	"EchoFM/repository"

	"github.com/gorilla/mux"
)

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogPath,
	})

	// 设置服务器超时
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Connect to the database
	if err := db.ConnectDB(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseDB()

	// Connect to Redis
	if err := db.ConnectRedis(cfg); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer db.CloseRedis()
	log.Println("Successfully connected to Redis")

	// Initialize database schema
	if err := db.InitDB(); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	auth.InitJWT(cfg.JWTSecret, cfg.JWTExpiry)

	userRepo := repository.NewUserRepository(db.DB)
	deviceCache := cache.NewDeviceCache(db.RedisClient)

	// 组装播放协调器：Hub 作为传输层注入，断开回调交还给协调器清理会话
	hub := playback.NewHub()
	policy := playback.DefaultPolicy()
	policy.AutoElectFirst = cfg.AutoElect
	coordinator := playback.NewCoordinator(hub, policy, deviceCache)
	hub.SetDisconnectHandler(coordinator.HandleDisconnect)
	go hub.Run()
	defer hub.Stop()

	// 存活清扫器在后台周期驱逐失联设备
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	sweeper := playback.NewLivenessSweeper(coordinator, cfg.SweepInterval, cfg.StaleThreshold)
	go sweeper.Run(sweepCtx)

	// 初始化处理器
	apiHandler := NewAPIHandler(userRepo, coordinator, hub, cfg)

	// 使用 gorilla/mux 创建路由器
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// 用户认证相关的API端点
	router.HandleFunc("/api/auth/login", apiHandler.LoginHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/register", apiHandler.RegisterHandler).Methods(http.MethodPost)

	// 设备与播放协调相关的API端点
	router.HandleFunc("/api/devices", apiHandler.AuthMiddleware(apiHandler.GetDevicesHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/playback/active", apiHandler.AuthMiddleware(apiHandler.GetActivePlayerHandler)).Methods(http.MethodGet)

	// 播放协调 WebSocket 端点（token 在查询参数或 Authorization 头中）
	router.HandleFunc("/ws/playback", apiHandler.PlaybackWSHandler)

	server.Handler = router

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// 在goroutine中启动服务器
	go func() {
		log.Printf("Server starting on %s...", cfg.ServerAddr)
		log.Println("Playback coordination via WebSocket at /ws/playback")
		log.Println("List devices via GET from /api/devices")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 等待中断信号
	<-stop
	log.Println("Shutting down server...")

	// 创建一个5秒超时的上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 优雅关闭服务器
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
