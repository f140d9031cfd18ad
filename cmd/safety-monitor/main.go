package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eldercare-alert/internal/api"
	"eldercare-alert/internal/clock"
	"eldercare-alert/internal/config"
	"eldercare-alert/internal/location"
	"eldercare-alert/internal/repository"
	"eldercare-alert/internal/service"
	"eldercare-alert/internal/settings"
	"eldercare-alert/internal/store"
	"eldercare-alert/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "safety-monitor")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.ValidateMonitor(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "safety-monitor-" + cfg.Monitor.SubjectID
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 连接外部依赖
	infra, err := service.ConnectInfra(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to connect infrastructure", zap.Error(err))
	}
	defer infra.Close()

	// 4. 本地设置
	settingsStore, err := settings.NewFileStore(cfg.Monitor.SettingsPath, log)
	if err != nil {
		log.Fatal("Failed to load settings", zap.Error(err))
	}

	// 5. 创建服务
	clk := clock.Real{}
	alertStore := store.NewLiveStore(repository.NewAlertRepository(infra.DB, log), infra.Redis, clk, log)
	locator := location.NewHTTPProvider(cfg.Monitor.LocationURL, log)
	links := repository.NewLinkRepository(infra.DB, log)
	monitor := service.NewMonitorService(cfg, alertStore, locator, infra.MQTT, links, settingsStore, clk, log)
	defer monitor.Stop()

	router := api.NewRouter(api.RouterConfig{
		Logger:   log,
		Checks:   infra.HealthChecks(),
		Settings: monitor,
	})
	srv := service.NewServer("safety-monitor", cfg.HTTP.Addr, router, log)

	// 6. 启动服务（在 goroutine 中）
	errCh := make(chan error, 2)
	go func() {
		if err := monitor.Start(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// 7. 等待信号（优雅关闭）
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
	case err := <-errCh:
		log.Error("Service error",
			zap.Error(err),
		)
	}

	monitor.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop HTTP server", zap.Error(err))
	}

	log.Info("Safety monitor stopped")
}
