package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eldercare-alert/internal/api"
	"eldercare-alert/internal/api/ws"
	"eldercare-alert/internal/clock"
	"eldercare-alert/internal/config"
	"eldercare-alert/internal/notify"
	"eldercare-alert/internal/repository"
	"eldercare-alert/internal/service"
	"eldercare-alert/internal/store"
	"eldercare-alert/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "caretaker-alert")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.ValidateCaretaker(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "caretaker-alert-" + uuid.NewString()[:8]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 连接外部依赖
	infra, err := service.ConnectInfra(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to connect infrastructure", zap.Error(err))
	}
	defer infra.Close()

	// 4. 创建服务
	clk := clock.Real{}
	alertStore := store.NewLiveStore(repository.NewAlertRepository(infra.DB, log), infra.Redis, clk, log)
	links := repository.NewLinkRepository(infra.DB, log)
	sink := notify.NewMQTTSink(infra.MQTT, cfg.MQTT.QoS, log)
	hub := ws.NewHub(log)
	caretaker := service.NewCaretakerService(cfg, alertStore, links, sink, hub, clk, log)
	defer caretaker.Stop()

	router := api.NewRouter(api.RouterConfig{
		Logger: log,
		Checks: infra.HealthChecks(),
		Alerts: caretaker,
		Hub:    hub,
	})
	srv := service.NewServer("caretaker-alert", cfg.HTTP.Addr, router, log)

	// 5. 启动服务（在 goroutine 中）
	errCh := make(chan error, 2)
	go func() {
		if err := caretaker.Start(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// 6. 等待信号（优雅关闭）
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

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop HTTP server", zap.Error(err))
	}

	log.Info("Caretaker alert service stopped")
}
