package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"eldercare-alert/db"
	"eldercare-alert/internal/api"
	"eldercare-alert/internal/config"
	"eldercare-alert/pkg/database"
	"eldercare-alert/pkg/mqtt"
	redisutil "eldercare-alert/pkg/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Infra 外部连接（PostgreSQL、Redis、MQTT）
type Infra struct {
	DB     *sql.DB
	Redis  *redis.Client
	MQTT   *mqtt.Client
	logger *zap.Logger
}

// ConnectInfra 依次建立连接，任一失败时关闭已建立的连接
func ConnectInfra(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Infra, error) {
	infra := &Infra{logger: logger}

	// 1. 连接数据库
	conn, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	infra.DB = conn

	if cfg.Migration.ApplySchema {
		n, err := database.ApplySchema(ctx, conn, db.Schema)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
		logger.Info("Database schema applied",
			zap.Int("statements", n),
		)
	}

	// 2. 连接 Redis
	redisClient, err := redisutil.Connect(ctx, &cfg.Redis)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	infra.Redis = redisClient

	// 3. 连接 MQTT
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("failed to connect mqtt: %w", err)
	}
	infra.MQTT = mqttClient

	logger.Info("Infrastructure connected",
		zap.String("db_host", cfg.Database.Host),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
	)
	return infra, nil
}

// HealthChecks 供 /health 使用的依赖检查
func (i *Infra) HealthChecks() map[string]api.HealthCheck {
	return map[string]api.HealthCheck{
		"postgres": func(ctx context.Context) error {
			return i.DB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return redisutil.Ping(ctx, i.Redis)
		},
		"mqtt": func(ctx context.Context) error {
			if !i.MQTT.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		},
	}
}

// Close 关闭所有连接
func (i *Infra) Close() {
	if i.MQTT != nil {
		i.MQTT.Disconnect()
	}
	if i.Redis != nil {
		if err := redisutil.Close(i.Redis); err != nil {
			i.logger.Error("Failed to close redis", zap.Error(err))
		}
	}
	if err := database.Close(i.DB); err != nil {
		i.logger.Error("Failed to close database", zap.Error(err))
	}
}
