package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"eldercare-alert/pkg/config"

	"github.com/joho/godotenv"
)

// Config 服务配置（safety-monitor 与 caretaker-alert 共用）
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	Migration struct {
		ApplySchema bool // 启动时执行 db/schema.sql（幂等）
	}

	HTTP struct {
		Addr string // 监听地址，如 ":8080"
	}

	// 老人端
	Monitor struct {
		SubjectID          string
		SubjectName        string
		SettingsPath       string        // 本地设置文件（YAML）
		LocationURL        string        // 设备定位服务地址
		LocationTimeout    time.Duration // 定位超时，默认 5 秒
		ConfirmationWindow time.Duration // 跌倒确认倒计时，默认 15 秒
		ImmobilityTick     time.Duration // 静止窗口检查间隔，默认 250 毫秒
		SoundBufferSize    int           // RMS 滑动窗口采样数，默认 32
	}

	// 看护人端
	Caretaker struct {
		ObserverIDs      []string      // 本实例服务的看护人
		LinkPollInterval time.Duration // 绑定关系轮询间隔，默认 30 秒
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
// 先读取工作目录下的 .env（不存在则忽略），再从环境变量加载
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "eldercare"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Migration.ApplySchema = config.GetEnvBool("DB_APPLY_SCHEMA", false)

	cfg.HTTP.Addr = config.GetEnv("HTTP_ADDR", ":8080")

	cfg.Monitor.SubjectID = config.GetEnv("SUBJECT_ID", "")
	cfg.Monitor.SubjectName = config.GetEnv("SUBJECT_NAME", "")
	cfg.Monitor.SettingsPath = config.GetEnv("SETTINGS_PATH", "settings.yaml")
	cfg.Monitor.LocationURL = config.GetEnv("LOCATION_URL", "http://localhost:8090")
	cfg.Monitor.LocationTimeout = config.GetEnvDuration("LOCATION_TIMEOUT", 5*time.Second)
	cfg.Monitor.ConfirmationWindow = config.GetEnvDuration("CONFIRMATION_WINDOW", 15*time.Second)
	cfg.Monitor.ImmobilityTick = config.GetEnvDuration("IMMOBILITY_TICK", 250*time.Millisecond)
	cfg.Monitor.SoundBufferSize = 32
	if v := config.GetEnv("SOUND_BUFFER_SIZE", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SOUND_BUFFER_SIZE %q", v)
		}
		cfg.Monitor.SoundBufferSize = n
	}

	cfg.Caretaker.ObserverIDs = splitList(config.GetEnv("OBSERVER_IDS", ""))
	cfg.Caretaker.LinkPollInterval = config.GetEnvDuration("LINK_POLL_INTERVAL", 30*time.Second)

	cfg.Log.Level = config.GetEnv("LOG_LEVEL", "info")
	cfg.Log.Format = config.GetEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// ValidateMonitor 校验老人端必需配置
func (c *Config) ValidateMonitor() error {
	if c.Monitor.SubjectID == "" {
		return errors.New("SUBJECT_ID is required")
	}
	if c.Monitor.ConfirmationWindow <= 0 {
		return errors.New("CONFIRMATION_WINDOW must be positive")
	}
	if c.Monitor.ImmobilityTick <= 0 {
		return errors.New("IMMOBILITY_TICK must be positive")
	}
	return nil
}

// ValidateCaretaker 校验看护人端必需配置
func (c *Config) ValidateCaretaker() error {
	if len(c.Caretaker.ObserverIDs) == 0 {
		return errors.New("OBSERVER_IDS is required")
	}
	if c.Caretaker.LinkPollInterval <= 0 {
		return errors.New("LINK_POLL_INTERVAL must be positive")
	}
	return nil
}

// splitList 解析逗号分隔列表，忽略空项与重复项
func splitList(raw string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}
