package api

import (
	"eldercare-alert/internal/api/ws"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig 路由依赖，未提供的部分不注册对应路由
type RouterConfig struct {
	Logger   *zap.Logger
	Checks   map[string]HealthCheck
	Alerts   AlertService    // 看护人端
	Hub      *ws.Hub         // 看护人端
	Settings SettingsService // 老人端
}

// NewRouter 创建 HTTP 路由
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(cors.Default())

	systemH := NewSystemHandler(cfg.Checks)
	r.GET("/health", systemH.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")

	if cfg.Alerts != nil {
		alertH := NewAlertHandler(cfg.Alerts, cfg.Logger)
		v1.GET("/alerts/history", alertH.History)
		v1.POST("/alerts/:id/acknowledge", alertH.Acknowledge)
	}

	if cfg.Hub != nil {
		r.GET("/ws", cfg.Hub.HandleWS)
	}

	if cfg.Settings != nil {
		settingsH := NewSettingsHandler(cfg.Settings, cfg.Logger)
		v1.GET("/settings", settingsH.Get)
		v1.PUT("/settings", settingsH.Update)
	}

	return r
}
