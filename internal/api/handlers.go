package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"eldercare-alert/internal/api/ws"
	"eldercare-alert/internal/escalator"
	"eldercare-alert/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrUnknownObserver 本服务没有该看护人的订阅
var ErrUnknownObserver = errors.New("unknown observer")

// AlertService 看护人端报警操作
type AlertService interface {
	Acknowledge(ctx context.Context, observerID, alertID string) (escalator.AckResult, error)
	History(ctx context.Context, observerID string, limit int) ([]models.Alert, error)
}

// SettingsService 老人端本地设置
type SettingsService interface {
	Settings() models.ElderSettings
	UpdateSettings(ctx context.Context, settings models.ElderSettings) error
}

// HealthCheck 依赖健康检查
type HealthCheck func(ctx context.Context) error

// SystemHandler 健康检查
type SystemHandler struct {
	checks map[string]HealthCheck
}

// NewSystemHandler 创建健康检查处理器
func NewSystemHandler(checks map[string]HealthCheck) *SystemHandler {
	return &SystemHandler{checks: checks}
}

// Health 逐项检查依赖，任一失败返回 503
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, Result[map[string]string]{
			Code:    ResultError,
			Type:    "error",
			Message: "degraded",
			Result:  checks,
		})
		return
	}
	c.JSON(http.StatusOK, Ok(checks))
}

// AlertHandler 看护人报警接口
type AlertHandler struct {
	alerts AlertService
	logger *zap.Logger
}

// NewAlertHandler 创建报警接口处理器
func NewAlertHandler(alerts AlertService, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, logger: logger}
}

// History GET /api/v1/alerts/history?limit=
func (h *AlertHandler) History(c *gin.Context) {
	observerID := c.GetHeader(ws.ObserverHeader)
	if observerID == "" {
		c.JSON(http.StatusUnauthorized, Fail("observer id is required"))
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, Fail("invalid limit"))
			return
		}
		limit = n
	}

	alerts, err := h.alerts.History(c.Request.Context(), observerID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	c.JSON(http.StatusOK, Ok(alerts))
}

// Acknowledge POST /api/v1/alerts/:id/acknowledge
func (h *AlertHandler) Acknowledge(c *gin.Context) {
	observerID := c.GetHeader(ws.ObserverHeader)
	if observerID == "" {
		c.JSON(http.StatusUnauthorized, Fail("observer id is required"))
		return
	}
	alertID := c.Param("id")

	result, err := h.alerts.Acknowledge(c.Request.Context(), observerID, alertID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	body := gin.H{"alert_id": alertID, "result": result}
	if result == escalator.AckStale {
		c.JSON(http.StatusOK, Warn("alert already handled", body))
		return
	}
	c.JSON(http.StatusOK, Ok(body))
}

func (h *AlertHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnknownObserver), errors.Is(err, escalator.ErrNotLinked):
		c.JSON(http.StatusForbidden, Fail(err.Error()))
	default:
		h.logger.Error("Alert request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, Fail("internal error"))
	}
}

// SettingsHandler 老人端设置接口
type SettingsHandler struct {
	settings SettingsService
	logger   *zap.Logger
}

// NewSettingsHandler 创建设置接口处理器
func NewSettingsHandler(settings SettingsService, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{settings: settings, logger: logger}
}

// Get GET /api/v1/settings
func (h *SettingsHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, Ok(h.settings.Settings()))
}

// Update PUT /api/v1/settings
func (h *SettingsHandler) Update(c *gin.Context) {
	var req models.ElderSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Fail("invalid settings: "+err.Error()))
		return
	}
	if err := h.settings.UpdateSettings(c.Request.Context(), req); err != nil {
		h.logger.Error("Failed to update settings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, Fail("failed to update settings"))
		return
	}
	c.JSON(http.StatusOK, Ok(h.settings.Settings()))
}
