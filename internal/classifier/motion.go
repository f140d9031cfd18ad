// Package classifier 把传感器采样分类为候选事件（跌倒、异常声音）
package classifier

import (
	"errors"
	"sync"

	"eldercare-alert/internal/models"

	"go.uber.org/zap"
)

// ErrSensorUnavailable 传感器不可用，该信号永久降级，不会重试
var ErrSensorUnavailable = errors.New("sensor unavailable")

// Gravity 重力加速度（m/s²）
const Gravity = 9.8

// MotionConfig 跌倒检测参数
type MotionConfig struct {
	FreeFallThreshold   float64 // 低于该值视为自由落体
	ImpactThreshold     float64 // 高于该值视为撞击
	ImmobilityThreshold float64 // 撞击后静止判定基线
	RotationThreshold   float64 // rad/s，自由落体期间超过该值只提高置信度
	MinFreeFallMs       int64
	MaxFreeFallMs       int64
	ImmobilityWindowMs  int64
	DebounceMs          int64
}

// DefaultMotionConfig 默认参数
func DefaultMotionConfig() MotionConfig {
	return MotionConfig{
		FreeFallThreshold:   0.5 * Gravity,
		ImpactThreshold:     3.0 * Gravity,
		ImmobilityThreshold: 0.3 * Gravity,
		RotationThreshold:   5.0,
		MinFreeFallMs:       300,
		MaxFreeFallMs:       2000,
		ImmobilityWindowMs:  3000,
		DebounceMs:          30000,
	}
}

// MovementAbortThreshold 静止确认期间超过该值即判定为已活动，放弃本次确认
func (c MotionConfig) MovementAbortThreshold() float64 {
	return c.ImmobilityThreshold + 2.0*Gravity
}

// MotionState 跌倒状态机状态
type MotionState int

const (
	StateIdle MotionState = iota
	StateFreeFalling
	StateConfirmingImpact
)

func (s MotionState) String() string {
	switch s {
	case StateFreeFalling:
		return "FreeFalling"
	case StateConfirmingImpact:
		return "ConfirmingImpact"
	default:
		return "Idle"
	}
}

// MotionClassifier 基于加速度的跌倒分类器
// 时间完全由采样时间戳（以及 Tick）驱动，同一实例只消费一个传感器流
type MotionClassifier struct {
	mu     sync.Mutex
	config MotionConfig
	logger *zap.Logger

	state             MotionState
	freeFallStartedMs int64
	impactAtMs        int64
	rotationSeen      bool

	hasEmitted  bool
	lastEmitMs  int64
	unavailable bool
}

// NewMotionClassifier 创建跌倒分类器
func NewMotionClassifier(cfg MotionConfig, logger *zap.Logger) *MotionClassifier {
	return &MotionClassifier{
		config: cfg,
		logger: logger,
	}
}

// ProcessAccel 处理一个加速度采样，确认跌倒时返回候选事件
func (c *MotionClassifier) ProcessAccel(sample models.AccelSample) *models.CandidateEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unavailable {
		return nil
	}

	now := sample.AtMs
	magnitude := sample.Magnitude()

	// 1. 静止确认阶段：窗口结束则出结果，窗口内只检查是否活动
	if c.state == StateConfirmingImpact {
		if now-c.impactAtMs >= c.config.ImmobilityWindowMs {
			event := c.completeLocked(now)
			if event != nil {
				return event
			}
			// 窗口已结束，当前采样按 Idle 继续处理
		} else {
			if magnitude > c.config.MovementAbortThreshold() {
				c.logger.Debug("Movement detected after impact, likely false alarm",
					zap.Float64("magnitude", magnitude),
					zap.Int64("since_impact_ms", now-c.impactAtMs),
				)
				c.resetLocked()
			}
			return nil
		}
	}

	// 2. 自由落体阶段：等待撞击或超时
	if c.state == StateFreeFalling {
		elapsed := now - c.freeFallStartedMs
		if magnitude > c.config.ImpactThreshold {
			if elapsed >= c.config.MinFreeFallMs && elapsed <= c.config.MaxFreeFallMs {
				c.logger.Debug("Impact detected",
					zap.Float64("magnitude", magnitude),
					zap.Int64("free_fall_ms", elapsed),
				)
				c.state = StateConfirmingImpact
				c.impactAtMs = now
			} else {
				c.resetLocked()
			}
			return nil
		}
		if elapsed > c.config.MaxFreeFallMs {
			c.logger.Debug("Free fall timeout, false alarm",
				zap.Int64("free_fall_ms", elapsed),
			)
			c.resetLocked()
		}
		return nil
	}

	// 3. Idle：进入自由落体
	if magnitude < c.config.FreeFallThreshold {
		c.state = StateFreeFalling
		c.freeFallStartedMs = now
		c.rotationSeen = false
	}
	return nil
}

// ProcessGyro 处理角速度采样，只在自由落体期间提高置信度，不会单独触发
func (c *MotionClassifier) ProcessGyro(sample models.GyroSample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unavailable || c.state != StateFreeFalling {
		return
	}
	if sample.Magnitude() > c.config.RotationThreshold {
		c.rotationSeen = true
	}
}

// Tick 没有新采样时推进静止确认计时
func (c *MotionClassifier) Tick(nowMs int64) *models.CandidateEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unavailable || c.state != StateConfirmingImpact {
		return nil
	}
	if nowMs-c.impactAtMs < c.config.ImmobilityWindowMs {
		return nil
	}
	return c.completeLocked(nowMs)
}

// Reset 取消进行中的自由落体/静止确认，不产生任何事件
func (c *MotionClassifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// MarkUnavailable 传感器不可用，永久降级
func (c *MotionClassifier) MarkUnavailable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.unavailable {
		c.logger.Warn("Accelerometer unavailable, fall detection degraded")
	}
	c.unavailable = true
	c.resetLocked()
}

// Available 传感器是否可用
func (c *MotionClassifier) Available() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return ErrSensorUnavailable
	}
	return nil
}

// State 当前状态
func (c *MotionClassifier) State() MotionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// completeLocked 静止窗口结束：在去抖允许时产生跌倒事件，并回到 Idle
func (c *MotionClassifier) completeLocked(now int64) *models.CandidateEvent {
	confidence := models.ConfidenceHigh
	if c.rotationSeen {
		confidence = models.ConfidenceVeryHigh
	}
	c.resetLocked()

	if c.hasEmitted && now-c.lastEmitMs <= c.config.DebounceMs {
		c.logger.Debug("Fall suppressed by debounce",
			zap.Int64("since_last_ms", now-c.lastEmitMs),
		)
		return nil
	}

	c.hasEmitted = true
	c.lastEmitMs = now
	c.logger.Info("Fall confirmed",
		zap.Int64("detected_at_ms", now),
		zap.String("confidence", string(confidence)),
	)
	return &models.CandidateEvent{
		Kind:         models.CandidateFall,
		DetectedAtMs: now,
		Confidence:   confidence,
	}
}

func (c *MotionClassifier) resetLocked() {
	c.state = StateIdle
	c.freeFallStartedMs = 0
	c.impactAtMs = 0
	c.rotationSeen = false
}
