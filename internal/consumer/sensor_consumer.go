package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"eldercare-alert/internal/classifier"
	"eldercare-alert/internal/clock"
	"eldercare-alert/internal/models"
	"eldercare-alert/internal/observability"
	"eldercare-alert/pkg/mqtt"

	"go.uber.org/zap"
)

// ErrConsumerStopped 消费者已停止
var ErrConsumerStopped = errors.New("sensor consumer stopped")

// Subscriber MQTT 订阅接口（由 pkg/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Actions 老人端的手动操作（由 producer.Producer 实现）
type Actions interface {
	OnManualTrigger(ctx context.Context, kind models.AlertKind, subjectID, subjectName, detail string)
	Cancel(subjectID string) bool
	Resolve(ctx context.Context, subjectID, alertID string) error
}

// Settings 老人端开关
type Settings interface {
	Settings() models.ElderSettings
	UpdateSettings(ctx context.Context, settings models.ElderSettings) error
}

// SensorConfig 传感器消费者配置
type SensorConfig struct {
	SubjectID      string
	SubjectName    string
	QoS            byte
	ImmobilityTick time.Duration // 无新采样时推进静止窗口的间隔
	EventBuffer    int
}

type accelMessage struct {
	models.AccelSample
	Unavailable bool `json:"unavailable"`
}

type gyroMessage struct {
	models.GyroSample
	Unavailable bool `json:"unavailable"`
}

type soundMessage struct {
	models.AmplitudeSample
	Unavailable bool `json:"unavailable"`
}

type triggerMessage struct {
	Kind   models.AlertKind `json:"kind"`
	Detail string           `json:"detail"`
}

type confirmMessage struct {
	Safe bool `json:"safe"`
}

type resolveMessage struct {
	AlertID string `json:"alert_id"`
}

// SensorConsumer 订阅老人设备的 MQTT 主题，把采样送入分类器，
// 并把候选事件写入 Events() 返回的 channel
type SensorConsumer struct {
	cfg      SensorConfig
	sub      Subscriber
	motion   *classifier.MotionClassifier
	sound    *classifier.SoundClassifier
	actions  Actions
	settings Settings
	clock    clock.Clock
	logger   *zap.Logger

	topic string

	mu      sync.RWMutex
	stopped bool
	events  chan models.CandidateEvent
}

// NewSensorConsumer 创建传感器消费者
func NewSensorConsumer(
	cfg SensorConfig,
	sub Subscriber,
	motion *classifier.MotionClassifier,
	sound *classifier.SoundClassifier,
	actions Actions,
	settings Settings,
	clk clock.Clock,
	logger *zap.Logger,
) *SensorConsumer {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}
	if cfg.ImmobilityTick <= 0 {
		cfg.ImmobilityTick = 250 * time.Millisecond
	}
	return &SensorConsumer{
		cfg:      cfg,
		sub:      sub,
		motion:   motion,
		sound:    sound,
		actions:  actions,
		settings: settings,
		clock:    clk,
		logger:   logger,
		topic:    mqtt.SubjectTopic(cfg.SubjectID, "+"),
		events:   make(chan models.CandidateEvent, cfg.EventBuffer),
	}
}

// Events 候选事件 channel，Stop 后关闭
func (c *SensorConsumer) Events() <-chan models.CandidateEvent {
	return c.events
}

// Start 订阅设备主题并推进静止窗口，直到 ctx 结束
func (c *SensorConsumer) Start(ctx context.Context) error {
	if err := c.sub.Subscribe(c.topic, c.cfg.QoS, c.handleMessage(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe sensor topics: %w", err)
	}

	c.logger.Info("Sensor consumer started",
		zap.String("subject_id", c.cfg.SubjectID),
		zap.String("topic", c.topic),
		zap.Duration("immobility_tick", c.cfg.ImmobilityTick),
	)

	ticker := time.NewTicker(c.cfg.ImmobilityTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Sensor consumer stopped")
			return nil
		case <-ticker.C:
			c.checkImmobility()
		}
	}
}

// Stop 同步取消订阅并关闭事件 channel，之后到达的消息被忽略
func (c *SensorConsumer) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.events)
	c.mu.Unlock()

	if err := c.sub.Unsubscribe(c.topic); err != nil {
		c.logger.Warn("Failed to unsubscribe sensor topics",
			zap.String("topic", c.topic),
			zap.Error(err),
		)
	}
}

// checkImmobility 没有新采样时也要让静止窗口到期
func (c *SensorConsumer) checkImmobility() {
	if !c.settings.Settings().FallDetectionEnabled {
		return
	}
	if event := c.motion.Tick(clock.NowMs(c.clock)); event != nil {
		c.emit(*event)
	}
}

func (c *SensorConsumer) handleMessage(ctx context.Context) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		c.mu.RLock()
		stopped := c.stopped
		c.mu.RUnlock()
		if stopped {
			return ErrConsumerStopped
		}

		subjectID, suffix, err := mqtt.ParseSubjectTopic(topic)
		if err != nil {
			return err
		}
		if subjectID != c.cfg.SubjectID {
			return fmt.Errorf("unexpected subject %s on topic %s", subjectID, topic)
		}

		switch suffix {
		case mqtt.SuffixAccel:
			return c.handleAccel(payload)
		case mqtt.SuffixGyro:
			return c.handleGyro(payload)
		case mqtt.SuffixSound:
			return c.handleSound(payload)
		case mqtt.SuffixTrigger:
			return c.handleTrigger(ctx, payload)
		case mqtt.SuffixConfirm:
			return c.handleConfirm(payload)
		case mqtt.SuffixResolve:
			return c.handleResolve(ctx, payload)
		case mqtt.SuffixSettings:
			return c.handleSettings(ctx, payload)
		case mqtt.SuffixCountdown:
			// 本服务自己发布的倒计时，通配订阅会收到
			return nil
		default:
			return fmt.Errorf("unknown topic suffix: %s", suffix)
		}
	}
}

func (c *SensorConsumer) handleAccel(payload []byte) error {
	var msg accelMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode accel sample: %w", err)
	}
	if msg.Unavailable {
		c.motion.MarkUnavailable()
		return nil
	}
	if !c.settings.Settings().FallDetectionEnabled {
		return nil
	}

	sample := msg.AccelSample
	if sample.AtMs == 0 {
		sample.AtMs = clock.NowMs(c.clock)
	}
	observability.SamplesProcessed.WithLabelValues("accel").Inc()

	if event := c.motion.ProcessAccel(sample); event != nil {
		c.emit(*event)
	}
	return nil
}

func (c *SensorConsumer) handleGyro(payload []byte) error {
	var msg gyroMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode gyro sample: %w", err)
	}
	// 陀螺仪缺失只影响置信度，不影响检测
	if msg.Unavailable || !c.settings.Settings().FallDetectionEnabled {
		return nil
	}

	sample := msg.GyroSample
	if sample.AtMs == 0 {
		sample.AtMs = clock.NowMs(c.clock)
	}
	observability.SamplesProcessed.WithLabelValues("gyro").Inc()
	c.motion.ProcessGyro(sample)
	return nil
}

func (c *SensorConsumer) handleSound(payload []byte) error {
	var msg soundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode amplitude sample: %w", err)
	}
	if msg.Unavailable {
		c.sound.MarkUnavailable()
		return nil
	}
	if !c.settings.Settings().SoundDetectionEnabled {
		return nil
	}

	sample := msg.AmplitudeSample
	if sample.AtMs == 0 {
		sample.AtMs = clock.NowMs(c.clock)
	}
	observability.SamplesProcessed.WithLabelValues("sound").Inc()

	if event := c.sound.Process(sample); event != nil {
		c.emit(*event)
	}
	return nil
}

func (c *SensorConsumer) handleTrigger(ctx context.Context, payload []byte) error {
	var msg triggerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode trigger: %w", err)
	}
	if msg.Kind == "" {
		msg.Kind = models.AlertKindPanicButton
	}
	if !msg.Kind.Valid() {
		return fmt.Errorf("invalid alert kind: %s", msg.Kind)
	}

	c.actions.OnManualTrigger(ctx, msg.Kind, c.cfg.SubjectID, c.cfg.SubjectName, msg.Detail)
	return nil
}

func (c *SensorConsumer) handleConfirm(payload []byte) error {
	var msg confirmMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode confirm: %w", err)
	}
	if !msg.Safe {
		return nil
	}

	if !c.actions.Cancel(c.cfg.SubjectID) {
		c.logger.Debug("No countdown to cancel",
			zap.String("subject_id", c.cfg.SubjectID),
		)
	}
	return nil
}

func (c *SensorConsumer) handleResolve(ctx context.Context, payload []byte) error {
	var msg resolveMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode resolve: %w", err)
	}
	if msg.AlertID == "" {
		return errors.New("alert_id is required")
	}
	return c.actions.Resolve(ctx, c.cfg.SubjectID, msg.AlertID)
}

func (c *SensorConsumer) handleSettings(ctx context.Context, payload []byte) error {
	var msg models.ElderSettings
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	return c.settings.UpdateSettings(ctx, msg)
}

// emit 非阻塞写入，避免阻塞 MQTT 回调
func (c *SensorConsumer) emit(event models.CandidateEvent) {
	event.SubjectID = c.cfg.SubjectID

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}

	select {
	case c.events <- event:
	default:
		c.logger.Warn("Candidate event dropped, channel full",
			zap.String("subject_id", c.cfg.SubjectID),
			zap.String("kind", string(event.Kind)),
		)
	}
}
