package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"eldercare-alert/internal/classifier"
	"eldercare-alert/internal/clock"
	"eldercare-alert/internal/config"
	"eldercare-alert/internal/consumer"
	"eldercare-alert/internal/location"
	"eldercare-alert/internal/models"
	"eldercare-alert/internal/producer"
	"eldercare-alert/internal/settings"
	"eldercare-alert/internal/store"
	"eldercare-alert/pkg/mqtt"

	"go.uber.org/zap"
)

// DeviceBus 设备侧 MQTT（由 pkg/mqtt.Client 实现）
type DeviceBus interface {
	consumer.Subscriber
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// ObserverDirectory 查询老人已批准的看护人（由 repository.LinkRepository 实现）
type ObserverDirectory interface {
	ApprovedObserversOf(ctx context.Context, subjectID string) ([]string, error)
}

// MonitorService 老人端安全监测服务（整合分类器、确认倒计时与报警写入）
type MonitorService struct {
	config    *config.Config
	bus       DeviceBus
	observers ObserverDirectory
	settings  *settings.FileStore
	logger    *zap.Logger

	motion   *classifier.MotionClassifier
	sound    *classifier.SoundClassifier
	producer *producer.Producer
	sensors  *consumer.SensorConsumer

	settingsMu sync.Mutex
	stopOnce   sync.Once

	runMu     sync.Mutex
	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// NewMonitorService 创建老人端服务，observers 可以为 nil
func NewMonitorService(
	cfg *config.Config,
	alertStore store.AlertStore,
	locator location.Provider,
	bus DeviceBus,
	observers ObserverDirectory,
	settingsStore *settings.FileStore,
	clk clock.Clock,
	logger *zap.Logger,
) *MonitorService {
	s := &MonitorService{
		config:    cfg,
		bus:       bus,
		observers: observers,
		settings:  settingsStore,
		logger:    logger,
	}

	// 1. 分类器
	s.motion = classifier.NewMotionClassifier(classifier.DefaultMotionConfig(), logger)
	soundCfg := classifier.DefaultSoundConfig()
	if cfg.Monitor.SoundBufferSize > 0 {
		soundCfg.BufferSize = cfg.Monitor.SoundBufferSize
	}
	s.sound = classifier.NewSoundClassifier(soundCfg, logger)

	// 2. 报警生产者
	producerCfg := producer.DefaultConfig()
	producerCfg.CountdownSeconds = int(cfg.Monitor.ConfirmationWindow / time.Second)
	if cfg.Monitor.LocationTimeout > 0 {
		producerCfg.LocationTimeout = cfg.Monitor.LocationTimeout
	}
	s.producer = producer.NewProducer(producerCfg, alertStore, locator, clk, logger)
	s.producer.SetCountdownListener(s.publishCountdown)

	// 3. MQTT 采样消费者
	s.sensors = consumer.NewSensorConsumer(
		consumer.SensorConfig{
			SubjectID:      cfg.Monitor.SubjectID,
			SubjectName:    cfg.Monitor.SubjectName,
			QoS:            cfg.MQTT.QoS,
			ImmobilityTick: cfg.Monitor.ImmobilityTick,
		},
		bus,
		s.motion,
		s.sound,
		s.producer,
		s,
		clk,
		logger,
	)

	return s
}

// Start 启动服务，阻塞直到 ctx 结束
func (s *MonitorService) Start(ctx context.Context) error {
	current := s.Settings()
	s.logger.Info("Starting safety monitor",
		zap.String("subject_id", s.config.Monitor.SubjectID),
		zap.Bool("fall_detection_enabled", current.FallDetectionEnabled),
		zap.Bool("sound_detection_enabled", current.SoundDetectionEnabled),
	)
	s.logLinkedObservers(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.runMu.Lock()
	s.cancelRun = cancel
	s.runDone = done
	s.runMu.Unlock()

	go func() {
		defer close(done)
		s.producer.Run(runCtx, s.sensors.Events(), s.config.Monitor.SubjectID, s.config.Monitor.SubjectName)
	}()

	if err := s.sensors.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sensor consumer: %w", err)
	}
	return nil
}

// Stop 同步停止采样订阅，重置分类器并取消所有倒计时，之后不会再产生报警
func (s *MonitorService) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping safety monitor")
		s.sensors.Stop()

		// 等待生产者退出，缓冲中的候选事件不再处理
		s.runMu.Lock()
		cancel, done := s.cancelRun, s.runDone
		s.runMu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}

		s.motion.Reset()
		s.sound.Reset()
		s.producer.CancelAll()
	})
}

// Settings 当前开关
func (s *MonitorService) Settings() models.ElderSettings {
	return s.settings.Get()
}

// UpdateSettings 保存开关并立即生效，关闭检测时清空对应分类器的中间状态，
// 关闭跌倒检测同时取消进行中的确认倒计时
func (s *MonitorService) UpdateSettings(ctx context.Context, next models.ElderSettings) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	prev := s.settings.Get()
	if err := s.settings.Save(next); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	if prev.FallDetectionEnabled && !next.FallDetectionEnabled {
		s.motion.Reset()
		s.producer.Cancel(s.config.Monitor.SubjectID)
	}
	if prev.SoundDetectionEnabled && !next.SoundDetectionEnabled {
		s.sound.Reset()
	}
	return nil
}

// Producer 报警生产者
func (s *MonitorService) Producer() *producer.Producer {
	return s.producer
}

// logLinkedObservers 没有已批准的看护人时报警不会送达任何人，启动时提示
func (s *MonitorService) logLinkedObservers(ctx context.Context) {
	if s.observers == nil {
		return
	}
	observers, err := s.observers.ApprovedObserversOf(ctx, s.config.Monitor.SubjectID)
	if err != nil {
		s.logger.Warn("Failed to query linked caretakers",
			zap.Error(err),
		)
		return
	}
	if len(observers) == 0 {
		s.logger.Warn("No approved caretakers, alerts will not be delivered",
			zap.String("subject_id", s.config.Monitor.SubjectID),
		)
		return
	}
	s.logger.Info("Linked caretakers",
		zap.Strings("observer_ids", observers),
	)
}

// publishCountdown 把倒计时进度发给设备显示
func (s *MonitorService) publishCountdown(update producer.CountdownUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		s.logger.Error("Failed to marshal countdown update", zap.Error(err))
		return
	}

	topic := mqtt.SubjectTopic(update.SubjectID, mqtt.SuffixCountdown)
	if err := s.bus.Publish(topic, s.config.MQTT.QoS, false, payload); err != nil {
		s.logger.Warn("Failed to publish countdown update",
			zap.String("topic", topic),
			zap.String("phase", string(update.Phase)),
			zap.Error(err),
		)
	}
}
