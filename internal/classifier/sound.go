package classifier

import (
	"math"
	"sync"

	"eldercare-alert/internal/models"

	"go.uber.org/zap"
)

// SoundConfig 异常声音检测参数
type SoundConfig struct {
	BufferSize int     // 滚动窗口采样数
	Threshold  float64 // RMS 阈值（PCM16 振幅单位）
	DebounceMs int64
}

// DefaultSoundConfig 默认参数
func DefaultSoundConfig() SoundConfig {
	return SoundConfig{
		BufferSize: 32,
		Threshold:  20000,
		DebounceMs: 30000,
	}
}

// SoundClassifier 基于振幅 RMS 的异常声音分类器，单阈值 + 去抖
type SoundClassifier struct {
	mu     sync.Mutex
	config SoundConfig
	logger *zap.Logger

	buffer []float64
	next   int
	filled int

	hasEmitted  bool
	lastEmitMs  int64
	unavailable bool
}

// NewSoundClassifier 创建异常声音分类器
func NewSoundClassifier(cfg SoundConfig, logger *zap.Logger) *SoundClassifier {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultSoundConfig().BufferSize
	}
	return &SoundClassifier{
		config: cfg,
		logger: logger,
		buffer: make([]float64, cfg.BufferSize),
	}
}

// Process 处理一个振幅采样，RMS 超过阈值且不在去抖窗口内时返回候选事件
func (c *SoundClassifier) Process(sample models.AmplitudeSample) *models.CandidateEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unavailable {
		return nil
	}

	c.buffer[c.next] = sample.Value
	c.next = (c.next + 1) % len(c.buffer)
	if c.filled < len(c.buffer) {
		c.filled++
	}

	rms := c.rmsLocked()
	if rms <= c.config.Threshold {
		return nil
	}
	if c.hasEmitted && sample.AtMs-c.lastEmitMs <= c.config.DebounceMs {
		return nil
	}

	c.hasEmitted = true
	c.lastEmitMs = sample.AtMs
	c.logger.Info("Loud sound detected",
		zap.Float64("rms", rms),
		zap.Int64("detected_at_ms", sample.AtMs),
	)
	return &models.CandidateEvent{
		Kind:         models.CandidateLoudSound,
		DetectedAtMs: sample.AtMs,
		Confidence:   models.ConfidenceNormal,
	}
}

// RMS 当前窗口的均方根
func (c *SoundClassifier) RMS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rmsLocked()
}

// Reset 清空滚动窗口，去抖记录保留
func (c *SoundClassifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.buffer {
		c.buffer[i] = 0
	}
	c.next = 0
	c.filled = 0
}

// MarkUnavailable 麦克风不可用，永久降级
func (c *SoundClassifier) MarkUnavailable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.unavailable {
		c.logger.Warn("Microphone unavailable, sound detection degraded")
	}
	c.unavailable = true
}

// Available 麦克风是否可用
func (c *SoundClassifier) Available() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return ErrSensorUnavailable
	}
	return nil
}

func (c *SoundClassifier) rmsLocked() float64 {
	if c.filled == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < c.filled; i++ {
		sum += c.buffer[i] * c.buffer[i]
	}
	return math.Sqrt(sum / float64(c.filled))
}
