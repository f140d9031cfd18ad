// Package producer 把候选事件和手动触发转换为报警记录，跌倒事件先经过 15 秒确认倒计时
package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"eldercare-alert/internal/clock"
	"eldercare-alert/internal/location"
	"eldercare-alert/internal/models"
	"eldercare-alert/internal/observability"
	"eldercare-alert/internal/store"

	"go.uber.org/zap"
)

// Config 报警生成参数
type Config struct {
	CountdownSeconds int           // 跌倒确认倒计时
	LocationTimeout  time.Duration // 位置查询上限
	WriteTimeout     time.Duration // 单次写入上限
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		CountdownSeconds: 15,
		LocationTimeout:  location.DefaultTimeout,
		WriteTimeout:     10 * time.Second,
	}
}

// CountdownPhase 倒计时阶段
type CountdownPhase string

const (
	PhaseStarted   CountdownPhase = "started"
	PhaseTick      CountdownPhase = "tick"
	PhaseCancelled CountdownPhase = "cancelled"
	PhaseExpired   CountdownPhase = "expired"
)

// CountdownUpdate 倒计时进度（每秒一次），老人端据此显示“我没事”确认界面
type CountdownUpdate struct {
	SubjectID string         `json:"subject_id"`
	Remaining int            `json:"remaining"`
	Phase     CountdownPhase `json:"phase"`
}

// CountdownListener 倒计时进度回调，不能阻塞
type CountdownListener func(CountdownUpdate)

type countdown struct {
	subjectID   string
	subjectName string
	remaining   int
	timer       clock.Timer
	ctx         context.Context
}

// Producer 报警生成器
type Producer struct {
	config   Config
	store    store.AlertStore
	location location.Provider
	clock    clock.Clock
	logger   *zap.Logger
	listener CountdownListener

	mu         sync.Mutex
	countdowns map[string]*countdown
	stopped    bool
	expiring   sync.WaitGroup // 到期后正在写入的跌倒报警
}

// NewProducer 创建报警生成器，locator 可以为 nil（不查询位置）
func NewProducer(cfg Config, alertStore store.AlertStore, locator location.Provider, clk clock.Clock, logger *zap.Logger) *Producer {
	if cfg.CountdownSeconds <= 0 {
		cfg.CountdownSeconds = DefaultConfig().CountdownSeconds
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if locator != nil {
		locator = location.WithTimeout(locator, cfg.LocationTimeout)
	}
	return &Producer{
		config:     cfg,
		store:      alertStore,
		location:   locator,
		clock:      clk,
		logger:     logger,
		countdowns: make(map[string]*countdown),
	}
}

// SetCountdownListener 设置倒计时回调
func (p *Producer) SetCountdownListener(listener CountdownListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = listener
}

// Run 消费分类器输出，直到 ctx 结束或 channel 关闭
func (p *Producer) Run(ctx context.Context, events <-chan models.CandidateEvent, subjectID, subjectName string) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok || ctx.Err() != nil {
				return
			}
			p.OnCandidate(ctx, event, subjectID, subjectName)
		}
	}
}

// OnCandidate 处理候选事件
// 跌倒进入确认倒计时；倒计时进行中再次到来的跌倒被丢弃，倒计时不重置
// 其他候选事件立即写入
func (p *Producer) OnCandidate(ctx context.Context, event models.CandidateEvent, subjectID, subjectName string) {
	observability.CandidateEvents.WithLabelValues(string(event.Kind)).Inc()

	if event.Kind != models.CandidateFall {
		p.writeAlert(ctx, event.AlertKind(), subjectID, subjectName, "")
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if _, running := p.countdowns[subjectID]; running {
		p.mu.Unlock()
		observability.CountdownOutcomes.WithLabelValues("dropped").Inc()
		p.logger.Info("Fall candidate dropped, countdown already running",
			zap.String("subject_id", subjectID),
			zap.Int64("detected_at_ms", event.DetectedAtMs),
		)
		return
	}

	cd := &countdown{
		subjectID:   subjectID,
		subjectName: subjectName,
		remaining:   p.config.CountdownSeconds,
		ctx:         context.WithoutCancel(ctx),
	}
	cd.timer = p.clock.AfterFunc(time.Second, func() { p.tick(cd) })
	p.countdowns[subjectID] = cd
	listener := p.listener
	remaining := cd.remaining
	p.mu.Unlock()

	p.logger.Info("Fall confirmation countdown started",
		zap.String("subject_id", subjectID),
		zap.Int("seconds", remaining),
		zap.String("confidence", string(event.Confidence)),
	)
	notify(listener, CountdownUpdate{SubjectID: subjectID, Remaining: remaining, Phase: PhaseStarted})
}

// OnManualTrigger 手动触发（求救按钮、预约通知、测试报警等），不经过倒计时
func (p *Producer) OnManualTrigger(ctx context.Context, kind models.AlertKind, subjectID, subjectName, detail string) {
	if !kind.Valid() {
		p.logger.Warn("Ignoring manual trigger with unknown kind",
			zap.String("subject_id", subjectID),
			zap.String("kind", string(kind)),
		)
		return
	}
	p.writeAlert(ctx, kind, subjectID, subjectName, detail)
}

// Cancel 老人确认“我没事”，取消倒计时，不会产生报警
// 返回 false 表示没有进行中的倒计时（或已到期）
func (p *Producer) Cancel(subjectID string) bool {
	p.mu.Lock()
	cd, ok := p.countdowns[subjectID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	cd.timer.Stop()
	delete(p.countdowns, subjectID)
	listener := p.listener
	remaining := cd.remaining
	p.mu.Unlock()

	observability.CountdownOutcomes.WithLabelValues("cancelled").Inc()
	p.logger.Info("Fall confirmation cancelled by subject",
		zap.String("subject_id", subjectID),
		zap.Int("remaining", remaining),
	)
	notify(listener, CountdownUpdate{SubjectID: subjectID, Remaining: remaining, Phase: PhaseCancelled})
	return true
}

// CancelAll 停止监测时取消所有倒计时，并等待已到期的报警写完
// 之后不再开始新的倒计时
func (p *Producer) CancelAll() {
	p.mu.Lock()
	p.stopped = true
	subjects := make([]string, 0, len(p.countdowns))
	for subjectID := range p.countdowns {
		subjects = append(subjects, subjectID)
	}
	p.mu.Unlock()

	for _, subjectID := range subjects {
		p.Cancel(subjectID)
	}
	p.expiring.Wait()
}

// Pending 是否有进行中的倒计时
func (p *Producer) Pending(subjectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.countdowns[subjectID]
	return ok
}

// Resolve 老人自己解除报警
func (p *Producer) Resolve(ctx context.Context, subjectID, alertID string) error {
	alert, err := p.store.Get(ctx, alertID)
	if err != nil {
		return fmt.Errorf("failed to get alert: %w", err)
	}
	if alert.SubjectID != subjectID {
		return fmt.Errorf("alert %s does not belong to subject %s: %w", alertID, subjectID, store.ErrNotFound)
	}

	if err := p.store.UpdateStatus(ctx, alertID, models.AlertStatusResolved, subjectID); err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	p.logger.Info("Alert resolved by subject",
		zap.String("alert_id", alertID),
		zap.String("subject_id", subjectID),
	)
	return nil
}

// tick 每秒推进一次倒计时，到期后写入报警
func (p *Producer) tick(cd *countdown) {
	p.mu.Lock()
	if p.countdowns[cd.subjectID] != cd {
		// 已取消
		p.mu.Unlock()
		return
	}

	cd.remaining--
	listener := p.listener
	if cd.remaining > 0 {
		cd.timer = p.clock.AfterFunc(time.Second, func() { p.tick(cd) })
		remaining := cd.remaining
		p.mu.Unlock()
		notify(listener, CountdownUpdate{SubjectID: cd.subjectID, Remaining: remaining, Phase: PhaseTick})
		return
	}

	delete(p.countdowns, cd.subjectID)
	p.expiring.Add(1)
	p.mu.Unlock()
	defer p.expiring.Done()

	observability.CountdownOutcomes.WithLabelValues("expired").Inc()
	notify(listener, CountdownUpdate{SubjectID: cd.subjectID, Remaining: 0, Phase: PhaseExpired})

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic while writing fall alert",
				zap.String("subject_id", cd.subjectID),
				zap.Any("panic", r),
			)
		}
	}()
	p.writeAlert(cd.ctx, models.AlertKindFallDetected, cd.subjectID, cd.subjectName, "")
}

// writeAlert 查询位置（尽力而为）后写入 PENDING 报警，写入失败只记录日志，不重试
func (p *Producer) writeAlert(ctx context.Context, kind models.AlertKind, subjectID, subjectName, detail string) {
	var point *models.GeoPoint
	if p.location != nil {
		start := time.Now()
		loc, err := p.location.CurrentLocation(ctx, subjectID)
		observability.LocationLookupDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			p.logger.Warn("Location unavailable, alert created without location",
				zap.String("subject_id", subjectID),
				zap.Error(err),
			)
		} else {
			point = loc
		}
	}

	alert := models.Alert{
		SubjectID:          subjectID,
		SubjectDisplayName: subjectName,
		Kind:               kind,
		Detail:             detail,
		CreatedAtMs:        clock.NowMs(p.clock),
		Status:             models.AlertStatusPending,
		Location:           point,
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.config.WriteTimeout)
	defer cancel()

	id, err := p.store.Append(writeCtx, alert)
	if err != nil {
		observability.AlertWriteFailures.WithLabelValues(string(kind)).Inc()
		p.logger.Error("Failed to write alert, dropped",
			zap.String("subject_id", subjectID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return
	}

	observability.AlertsAppended.WithLabelValues(string(kind)).Inc()
	p.logger.Info("Alert written",
		zap.String("alert_id", id),
		zap.String("subject_id", subjectID),
		zap.String("kind", string(kind)),
		zap.Bool("has_location", point != nil),
	)
}

func notify(listener CountdownListener, update CountdownUpdate) {
	if listener != nil {
		listener(update)
	}
}
