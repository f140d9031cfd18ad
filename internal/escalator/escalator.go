// Package escalator 看护人端：订阅已关联老人的 PENDING 报警，去抖后升级为最高紧急程度通知
package escalator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"eldercare-alert/internal/clock"
	"eldercare-alert/internal/models"
	"eldercare-alert/internal/observability"
	"eldercare-alert/internal/store"

	"go.uber.org/zap"
)

// DefaultDebounce 同一看护人两次升级之间的最小间隔
const DefaultDebounce = 5 * time.Second

// ErrNotLinked 看护人未关联该报警所属的老人
var ErrNotLinked = errors.New("subject not linked to observer")

// AckResult 确认结果
type AckResult string

const (
	AckOK    AckResult = "acknowledged"
	AckStale AckResult = "stale" // 报警不存在或已被处理，对看护人表现为无操作提示
)

type alertState int

const (
	stateIdle alertState = iota
	stateEscalating
)

// Escalator 单个看护人的报警订阅与升级
type Escalator struct {
	observerID string
	store      store.AlertStore
	sink       Sink
	inApp      InAppChannel
	clock      clock.Clock
	logger     *zap.Logger
	debounceMs int64

	// subMu 串行化订阅切换
	subMu    sync.Mutex
	active   bool
	subjects []string
	cancel   context.CancelFunc
	done     chan struct{}

	mu             sync.Mutex
	states         map[string]alertState
	hasEscalated   bool
	lastEscalation int64
}

// NewEscalator 创建看护人报警升级器，inApp 可以为 nil
func NewEscalator(observerID string, alertStore store.AlertStore, sink Sink, inApp InAppChannel, clk clock.Clock, logger *zap.Logger) *Escalator {
	return &Escalator{
		observerID: observerID,
		store:      alertStore,
		sink:       sink,
		inApp:      inApp,
		clock:      clk,
		logger:     logger.With(zap.String("observer_id", observerID)),
		debounceMs: DefaultDebounce.Milliseconds(),
		states:     make(map[string]alertState),
	}
}

// ObserverID 看护人 ID
func (e *Escalator) ObserverID() string {
	return e.observerID
}

// LinkedSubjects 当前订阅的老人 ID
func (e *Escalator) LinkedSubjects() []string {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return append([]string(nil), e.subjects...)
}

// SetLinkedSubjects 关联老人集合变化时重新订阅；集合不变且订阅有效时不做任何事
func (e *Escalator) SetLinkedSubjects(ctx context.Context, subjectIDs []string) error {
	ids := normalize(subjectIDs)

	e.subMu.Lock()
	defer e.subMu.Unlock()

	if e.active && equal(e.subjects, ids) {
		return nil
	}

	// 1. 关闭旧订阅
	e.stopLocked()

	// 2. 新集合为空时不订阅
	if len(ids) == 0 {
		e.active = true
		e.subjects = ids
		e.logger.Info("No linked subjects, alert subscription idle")
		return nil
	}

	// 3. 打开新订阅
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	alerts, err := e.store.Subscribe(subCtx, store.Filter{
		SubjectIDIn:  ids,
		StatusEquals: models.AlertStatusPending,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to alerts: %w", err)
	}

	done := make(chan struct{})
	e.active = true
	e.subjects = ids
	e.cancel = cancel
	e.done = done
	observability.ActiveSubscriptions.Inc()

	go e.loop(alerts, done)

	e.logger.Info("Alert subscription opened",
		zap.Strings("subject_ids", ids),
	)
	return nil
}

// Acknowledge 看护人确认报警
// 报警不存在或已被处理时返回 AckStale，不作为错误
func (e *Escalator) Acknowledge(ctx context.Context, alertID string) (AckResult, error) {
	alert, err := e.store.Get(ctx, alertID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			observability.Acknowledgements.WithLabelValues(string(AckStale)).Inc()
			return AckStale, nil
		}
		return "", fmt.Errorf("failed to get alert: %w", err)
	}
	if !contains(e.LinkedSubjects(), alert.SubjectID) {
		return "", ErrNotLinked
	}

	err = e.store.UpdateStatus(ctx, alertID, models.AlertStatusAcknowledged, e.observerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTransition) {
			observability.Acknowledgements.WithLabelValues(string(AckStale)).Inc()
			e.logger.Info("Acknowledge on stale alert",
				zap.String("alert_id", alertID),
				zap.Error(err),
			)
			return AckStale, nil
		}
		return "", fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	observability.Acknowledgements.WithLabelValues(string(AckOK)).Inc()
	e.logger.Info("Alert acknowledged",
		zap.String("alert_id", alertID),
		zap.String("subject_id", alert.SubjectID),
	)
	return AckOK, nil
}

// Close 关闭订阅
func (e *Escalator) Close() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.stopLocked()
	e.active = false
	e.subjects = nil
}

// stopLocked 取消当前订阅并等待处理循环退出，调用方持有 subMu
func (e *Escalator) stopLocked() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil
	observability.ActiveSubscriptions.Dec()
}

func (e *Escalator) loop(alerts <-chan models.Alert, done chan struct{}) {
	defer close(done)
	for alert := range alerts {
		e.handle(alert)
	}
}

// handle 处理一条订阅消息，单条失败不影响订阅循环
func (e *Escalator) handle(alert models.Alert) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic while handling alert",
				zap.String("alert_id", alert.ID),
				zap.Any("panic", r),
			)
		}
	}()

	e.mu.Lock()

	// 离开 PENDING：回到 Idle，通知应用关闭弹窗
	if alert.Status != models.AlertStatusPending {
		_, escalated := e.states[alert.ID]
		delete(e.states, alert.ID)
		e.mu.Unlock()
		if escalated && e.inApp != nil {
			e.inApp.Publish(e.observerID, InAppMessage{Type: InAppStatus, Alert: alert})
		}
		return
	}

	if e.states[alert.ID] == stateEscalating {
		e.mu.Unlock()
		return
	}

	now := clock.NowMs(e.clock)
	if e.hasEscalated && now-e.lastEscalation < e.debounceMs {
		e.mu.Unlock()
		observability.EscalationsDebounced.Inc()
		e.logger.Debug("Alert ignored by debounce",
			zap.String("alert_id", alert.ID),
			zap.Int64("since_last_ms", now-e.lastEscalation),
		)
		return
	}

	e.states[alert.ID] = stateEscalating
	e.hasEscalated = true
	e.lastEscalation = now
	e.mu.Unlock()

	e.escalate(alert)
}

// escalate 推送系统通知并广播到应用内通道
func (e *Escalator) escalate(alert models.Alert) {
	n := BuildNotification(&alert)
	observability.Escalations.WithLabelValues(string(alert.Kind)).Inc()

	e.logger.Warn("Escalating alert",
		zap.String("alert_id", alert.ID),
		zap.String("subject_id", alert.SubjectID),
		zap.String("kind", string(alert.Kind)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.sink.Notify(ctx, e.observerID, n); err != nil {
		e.logger.Error("Failed to deliver notification",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
	}

	if e.inApp != nil {
		e.inApp.Publish(e.observerID, InAppMessage{Type: InAppEscalation, Notification: &n, Alert: alert})
	}
}

// escalating 当前处于升级状态的报警数量
func (e *Escalator) escalating() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}

func normalize(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
