package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"eldercare-alert/internal/clock"
	"eldercare-alert/internal/models"
	"eldercare-alert/internal/repository"
	redisutil "eldercare-alert/pkg/redis"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertRecords 报警持久化（PostgreSQL 实现为 repository.AlertRepository）
type AlertRecords interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
	UpdateAlertStatus(ctx context.Context, alertID string, status models.AlertStatus, handledBy string, handledAtMs int64) (*models.Alert, error)
	ListAlerts(ctx context.Context, subjectIDs []string, status models.AlertStatus) ([]models.Alert, error)
	ListAlertHistory(ctx context.Context, subjectIDs []string, limit int) ([]models.Alert, error)
}

// SubjectChannel 老人报警变更的 Redis 频道
func SubjectChannel(subjectID string) string {
	return "alerts:subject:" + subjectID
}

// LiveStore PostgreSQL 持久化 + Redis pub/sub 实时扇出
type LiveStore struct {
	records AlertRecords
	redis   *redis.Client
	clock   clock.Clock
	logger  *zap.Logger
}

// NewLiveStore 创建报警存储
func NewLiveStore(records AlertRecords, redisClient *redis.Client, clk clock.Clock, logger *zap.Logger) *LiveStore {
	return &LiveStore{
		records: records,
		redis:   redisClient,
		clock:   clk,
		logger:  logger,
	}
}

// Append 写入报警并发布到老人频道
func (s *LiveStore) Append(ctx context.Context, alert models.Alert) (string, error) {
	if err := prepareAppend(&alert, uuid.New().String(), clock.NowMs(s.clock)); err != nil {
		return "", fmt.Errorf("failed to append alert: %w", err)
	}

	if err := s.records.CreateAlert(ctx, &alert); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.publish(ctx, alert)
	return alert.ID, nil
}

// Subscribe 先确认 Redis 订阅，再读取快照，保证两者之间没有遗漏
func (s *LiveStore) Subscribe(ctx context.Context, filter Filter) (<-chan models.Alert, error) {
	out := make(chan models.Alert)

	if len(filter.SubjectIDIn) == 0 {
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out, nil
	}

	channels := make([]string, 0, len(filter.SubjectIDIn))
	for _, id := range filter.SubjectIDIn {
		channels = append(channels, SubjectChannel(id))
	}

	// 1. 订阅并等待确认
	pubsub, err := redisutil.SubscribeConfirmed(ctx, s.redis, channels...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// 2. 快照
	snapshot, err := s.records.ListAlerts(ctx, filter.SubjectIDIn, filter.StatusEquals)
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// 3. 先投递快照，再投递实时消息
	go func() {
		defer close(out)
		defer pubsub.Close()

		tracker := newDeliveryTracker(filter)
		messages := pubsub.Channel()

		for i := range snapshot {
			if !tracker.admit(&snapshot[i]) {
				continue
			}
			select {
			case out <- snapshot[i]:
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					s.logger.Warn("Alert subscription channel closed")
					return
				}
				var alert models.Alert
				if err := json.Unmarshal([]byte(msg.Payload), &alert); err != nil {
					s.logger.Warn("Failed to decode alert message",
						zap.String("channel", msg.Channel),
						zap.Error(err),
					)
					continue
				}
				if !tracker.admit(&alert) {
					continue
				}
				select {
				case out <- alert:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// UpdateStatus 条件更新状态，并把新状态发布到老人频道
func (s *LiveStore) UpdateStatus(ctx context.Context, id string, status models.AlertStatus, handledBy string) error {
	updated, err := s.records.UpdateAlertStatus(ctx, id, status, handledBy, clock.NowMs(s.clock))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAlertNotFound):
			return ErrNotFound
		case errors.Is(err, repository.ErrAlertNotPending):
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		default:
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	s.publish(ctx, *updated)
	return nil
}

// Get 按 ID 获取报警
func (s *LiveStore) Get(ctx context.Context, id string) (*models.Alert, error) {
	alert, err := s.records.GetAlert(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAlertNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return alert, nil
}

// History 按创建时间倒序返回这些老人的报警
func (s *LiveStore) History(ctx context.Context, subjectIDs []string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	alerts, err := s.records.ListAlertHistory(ctx, subjectIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return alerts, nil
}

// publish 发布失败只记录日志：数据已落库，订阅方在下一次快照时可以补齐
func (s *LiveStore) publish(ctx context.Context, alert models.Alert) {
	receivers, err := redisutil.PublishJSON(ctx, s.redis, SubjectChannel(alert.SubjectID), alert)
	if err != nil {
		s.logger.Error("Failed to publish alert",
			zap.String("alert_id", alert.ID),
			zap.String("subject_id", alert.SubjectID),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("Alert published",
		zap.String("alert_id", alert.ID),
		zap.String("status", string(alert.Status)),
		zap.Int64("receivers", receivers),
	)
}
