// Package store 定义报警存储契约：追加、实时订阅、状态更新与历史查询
package store

import (
	"context"
	"errors"

	"eldercare-alert/internal/models"
)

var (
	// ErrStoreUnavailable 存储暂时不可用（写入被丢弃，不重试）
	ErrStoreUnavailable = errors.New("alert store unavailable")
	// ErrNotFound 报警不存在
	ErrNotFound = errors.New("alert not found")
	// ErrInvalidTransition 状态只能从 PENDING 前进到终态
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// DefaultHistoryLimit 历史查询默认条数
const DefaultHistoryLimit = 100

// Filter 订阅过滤条件
type Filter struct {
	SubjectIDIn  []string
	StatusEquals models.AlertStatus // 为空表示不过滤状态
}

// Matches 报警是否满足过滤条件
func (f Filter) Matches(a *models.Alert) bool {
	if f.StatusEquals != "" && a.Status != f.StatusEquals {
		return false
	}
	for _, id := range f.SubjectIDIn {
		if id == a.SubjectID {
			return true
		}
	}
	return false
}

// AlertStore 报警存储
//
// Subscribe 先投递订阅时刻所有满足条件的报警，再投递之后每一条满足条件的追加；
// 已投递的报警因 UpdateStatus 不再满足条件时，以新状态再投递一次。
// 同一老人的报警按创建顺序投递，不同老人之间不保证顺序。
// 返回的 channel 在 ctx 结束后关闭。
type AlertStore interface {
	Append(ctx context.Context, alert models.Alert) (string, error)
	Subscribe(ctx context.Context, filter Filter) (<-chan models.Alert, error)
	UpdateStatus(ctx context.Context, id string, status models.AlertStatus, handledBy string) error
	Get(ctx context.Context, id string) (*models.Alert, error)
	History(ctx context.Context, subjectIDs []string, limit int) ([]models.Alert, error)
}

// prepareAppend 补全新报警的存储侧字段
func prepareAppend(alert *models.Alert, id string, nowMs int64) error {
	if alert.SubjectID == "" {
		return errors.New("subject_id is required")
	}
	if !alert.Kind.Valid() {
		return errors.New("invalid alert kind: " + string(alert.Kind))
	}
	alert.ID = id
	alert.Status = models.AlertStatusPending
	if alert.CreatedAtMs == 0 {
		alert.CreatedAtMs = nowMs
	}
	alert.MapLinkURL = models.MapLinkURL(alert.Location)
	alert.HandledBy = ""
	alert.HandledAtMs = 0
	return nil
}

// deliveryTracker 记录一个订阅已投递过的报警及其状态
// 用于离开过滤条件时的一次性通知，并去除快照与实时消息之间的重复
type deliveryTracker struct {
	filter    Filter
	delivered map[string]models.AlertStatus
}

func newDeliveryTracker(filter Filter) *deliveryTracker {
	return &deliveryTracker{
		filter:    filter,
		delivered: make(map[string]models.AlertStatus),
	}
}

// admit 判断报警是否需要投递给该订阅
func (t *deliveryTracker) admit(a *models.Alert) bool {
	last, seen := t.delivered[a.ID]
	if t.filter.Matches(a) {
		if seen && last == a.Status {
			return false
		}
		t.delivered[a.ID] = a.Status
		return true
	}
	if seen {
		// 离开过滤条件，最后投递一次
		delete(t.delivered, a.ID)
		return true
	}
	return false
}
