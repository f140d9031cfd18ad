package escalator

import (
	"context"
	"fmt"

	"eldercare-alert/internal/models"
)

// Urgency 通知紧急程度
type Urgency string

const (
	UrgencyNormal  Urgency = "normal"
	UrgencyMaximal Urgency = "maximal"
)

// Action 通知上的操作，只有 Acknowledge 会改变报警状态
type Action string

const (
	ActionAcknowledge  Action = "ACKNOWLEDGE"
	ActionViewLocation Action = "VIEW_LOCATION"
)

// UrgentVibrationPattern 震动模式（毫秒）：等待、震动、间隔、震动...
var UrgentVibrationPattern = []int64{0, 500, 200, 500, 200, 500}

// Notification 推送给看护人的报警通知
type Notification struct {
	AlertID            string           `json:"alert_id"`
	SubjectID          string           `json:"subject_id"`
	SubjectDisplayName string           `json:"subject_display_name"`
	Kind               models.AlertKind `json:"kind"`
	Title              string           `json:"title"`
	Body               string           `json:"body"`
	Details            string           `json:"details"`
	Urgency            Urgency          `json:"urgency"`
	Actions            []Action         `json:"actions"`
	VibrationPatternMs []int64          `json:"vibration_pattern_ms"`
	Latitude           float64          `json:"latitude"`
	Longitude          float64          `json:"longitude"`
	MapLinkURL         string           `json:"map_link_url"`
	CreatedAtMs        int64            `json:"created_at_ms"`
}

// Sink 系统级通知投递（手机推送）
type Sink interface {
	Notify(ctx context.Context, observerID string, n Notification) error
}

// InAppMessageType 应用内消息类型
type InAppMessageType string

const (
	InAppEscalation InAppMessageType = "escalation"    // 打开阻塞式弹窗
	InAppStatus     InAppMessageType = "status_change" // 报警离开 PENDING，关闭弹窗
)

// InAppMessage 应用内通道消息
type InAppMessage struct {
	Type         InAppMessageType `json:"type"`
	Notification *Notification    `json:"notification,omitempty"`
	Alert        models.Alert     `json:"alert"`
}

// InAppChannel 应用在前台时的本地发布/订阅通道
type InAppChannel interface {
	Publish(observerID string, msg InAppMessage)
}

// AlertMessage 按报警类型生成通知正文
func AlertMessage(alert *models.Alert) string {
	switch alert.Kind {
	case models.AlertKindFallDetected:
		return "Fall detected! Check immediately"
	case models.AlertKindLoudSound:
		return "Distress sound detected"
	case models.AlertKindPanicButton:
		return "Emergency SOS activated"
	case models.AlertKindManual:
		return "Manual emergency alert"
	case models.AlertKindAppointmentBooked:
		if alert.Detail != "" {
			return "Appointment booked with " + alert.Detail
		}
		return "Appointment booked"
	case models.AlertKindTest:
		return "Test alert, no action needed"
	default:
		return "Urgent assistance needed"
	}
}

// BuildNotification 生成最高紧急程度的通知
func BuildNotification(alert *models.Alert) Notification {
	lat, lng := alert.Coordinates()
	name := alert.SubjectDisplayName
	if name == "" {
		name = "Elder"
	}

	return Notification{
		AlertID:            alert.ID,
		SubjectID:          alert.SubjectID,
		SubjectDisplayName: name,
		Kind:               alert.Kind,
		Title:              fmt.Sprintf("URGENT: %s Needs Help!", name),
		Body:               AlertMessage(alert),
		Details: fmt.Sprintf("%s may have fallen or is in distress. Location: %.6f, %.6f\nType: %s\nTap to respond immediately.",
			name, lat, lng, alert.Kind),
		Urgency:            UrgencyMaximal,
		Actions:            []Action{ActionAcknowledge, ActionViewLocation},
		VibrationPatternMs: append([]int64(nil), UrgentVibrationPattern...),
		Latitude:           lat,
		Longitude:          lng,
		MapLinkURL:         alert.MapLinkURL,
		CreatedAtMs:        alert.CreatedAtMs,
	}
}
