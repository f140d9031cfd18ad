package models

import (
	"fmt"
)

// AlertKind 报警类型
type AlertKind string

const (
	AlertKindFallDetected      AlertKind = "FALL_DETECTED"
	AlertKindLoudSound         AlertKind = "LOUD_SOUND"
	AlertKindPanicButton       AlertKind = "PANIC_BUTTON"
	AlertKindManual            AlertKind = "MANUAL"
	AlertKindAppointmentBooked AlertKind = "APPOINTMENT_BOOKED"
	AlertKindTest              AlertKind = "TEST"
)

// Valid 检查报警类型是否合法
func (k AlertKind) Valid() bool {
	switch k {
	case AlertKindFallDetected, AlertKindLoudSound, AlertKindPanicButton,
		AlertKindManual, AlertKindAppointmentBooked, AlertKindTest:
		return true
	}
	return false
}

// AlertStatus 报警状态
// PENDING 只能转到 ACKNOWLEDGED 或 RESOLVED，两者均为终态
type AlertStatus string

const (
	AlertStatusPending      AlertStatus = "PENDING"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertStatusResolved     AlertStatus = "RESOLVED"
)

// Terminal 是否为终态
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusAcknowledged || s == AlertStatusResolved
}

// CanTransitionTo 状态只能单调前进
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	return s == AlertStatusPending && next.Terminal()
}

// GeoPoint 经纬度
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Alert 报警记录（对应 alerts 表），唯一需要持久化的实体
type Alert struct {
	ID                 string      `json:"id" db:"alert_id"`
	SubjectID          string      `json:"subject_id" db:"subject_id"`
	SubjectDisplayName string      `json:"subject_display_name" db:"subject_display_name"`
	Kind               AlertKind   `json:"kind" db:"kind"`
	Detail             string      `json:"detail,omitempty" db:"detail"` // 例如预约通知中的医生姓名
	CreatedAtMs        int64       `json:"created_at_ms" db:"created_at_ms"`
	Status             AlertStatus `json:"status" db:"status"`
	Location           *GeoPoint   `json:"location,omitempty" db:"-"`
	MapLinkURL         string      `json:"map_link_url" db:"map_link_url"`
	HandledBy          string      `json:"handled_by,omitempty" db:"handled_by"`
	HandledAtMs        int64       `json:"handled_at_ms,omitempty" db:"handled_at_ms"`
}

// MapLinkURL 根据位置生成地图链接，位置未知时返回空串
func MapLinkURL(location *GeoPoint) string {
	if location == nil {
		return ""
	}
	return fmt.Sprintf("https://www.google.com/maps/search/?api=1&query=%v,%v", location.Latitude, location.Longitude)
}

// Coordinates 展示用坐标，位置未知时为 0.0/0.0
func (a *Alert) Coordinates() (lat, lng float64) {
	if a.Location == nil {
		return 0.0, 0.0
	}
	return a.Location.Latitude, a.Location.Longitude
}
