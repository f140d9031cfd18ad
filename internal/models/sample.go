package models

import "math"

// AccelSample 三轴加速度采样（m/s²）
type AccelSample struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
	AtMs int64   `json:"at_ms"`
}

// Magnitude 三轴向量的欧氏范数
func (s AccelSample) Magnitude() float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

// GyroSample 三轴角速度采样（rad/s）
type GyroSample struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
	AtMs int64   `json:"at_ms"`
}

// Magnitude 三轴向量的欧氏范数
func (s GyroSample) Magnitude() float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

// AmplitudeSample 麦克风振幅采样（PCM16 单位）
type AmplitudeSample struct {
	Value float64 `json:"value"`
	AtMs  int64   `json:"at_ms"`
}

// CandidateKind 候选事件类型
type CandidateKind string

const (
	CandidateFall      CandidateKind = "Fall"
	CandidateLoudSound CandidateKind = "LoudSound"
)

// Confidence 置信度
type Confidence string

const (
	ConfidenceNormal   Confidence = "normal"
	ConfidenceHigh     Confidence = "high"
	ConfidenceVeryHigh Confidence = "very_high" // 自由落体期间伴随剧烈旋转
)

// CandidateEvent 分类器输出的候选事件，不持久化
type CandidateEvent struct {
	Kind         CandidateKind `json:"kind"`
	DetectedAtMs int64         `json:"detected_at_ms"`
	Confidence   Confidence    `json:"confidence"`
	SubjectID    string        `json:"subject_id,omitempty"`
}

// AlertKind 候选事件对应的报警类型
func (e CandidateEvent) AlertKind() AlertKind {
	if e.Kind == CandidateFall {
		return AlertKindFallDetected
	}
	return AlertKindLoudSound
}
