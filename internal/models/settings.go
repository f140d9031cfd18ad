package models

// ElderSettings 老人端本地设置
type ElderSettings struct {
	FallDetectionEnabled  bool `json:"fall_detection_enabled" yaml:"fall_detection_enabled"`
	SoundDetectionEnabled bool `json:"sound_detection_enabled" yaml:"sound_detection_enabled"`
}
