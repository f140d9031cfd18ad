package mqtt

import (
	"fmt"
	"strings"
)

// TopicRoot 所有主题的根前缀
const TopicRoot = "eldercare"

// 设备端（老人）主题后缀
const (
	SuffixAccel    = "accel"
	SuffixGyro     = "gyro"
	SuffixSound    = "sound"
	SuffixTrigger  = "trigger"
	SuffixConfirm  = "confirm"
	SuffixResolve  = "resolve"
	SuffixSettings = "settings"

	// 服务端发布给设备的倒计时进度
	SuffixCountdown = "countdown"
)

// SubjectTopic 构建老人设备主题，如 eldercare/{subjectID}/accel
func SubjectTopic(subjectID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", TopicRoot, subjectID, suffix)
}

// CaretakerAlertTopic 看护人手机接收报警通知的主题
func CaretakerAlertTopic(observerID string) string {
	return fmt.Sprintf("%s/caretaker/%s/alerts", TopicRoot, observerID)
}

// ParseSubjectTopic 从主题中提取 subjectID 和后缀
// 主题格式: eldercare/{subjectID}/{suffix}
func ParseSubjectTopic(topic string) (subjectID, suffix string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicRoot || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return parts[1], parts[2], nil
}
