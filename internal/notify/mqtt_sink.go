// Package notify 把报警通知投递到看护人手机（MQTT）
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"eldercare-alert/internal/escalator"
	"eldercare-alert/pkg/mqtt"

	"go.uber.org/zap"
)

// Publisher MQTT 发布接口（由 pkg/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTSink 通过 MQTT 发布通知，手机端订阅 eldercare/caretaker/{observerID}/alerts
type MQTTSink struct {
	publisher Publisher
	qos       byte
	logger    *zap.Logger
}

// NewMQTTSink 创建 MQTT 通知投递
func NewMQTTSink(publisher Publisher, qos byte, logger *zap.Logger) *MQTTSink {
	return &MQTTSink{
		publisher: publisher,
		qos:       qos,
		logger:    logger,
	}
}

// Notify 发布一条通知（不保留消息，避免重连后重复弹出已处理的报警）
func (s *MQTTSink) Notify(ctx context.Context, observerID string, n escalator.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	topic := mqtt.CaretakerAlertTopic(observerID)
	if err := s.publisher.Publish(topic, s.qos, false, payload); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	s.logger.Debug("Notification published",
		zap.String("topic", topic),
		zap.String("alert_id", n.AlertID),
	)
	return nil
}
