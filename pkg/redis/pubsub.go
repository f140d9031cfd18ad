package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// PublishJSON 将数据序列化为 JSON 后发布到 Redis 频道
// 返回收到消息的订阅者数量
func PublishJSON(ctx context.Context, client *redis.Client, channel string, data interface{}) (int64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	receivers, err := client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	return receivers, nil
}

// SubscribeConfirmed 订阅频道，并等待服务端确认订阅成功后再返回
// 返回后发布到这些频道的消息不会丢失，调用方可以安全地再做一次快照查询
func SubscribeConfirmed(ctx context.Context, client *redis.Client, channels ...string) (*redis.PubSub, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}

	pubsub := client.Subscribe(ctx, channels...)

	// 每个频道都会返回一条 subscribe 确认
	for confirmed := 0; confirmed < len(channels); {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("failed to confirm subscription: %w", err)
		}
		if sub, ok := msg.(*redis.Subscription); ok && sub.Kind == "subscribe" {
			confirmed++
		}
	}

	return pubsub, nil
}
