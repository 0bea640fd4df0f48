package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes to Redis Streams, one stream per topic. The stream
// entry id doubles as the bus message id.
type RedisSink struct {
	client *redis.Client
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error) {
	values := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		values[k] = v
	}
	values["payload"] = payload

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("bus: xadd to %s: %w", topic, err)
	}
	return id, nil
}
