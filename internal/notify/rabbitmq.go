package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/3Eeeecho/go-deliverables/internal/models"
)

// Publisher 由 mq.RabbitMQClient 实现
type Publisher interface {
	Publish(ctx context.Context, routingKey string, messageID string, body []byte) error
}

// RabbitMQNotifier 以事件类型为 routing key 发布 JSON 消息
type RabbitMQNotifier struct {
	pub Publisher
}

func NewRabbitMQNotifier(pub Publisher) *RabbitMQNotifier {
	return &RabbitMQNotifier{pub: pub}
}

func (n *RabbitMQNotifier) Name() string { return "rabbitmq" }

func (n *RabbitMQNotifier) Notify(ctx context.Context, event models.UploadEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.pub.Publish(ctx, string(event.Type), event.EventID, body); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
