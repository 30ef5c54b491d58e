package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/config"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// RabbitMQClient 封装了 RabbitMQ 的连接和通道
type RabbitMQClient struct {
	mu       sync.Mutex // amqp.Channel 不支持并发发布
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewRabbitMQClient 建立连接并声明 topic 交换机和默认的事件队列
func NewRabbitMQClient(cfg *config.RabbitMQConfig) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	c := &RabbitMQClient{conn: conn, channel: ch, exchange: cfg.Exchange}
	if err := c.declare(cfg.Queue); err != nil {
		c.Close()
		return nil, err
	}
	logger.Info("RabbitMQ 连接成功", zap.String("exchange", cfg.Exchange), zap.String("queue", cfg.Queue))
	return c, nil
}

func (c *RabbitMQClient) declare(queueName string) error {
	err := c.channel.ExchangeDeclare(
		c.exchange, // name
		"topic",    // kind
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if queueName == "" {
		return nil
	}
	_, err = c.channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := c.channel.QueueBind(queueName, "upload.#", c.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Publish 以持久化消息发布到交换机
func (c *RabbitMQClient) Publish(ctx context.Context, routingKey string, messageID string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel.Publish(
		c.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    messageID,
			Timestamp:    time.Now(),
			Body:         body,
			DeliveryMode: amqp.Persistent, // make message persistent
		},
	)
}

// Close the channel and connection
func (c *RabbitMQClient) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
