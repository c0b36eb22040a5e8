package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/predictflow/internal/runtime/broker"
)

// RabbitMQ publishes to a durable queue named after the topic.
const RabbitMQ = "rabbitmq"

var (
	AmqpPublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return amqp.NewPublisher(cfg, logger)
	}

	// QueueDeclarer makes sure the target queue exists before each publish,
	// since the default exchange silently drops messages routed to a missing
	// queue.
	QueueDeclarer = func(ctx context.Context, url, queue string) error {
		client, err := broker.Connect(ctx, url, broker.Options{ConnectionName: "predictflow-producer"})
		if err != nil {
			return err
		}
		defer client.Close()
		return client.DeclareQueue(ctx, queue)
	}
)

func rabbitMQBuilder(ctx context.Context, s Settings, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if s.AMQPURL == "" {
		return nil, fmt.Errorf("rabbitmq: URL is required")
	}
	pub, err := AmqpPublisherFactory(amqp.NewDurableQueueConfig(s.AMQPURL), logger)
	if err != nil {
		return nil, err
	}
	return &declaringPublisher{Publisher: pub, ctx: ctx, url: s.AMQPURL}, nil
}

type declaringPublisher struct {
	message.Publisher
	ctx context.Context
	url string
}

// Publish declares topic before every publish so a queue deleted while the
// producer runs is recreated instead of the message being dropped.
func (p *declaringPublisher) Publish(topic string, messages ...*message.Message) error {
	if err := QueueDeclarer(p.ctx, p.url, topic); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	return p.Publisher.Publish(topic, messages...)
}
