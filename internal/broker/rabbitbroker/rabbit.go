// Package rabbitbroker implements the broker.Broker contract over RabbitMQ,
// grounded on the pack's streadway/amqp connection/channel/queue-declare
// pattern, adapted from a default-exchange single queue to a topic exchange
// with one bound queue per consumer, per spec.md's RabbitMQ row.
package rabbitbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/broker"
	"github.com/agentmesh/controlplane/internal/common/config"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/queuemsg"
)

// Broker is a RabbitMQ-backed implementation of broker.Broker built on a
// single topic exchange; each topic is used as the routing key.
type Broker struct {
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	url      string
	exchange string
	logger   *logger.Logger

	mu    sync.Mutex
	chans []*amqp.Channel
}

// New dials RabbitMQ, opens a publishing channel, and declares the topic
// exchange used for every published topic.
func New(cfg config.RabbitMQConfig, log *logger.Logger) (*Broker, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitbroker: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitbroker: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitbroker: declare exchange: %w", err)
	}

	return &Broker{conn: conn, pubCh: ch, url: cfg.URL, exchange: cfg.Exchange, logger: log}, nil
}

func (b *Broker) Publish(ctx context.Context, topic string, msg queuemsg.QueueMessage, opts ...broker.PublishOption) error {
	o := broker.ApplyOptions(opts...)

	body, err := json.Marshal(msg)
	if err != nil {
		if o.Callback != nil {
			o.Callback(err)
		}
		return fmt.Errorf("rabbitbroker: marshal: %w", err)
	}

	err = b.pubCh.Publish(b.exchange, topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		MessageId:   msg.ID,
	})
	if o.Callback != nil {
		o.Callback(err)
	}
	if err != nil {
		return fmt.Errorf("rabbitbroker: publish: %w", err)
	}
	return nil
}

// bindQueue declares and binds a consumer-specific exclusive, auto-deleted
// queue to topic on the shared topic exchange, returning its delivery channel.
func (b *Broker) bindQueue(topic string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitbroker: open channel: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("rabbitbroker: declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, topic, b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("rabbitbroker: bind queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("rabbitbroker: consume: %w", err)
	}

	b.mu.Lock()
	b.chans = append(b.chans, ch)
	b.mu.Unlock()

	return ch, deliveries, nil
}

func (b *Broker) GetMessages(ctx context.Context, topic string) (<-chan queuemsg.QueueMessage, error) {
	ch, deliveries, err := b.bindQueue(topic)
	if err != nil {
		return nil, err
	}

	out := make(chan queuemsg.QueueMessage, 256)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var msg queuemsg.QueueMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil {
					b.logger.Error("rabbitbroker: unmarshal failed", zap.Error(err))
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *Broker) RegisterConsumer(ctx context.Context, topic string, c broker.Consumer) (broker.StartFunc, error) {
	ch, deliveries, err := b.bindQueue(topic)
	if err != nil {
		return nil, err
	}

	start := func(ctx context.Context) error {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case d, ok := <-deliveries:
				if !ok {
					return nil
				}
				var msg queuemsg.QueueMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil {
					b.logger.Error("rabbitbroker: unmarshal failed", zap.Error(err))
					continue
				}
				if err := c.Consume(ctx, msg); err != nil {
					b.logger.Error("rabbitbroker: consumer failed", zap.String("topic", topic), zap.Error(err))
				}
			}
		}
	}
	return start, nil
}

// DeregisterConsumer is a no-op: each registration's queue is exclusive and
// auto-deleted, torn down when its StartFunc's context is cancelled.
func (b *Broker) DeregisterConsumer(c broker.Consumer) error {
	return nil
}

func (b *Broker) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	for _, ch := range b.chans {
		ch.Close()
	}
	b.chans = nil
	b.mu.Unlock()

	if b.pubCh != nil {
		b.pubCh.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Broker) AsConfig() broker.Config {
	return broker.Config{Kind: "rabbitmq", Rabbit: &broker.RabbitConfig{URL: b.url, Exchange: b.exchange}}
}
