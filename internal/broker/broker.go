// Package broker defines the polymorphic message-queue abstraction shared by
// every back-end (in-process, Redis, Kafka, RabbitMQ, SNS/SQS).
package broker

import (
	"context"

	"github.com/agentmesh/controlplane/internal/queuemsg"
)

// Consumer receives messages handed to it by a back-end's RegisterConsumer.
// Implementations must be safe to invoke concurrently.
type Consumer interface {
	Consume(ctx context.Context, msg queuemsg.QueueMessage) error
}

// ConsumerFunc adapts a plain function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, msg queuemsg.QueueMessage) error

func (f ConsumerFunc) Consume(ctx context.Context, msg queuemsg.QueueMessage) error {
	return f(ctx, msg)
}

// StartFunc is the opaque handle returned by RegisterConsumer; invoking it
// begins the consume loop and blocks until ctx is cancelled or an
// unrecoverable error occurs. No back-end in this module returns a no-op
// StartFunc; the pull-style SNS/SQS one polls the consumer's own queue.
type StartFunc func(ctx context.Context) error

// PublishOptions controls optional publish behavior.
type PublishOptions struct {
	CreateTopic bool
	// Callback, when set, is invoked with the publish attempt's error (nil
	// on success) after the attempt completes. The in-process back-end does
	// not invoke it when Publish fails on a closed broker or missing topic.
	Callback func(err error)
}

// PublishOption mutates PublishOptions.
type PublishOption func(*PublishOptions)

// WithCreateTopic controls whether the back-end may create the topic on
// first use. Defaults to true.
func WithCreateTopic(create bool) PublishOption {
	return func(o *PublishOptions) { o.CreateTopic = create }
}

// WithCallback registers a post-publish callback.
func WithCallback(cb func(err error)) PublishOption {
	return func(o *PublishOptions) { o.Callback = cb }
}

func ApplyOptions(opts ...PublishOption) PublishOptions {
	o := PublishOptions{CreateTopic: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Config is the tagged union returned by AsConfig, describing exactly what a
// client needs to reconstruct a compatible connection. It serializes as
// {<Kind>: {fields...}} for the GET /queue_config handshake.
type Config struct {
	Kind   string `json:"-"`
	Simple *SimpleConfig  `json:"simple,omitempty"`
	Redis  *RedisConfig   `json:"redis,omitempty"`
	Kafka  *KafkaConfig   `json:"kafka,omitempty"`
	Rabbit *RabbitConfig  `json:"rabbitmq,omitempty"`
	SQS    *SQSConfig     `json:"sqs,omitempty"`
	NATS   *NATSConfigTag `json:"nats,omitempty"`
}

type SimpleConfig struct{}

type RedisConfig struct {
	URL       string `json:"url"`
	Exclusive bool   `json:"exclusive"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
}

type RabbitConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

type SQSConfig struct {
	Region string `json:"region"`
}

type NATSConfigTag struct {
	URL string `json:"url"`
}

// Broker is the back-end-neutral publish/consume contract every message
// queue implementation satisfies.
type Broker interface {
	// Publish delivers msg to topic. It may create the topic on first use
	// depending on opts. Returns TransportError-flavored errors on
	// unrecoverable broker issues.
	Publish(ctx context.Context, topic string, msg queuemsg.QueueMessage, opts ...PublishOption) error

	// GetMessages returns a channel of messages delivered on topic. The
	// channel is closed when ctx is cancelled. Delivery is at-least-once.
	GetMessages(ctx context.Context, topic string) (<-chan queuemsg.QueueMessage, error)

	// RegisterConsumer attaches c to topic and returns a StartFunc that
	// begins the consume loop when invoked.
	RegisterConsumer(ctx context.Context, topic string, c Consumer) (StartFunc, error)

	// DeregisterConsumer detaches a previously registered consumer.
	DeregisterConsumer(c Consumer) error

	// Cleanup idempotently releases broker resources.
	Cleanup(ctx context.Context) error

	// AsConfig returns the configuration needed to reconstruct this client.
	AsConfig() Config
}
