// Package redisbroker implements the broker.Broker contract over Redis
// Pub/Sub, grounded on the go-redis client usage patterns (ParseURL,
// blocking ops, SADD-based bookkeeping) seen elsewhere in the pack's Redis
// queue code.
package redisbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/broker"
	"github.com/agentmesh/controlplane/internal/common/config"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/queuemsg"
)

// Broker is a Redis Pub/Sub implementation of broker.Broker.
type Broker struct {
	client *redis.Client
	logger *logger.Logger
	cfg    config.RedisConfig
}

// New connects to Redis and returns a ready Broker.
func New(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*Broker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redisbroker: parse url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisbroker: connect: %w", err)
	}

	return &Broker{client: client, logger: log, cfg: cfg}, nil
}

func (b *Broker) Publish(ctx context.Context, topic string, msg queuemsg.QueueMessage, opts ...broker.PublishOption) error {
	o := broker.ApplyOptions(opts...)

	data, err := json.Marshal(msg)
	if err != nil {
		if o.Callback != nil {
			o.Callback(err)
		}
		return fmt.Errorf("redisbroker: marshal: %w", err)
	}

	err = b.client.Publish(ctx, topic, data).Err()
	if o.Callback != nil {
		o.Callback(err)
	}
	if err != nil {
		return fmt.Errorf("redisbroker: publish: %w", err)
	}
	return nil
}

// GetMessages subscribes to topic and yields decoded messages. When the
// back-end is configured for exclusive (dedup) mode, duplicate ids observed
// within the configured TTL are dropped before being yielded, using a
// broker-side SADD-with-TTL set keyed "<topic>.processed_messages".
func (b *Broker) GetMessages(ctx context.Context, topic string) (<-chan queuemsg.QueueMessage, error) {
	sub := b.client.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("redisbroker: subscribe: %w", err)
	}

	out := make(chan queuemsg.QueueMessage, 256)
	ch := sub.Channel()

	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg queuemsg.QueueMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.logger.Error("redisbroker: unmarshal failed", zap.Error(err))
					continue
				}
				if b.cfg.Exclusive {
					dup, err := b.alreadyProcessed(ctx, topic, msg.ID)
					if err != nil {
						b.logger.Warn("redisbroker: dedup check failed", zap.Error(err))
					} else if dup {
						continue
					}
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

// alreadyProcessed records id as processed for this topic and reports
// whether it had already been recorded within the TTL window. An SADD
// return of 0 means the member was already present.
func (b *Broker) alreadyProcessed(ctx context.Context, topic, id string) (bool, error) {
	key := topic + ".processed_messages"
	ttl := time.Duration(b.cfg.DedupTTL) * time.Second

	added, err := b.client.SAdd(ctx, key, id).Result()
	if err != nil {
		return false, err
	}
	if added == 0 {
		return true, nil
	}
	_ = b.client.Expire(ctx, key, ttl).Err()
	return false, nil
}

// RegisterConsumer drives c from a dedicated subscription, matching the
// push-style contract for back-ends that support explicit registration.
func (b *Broker) RegisterConsumer(ctx context.Context, topic string, c broker.Consumer) (broker.StartFunc, error) {
	start := func(ctx context.Context) error {
		msgs, err := b.GetMessages(ctx, topic)
		if err != nil {
			return err
		}
		for msg := range msgs {
			if err := c.Consume(ctx, msg); err != nil {
				b.logger.Error("redisbroker: consumer failed", zap.String("topic", topic), zap.Error(err))
			}
		}
		return nil
	}
	return start, nil
}

// DeregisterConsumer is a no-op: each RegisterConsumer call owns its own
// subscription, torn down when its StartFunc's context is cancelled.
func (b *Broker) DeregisterConsumer(c broker.Consumer) error {
	return nil
}

func (b *Broker) Cleanup(ctx context.Context) error {
	return b.client.Close()
}

func (b *Broker) AsConfig() broker.Config {
	return broker.Config{Kind: "redis", Redis: &broker.RedisConfig{URL: b.cfg.URL, Exclusive: b.cfg.Exclusive}}
}
