// Package kafkabroker implements the broker.Broker contract over Kafka,
// grounded on the sarama-based producer/consumer-group setup seen in the
// pack's Kafka transport manager.
package kafkabroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/broker"
	"github.com/agentmesh/controlplane/internal/common/config"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/queuemsg"
)

// Broker is a Kafka-backed implementation of broker.Broker. Each topic
// maps onto a Kafka topic of the same name. GetMessages joins the consumer
// group "<clientID>-pull-<topic>" and RegisterConsumer joins
// "<clientID>-<topic>", so repeated calls for the same topic with the same
// client id share one group and split its partitions.
type Broker struct {
	cfg      config.KafkaConfig
	logger   *logger.Logger
	producer sarama.SyncProducer
	baseConf *sarama.Config

	mu       sync.Mutex
	groups   map[broker.Consumer]sarama.ConsumerGroup
	closeOne sync.Once
}

// New builds a producer and the base consumer config, grounded on the base
// config shape used across the pack's Kafka transport code.
func New(cfg config.KafkaConfig, log *logger.Logger) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafkabroker: no brokers configured")
	}

	base := sarama.NewConfig()
	base.Version = sarama.V2_1_0_0
	if cfg.ClientID != "" {
		base.ClientID = cfg.ClientID
	}
	base.Producer.Return.Successes = true
	base.Producer.RequiredAcks = sarama.WaitForAll
	base.Consumer.Offsets.Initial = sarama.OffsetNewest

	producer, err := sarama.NewSyncProducer(cfg.Brokers, base)
	if err != nil {
		return nil, fmt.Errorf("kafkabroker: new producer: %w", err)
	}

	return &Broker{
		cfg:      cfg,
		logger:   log,
		producer: producer,
		baseConf: base,
		groups:   make(map[broker.Consumer]sarama.ConsumerGroup),
	}, nil
}

func (b *Broker) Publish(ctx context.Context, topic string, msg queuemsg.QueueMessage, opts ...broker.PublishOption) error {
	o := broker.ApplyOptions(opts...)

	data, err := json.Marshal(msg)
	if err != nil {
		if o.Callback != nil {
			o.Callback(err)
		}
		return fmt.Errorf("kafkabroker: marshal: %w", err)
	}

	_, _, err = b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(msg.ID),
		Value: sarama.ByteEncoder(data),
	})
	if o.Callback != nil {
		o.Callback(err)
	}
	if err != nil {
		return fmt.Errorf("kafkabroker: send: %w", err)
	}
	return nil
}

// groupHandler adapts a channel sink or a broker.Consumer to sarama's
// ConsumerGroupHandler interface.
type groupHandler struct {
	logger *logger.Logger
	handle func(ctx context.Context, msg queuemsg.QueueMessage) error
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			var msg queuemsg.QueueMessage
			if err := json.Unmarshal(m.Value, &msg); err != nil {
				h.logger.Error("kafkabroker: unmarshal failed", zap.Error(err))
				sess.MarkMessage(m, "")
				continue
			}
			if err := h.handle(sess.Context(), msg); err != nil {
				h.logger.Error("kafkabroker: handler failed", zap.Error(err))
			}
			sess.MarkMessage(m, "")
		}
	}
}

func (b *Broker) newGroup(groupID string) (sarama.ConsumerGroup, error) {
	consumerConf := *b.baseConf
	return sarama.NewConsumerGroup(b.cfg.Brokers, groupID, &consumerConf)
}

func (b *Broker) GetMessages(ctx context.Context, topic string) (<-chan queuemsg.QueueMessage, error) {
	out := make(chan queuemsg.QueueMessage, 256)

	group, err := b.newGroup(fmt.Sprintf("%s-pull-%s", b.cfg.ClientID, topic))
	if err != nil {
		close(out)
		return nil, fmt.Errorf("kafkabroker: new consumer group: %w", err)
	}

	handler := &groupHandler{logger: b.logger, handle: func(ctx context.Context, msg queuemsg.QueueMessage) error {
		select {
		case out <- msg:
		case <-ctx.Done():
		}
		return nil
	}}

	go func() {
		defer close(out)
		defer group.Close()
		for {
			if err := group.Consume(ctx, []string{topic}, handler); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("kafkabroker: consume loop error", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return out, nil
}

func (b *Broker) RegisterConsumer(ctx context.Context, topic string, c broker.Consumer) (broker.StartFunc, error) {
	groupID := fmt.Sprintf("%s-%s", b.cfg.ClientID, topic)
	group, err := b.newGroup(groupID)
	if err != nil {
		return nil, fmt.Errorf("kafkabroker: new consumer group: %w", err)
	}

	b.mu.Lock()
	b.groups[c] = group
	b.mu.Unlock()

	handler := &groupHandler{logger: b.logger, handle: c.Consume}

	start := func(ctx context.Context) error {
		defer group.Close()
		for {
			if err := group.Consume(ctx, []string{topic}, handler); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				b.logger.Error("kafkabroker: consume loop error", zap.Error(err))
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
	return start, nil
}

func (b *Broker) DeregisterConsumer(c broker.Consumer) error {
	b.mu.Lock()
	group, ok := b.groups[c]
	delete(b.groups, c)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return group.Close()
}

func (b *Broker) Cleanup(ctx context.Context) error {
	var err error
	b.closeOne.Do(func() {
		err = b.producer.Close()
	})
	return err
}

func (b *Broker) AsConfig() broker.Config {
	return broker.Config{Kind: "kafka", Kafka: &broker.KafkaConfig{Brokers: b.cfg.Brokers}}
}
