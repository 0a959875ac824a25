// Package memory implements the in-process message queue back-end, adapted
// from the control plane's in-memory event bus for the broker.Broker
// contract: topics are plain channels, fan-out is direct, and there is no
// external process to reach.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/broker"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/queuemsg"
)

const subscriberBuffer = 256

// Broker is an in-process implementation of broker.Broker. It requires no
// external connection and is the default back-end ("simple" in config).
type Broker struct {
	mu      sync.RWMutex
	topics  map[string]*topicState
	logger  *logger.Logger
	closed  bool
}

type topicState struct {
	subscribers map[chan queuemsg.QueueMessage]struct{}
	consumers   map[broker.Consumer]chan queuemsg.QueueMessage
}

// New creates an in-process Broker.
func New(log *logger.Logger) *Broker {
	return &Broker{
		topics: make(map[string]*topicState),
		logger: log,
	}
}

func (b *Broker) topic(name string) *topicState {
	t, ok := b.topics[name]
	if !ok {
		t = &topicState{
			subscribers: make(map[chan queuemsg.QueueMessage]struct{}),
			consumers:   make(map[broker.Consumer]chan queuemsg.QueueMessage),
		}
		b.topics[name] = t
	}
	return t
}

// Publish fans msg out to every active subscriber and registered consumer
// channel on topic.
func (b *Broker) Publish(ctx context.Context, topic string, msg queuemsg.QueueMessage, opts ...broker.PublishOption) error {
	o := broker.ApplyOptions(opts...)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker: closed")
	}
	t, ok := b.topics[topic]
	if !ok {
		if !o.CreateTopic {
			b.mu.Unlock()
			return fmt.Errorf("broker: topic %q does not exist", topic)
		}
		t = b.topic(topic)
	}

	chans := make([]chan queuemsg.QueueMessage, 0, len(t.subscribers)+len(t.consumers))
	for ch := range t.subscribers {
		chans = append(chans, ch)
	}
	for _, ch := range t.consumers {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	var publishErr error
	for _, ch := range chans {
		select {
		case ch <- msg:
		case <-ctx.Done():
			publishErr = ctx.Err()
		default:
			b.logger.Warn("memory broker: subscriber channel full, dropping message",
				zap.String("topic", topic), zap.String("message_id", msg.ID))
		}
	}

	if o.Callback != nil {
		o.Callback(publishErr)
	}
	return publishErr
}

// GetMessages returns a channel fed by future Publish calls on topic. The
// channel is removed and closed when ctx is cancelled.
func (b *Broker) GetMessages(ctx context.Context, topic string) (<-chan queuemsg.QueueMessage, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker: closed")
	}
	t := b.topic(topic)
	ch := make(chan queuemsg.QueueMessage, subscriberBuffer)
	t.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if t, ok := b.topics[topic]; ok {
			delete(t.subscribers, ch)
		}
		close(ch)
	}()

	return ch, nil
}

// RegisterConsumer attaches c to topic. Its StartFunc drains the consumer's
// dedicated channel, invoking c.Consume for each message, until ctx ends.
func (b *Broker) RegisterConsumer(ctx context.Context, topic string, c broker.Consumer) (broker.StartFunc, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker: closed")
	}
	t := b.topic(topic)
	ch := make(chan queuemsg.QueueMessage, subscriberBuffer)
	t.consumers[c] = ch
	b.mu.Unlock()

	start := func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				if err := c.Consume(ctx, msg); err != nil {
					b.logger.Error("memory broker: consumer failed",
						zap.String("topic", topic), zap.Error(err))
				}
			}
		}
	}
	return start, nil
}

// DeregisterConsumer detaches c from every topic it is registered on.
func (b *Broker) DeregisterConsumer(c broker.Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		if ch, ok := t.consumers[c]; ok {
			delete(t.consumers, c)
			close(ch)
		}
	}
	return nil
}

// Cleanup idempotently closes every subscriber and consumer channel.
func (b *Broker) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		for ch := range t.subscribers {
			close(ch)
		}
		for _, ch := range t.consumers {
			close(ch)
		}
	}
	b.topics = make(map[string]*topicState)
	return nil
}

// AsConfig returns the tagged config for the in-process back-end.
func (b *Broker) AsConfig() broker.Config {
	return broker.Config{Kind: "simple", Simple: &broker.SimpleConfig{}}
}
