// Package natsbroker implements the broker.Broker contract over NATS core
// pub/sub, adapted from the control plane's NATS event bus.
package natsbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/broker"
	"github.com/agentmesh/controlplane/internal/common/config"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/queuemsg"
)

// Broker is a NATS-backed implementation of broker.Broker.
type Broker struct {
	conn   *nats.Conn
	logger *logger.Logger
	cfg    config.NATSConfig

	mu   sync.Mutex
	subs map[broker.Consumer]*nats.Subscription
}

// New connects to NATS and returns a ready Broker.
func New(cfg config.NATSConfig, log *logger.Logger) (*Broker, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("nats error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbroker: connect: %w", err)
	}

	return &Broker{
		conn:   conn,
		logger: log,
		cfg:    cfg,
		subs:   make(map[broker.Consumer]*nats.Subscription),
	}, nil
}

func (b *Broker) Publish(ctx context.Context, topic string, msg queuemsg.QueueMessage, opts ...broker.PublishOption) error {
	o := broker.ApplyOptions(opts...)

	data, err := json.Marshal(msg)
	if err != nil {
		if o.Callback != nil {
			o.Callback(err)
		}
		return fmt.Errorf("natsbroker: marshal: %w", err)
	}

	err = b.conn.Publish(topic, data)
	if o.Callback != nil {
		o.Callback(err)
	}
	if err != nil {
		return fmt.Errorf("natsbroker: publish: %w", err)
	}
	return nil
}

func (b *Broker) GetMessages(ctx context.Context, topic string) (<-chan queuemsg.QueueMessage, error) {
	out := make(chan queuemsg.QueueMessage, 256)

	sub, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
		var msg queuemsg.QueueMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Error("natsbroker: unmarshal failed", zap.Error(err))
			return
		}
		select {
		case out <- msg:
		default:
			b.logger.Warn("natsbroker: consumer channel full, dropping message", zap.String("topic", topic))
		}
	})
	if err != nil {
		close(out)
		return nil, fmt.Errorf("natsbroker: subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(out)
	}()

	return out, nil
}

func (b *Broker) RegisterConsumer(ctx context.Context, topic string, c broker.Consumer) (broker.StartFunc, error) {
	sub, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
		var msg queuemsg.QueueMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Error("natsbroker: unmarshal failed", zap.Error(err))
			return
		}
		if err := c.Consume(context.Background(), msg); err != nil {
			b.logger.Error("natsbroker: consumer failed", zap.String("topic", topic), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("natsbroker: subscribe: %w", err)
	}

	b.mu.Lock()
	b.subs[c] = sub
	b.mu.Unlock()

	start := func(ctx context.Context) error {
		<-ctx.Done()
		return sub.Unsubscribe()
	}
	return start, nil
}

func (b *Broker) DeregisterConsumer(c broker.Consumer) error {
	b.mu.Lock()
	sub, ok := b.subs[c]
	delete(b.subs, c)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

func (b *Broker) Cleanup(ctx context.Context) error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
	return nil
}

func (b *Broker) AsConfig() broker.Config {
	return broker.Config{Kind: "nats", NATS: &broker.NATSConfigTag{URL: b.cfg.URL}}
}
