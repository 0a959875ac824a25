// Package snsqs implements the broker.Broker contract over AWS SNS fan-out
// with a per-consumer SQS queue, grounded on the pack's
// config.LoadDefaultConfig + service client construction pattern.
package snsqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/broker"
	"github.com/agentmesh/controlplane/internal/common/config"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/queuemsg"
)

// Broker implements broker.Broker over an SNS topic per logical topic name,
// each with independent per-subscriber SQS queues.
type Broker struct {
	sns    *sns.Client
	sqs    *sqs.Client
	region string
	logger *logger.Logger

	mu         sync.Mutex
	topicARNs  map[string]string
	queueURLs  map[broker.Consumer]string
}

// New loads the AWS default config for cfg.Region and builds SNS/SQS clients.
func New(ctx context.Context, cfg config.AWSConfig, log *logger.Logger) (*Broker, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("snsqs: load aws config: %w", err)
	}

	return &Broker{
		sns:       sns.NewFromConfig(awsCfg),
		sqs:       sqs.NewFromConfig(awsCfg),
		region:    cfg.Region,
		logger:    log,
		topicARNs: make(map[string]string),
		queueURLs: make(map[broker.Consumer]string),
	}, nil
}

func sanitizeTopicName(topic string) string {
	return strings.NewReplacer(".", "-").Replace(topic)
}

func (b *Broker) topicARN(ctx context.Context, topic string) (string, error) {
	b.mu.Lock()
	if arn, ok := b.topicARNs[topic]; ok {
		b.mu.Unlock()
		return arn, nil
	}
	b.mu.Unlock()

	name := sanitizeTopicName(topic)
	out, err := b.sns.CreateTopic(ctx, &sns.CreateTopicInput{Name: &name})
	if err != nil {
		return "", fmt.Errorf("snsqs: create topic: %w", err)
	}

	b.mu.Lock()
	b.topicARNs[topic] = *out.TopicArn
	b.mu.Unlock()
	return *out.TopicArn, nil
}

func (b *Broker) Publish(ctx context.Context, topic string, msg queuemsg.QueueMessage, opts ...broker.PublishOption) error {
	o := broker.ApplyOptions(opts...)

	arn, err := b.topicARN(ctx, topic)
	if err != nil {
		if o.Callback != nil {
			o.Callback(err)
		}
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		if o.Callback != nil {
			o.Callback(err)
		}
		return fmt.Errorf("snsqs: marshal: %w", err)
	}

	message := string(body)
	_, err = b.sns.Publish(ctx, &sns.PublishInput{TopicArn: &arn, Message: &message})
	if o.Callback != nil {
		o.Callback(err)
	}
	if err != nil {
		return fmt.Errorf("snsqs: publish: %w", err)
	}
	return nil
}

// subscribeQueue creates a fresh SQS queue, subscribes it to topic's SNS
// topic, and returns its URL.
func (b *Broker) subscribeQueue(ctx context.Context, topic string) (string, error) {
	arn, err := b.topicARN(ctx, topic)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-consumer-%d", sanitizeTopicName(topic), time.Now().UnixNano())
	qOut, err := b.sqs.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: &name})
	if err != nil {
		return "", fmt.Errorf("snsqs: create queue: %w", err)
	}

	attrs, err := b.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       qOut.QueueUrl,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", fmt.Errorf("snsqs: get queue attributes: %w", err)
	}
	queueARN := attrs.Attributes["QueueArn"]

	endpoint := queueARN
	protocol := "sqs"
	if _, err := b.sns.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: &arn,
		Protocol: &protocol,
		Endpoint: &endpoint,
	}); err != nil {
		return "", fmt.Errorf("snsqs: subscribe queue to topic: %w", err)
	}

	return *qOut.QueueUrl, nil
}

func (b *Broker) pollLoop(ctx context.Context, queueURL string, onMessage func(queuemsg.QueueMessage)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		out, err := b.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &queueURL,
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     10,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("snsqs: receive failed", zap.Error(err))
			continue
		}

		for _, m := range out.Messages {
			var envelope struct {
				Message string `json:"Message"`
			}
			body := ""
			if m.Body != nil {
				body = *m.Body
			}
			if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Message != "" {
				body = envelope.Message
			}

			var msg queuemsg.QueueMessage
			if err := json.Unmarshal([]byte(body), &msg); err != nil {
				b.logger.Error("snsqs: unmarshal failed", zap.Error(err))
			} else {
				onMessage(msg)
			}

			if m.ReceiptHandle != nil {
				_, _ = b.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: &queueURL, ReceiptHandle: m.ReceiptHandle})
			}
		}
	}
}

func (b *Broker) GetMessages(ctx context.Context, topic string) (<-chan queuemsg.QueueMessage, error) {
	queueURL, err := b.subscribeQueue(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan queuemsg.QueueMessage, 256)
	go func() {
		defer close(out)
		b.pollLoop(ctx, queueURL, func(msg queuemsg.QueueMessage) {
			select {
			case out <- msg:
			case <-ctx.Done():
			}
		})
	}()
	return out, nil
}

// RegisterConsumer creates a dedicated queue for c and returns a StartFunc
// that polls it; SQS is pull-style, so registration is meaningful only in
// that it fixes the queue identity for DeregisterConsumer's lifetime.
func (b *Broker) RegisterConsumer(ctx context.Context, topic string, c broker.Consumer) (broker.StartFunc, error) {
	queueURL, err := b.subscribeQueue(ctx, topic)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.queueURLs[c] = queueURL
	b.mu.Unlock()

	start := func(ctx context.Context) error {
		b.pollLoop(ctx, queueURL, func(msg queuemsg.QueueMessage) {
			if err := c.Consume(ctx, msg); err != nil {
				b.logger.Error("snsqs: consumer failed", zap.String("topic", topic), zap.Error(err))
			}
		})
		return nil
	}
	return start, nil
}

func (b *Broker) DeregisterConsumer(c broker.Consumer) error {
	b.mu.Lock()
	queueURL, ok := b.queueURLs[c]
	delete(b.queueURLs, c)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := b.sqs.DeleteQueue(context.Background(), &sqs.DeleteQueueInput{QueueUrl: &queueURL})
	return err
}

// Cleanup is a no-op beyond letting in-flight polls observe context
// cancellation; SNS topics and subscriber queues created by this broker are
// left for the operator to reclaim, matching the cloud back-end's
// externally-managed resource model.
func (b *Broker) Cleanup(ctx context.Context) error {
	return nil
}

func (b *Broker) AsConfig() broker.Config {
	return broker.Config{Kind: "sqs", SQS: &broker.SQSConfig{Region: b.region}}
}
