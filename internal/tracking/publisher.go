package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/liyaqa/drip-engine/internal/domain"
)

// EventPublisher hands engagement events to downstream consumers such as
// lead scoring. The tracking service never calls those consumers directly.
type EventPublisher interface {
	Publish(ctx context.Context, evt domain.EngagementEvent) error
}

// SQSAPI is the subset of the SQS client used by the publisher and consumer.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSPublisher sends each event as one JSON SQS message.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	timeout  time.Duration
}

func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL, timeout: 5 * time.Second}
}

func (p *SQSPublisher) Publish(ctx context.Context, evt domain.EngagementEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal engagement event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

// DefaultStream is the Redis stream engagement events are appended to.
const DefaultStream = "drip:engagement"

// RedisPublisher appends events to a capped Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisPublisher(client *redis.Client, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: 100000}
}

func (p *RedisPublisher) Publish(ctx context.Context, evt domain.EngagementEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal engagement event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":  string(evt.Type),
			"event": string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd: %w", err)
	}
	return nil
}

// MultiPublisher fans an event out to several publishers and returns the
// first error after trying all of them.
type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(ctx context.Context, evt domain.EngagementEvent) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}
