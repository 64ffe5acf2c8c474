package tracking

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/liyaqa/drip-engine/internal/domain"
)

// EventHandler processes one engagement event. A non-nil error leaves the
// message on the queue for redelivery.
type EventHandler func(ctx context.Context, evt domain.EngagementEvent) error

// Consumer long-polls an SQS queue of engagement events.
type Consumer struct {
	client   SQSAPI
	queueURL string
	handle   EventHandler
	backoff  time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewConsumer(client SQSAPI, queueURL string, handle EventHandler) *Consumer {
	return &Consumer{client: client, queueURL: queueURL, handle: handle, backoff: 5 * time.Second}
}

func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	log.Printf("SQS engagement consumer started (queue=%s)", c.queueURL)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll(ctx)
	}()
}

func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) poll(ctx context.Context) {
	for ctx.Err() == nil {
		if err := c.receiveOnce(ctx, 20); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("SQS receive error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
		}
	}
}

// receiveOnce handles one batch of up to 10 messages.
func (c *Consumer) receiveOnce(ctx context.Context, waitSeconds int32) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     waitSeconds,
	})
	if err != nil {
		return err
	}

	for _, msg := range out.Messages {
		var evt domain.EngagementEvent
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &evt); err != nil {
			log.Printf("SQS bad message: %v", err)
			c.deleteMessage(ctx, msg.ReceiptHandle)
			continue
		}
		if err := c.handle(ctx, evt); err != nil {
			log.Printf("SQS process error (%s): %v", evt.Type, err)
			continue
		}
		c.deleteMessage(ctx, msg.ReceiptHandle)
	}
	return nil
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
}

// DetectDevice classifies a user agent as mobile, tablet or desktop.
func DetectDevice(ua string) string {
	ua = strings.ToLower(ua)
	if strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad") {
		return "tablet"
	}
	if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone") {
		return "mobile"
	}
	return "desktop"
}
