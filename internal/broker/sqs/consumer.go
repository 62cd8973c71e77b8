// Package sqs consumes message pointers from AWS SQS standard and FIFO
// queues.
package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/haulstream/relay/internal/broker"
	"github.com/haulstream/relay/internal/metrics"
)

// API is the slice of the SQS client the consumer uses; narrowed for tests.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Visibility bounds, in seconds, per the SQS API.
const (
	maxVisibilitySeconds = 43200
	pollErrorBackoff     = time.Second
)

// Config for one SQS consumer.
type Config struct {
	QueueURL        string
	Region          string
	FIFO            bool
	Connections     int // parallel poll loops
	WaitTimeSeconds int32
	MaxMessages     int32
}

// Consumer long-polls one SQS queue with one or more connections. Every
// receive batch gets a fresh batch id so a mid-batch failure can cascade
// nacks for the rest of that batch's group.
type Consumer struct {
	api    API
	config Config
	router broker.Router
	stats  broker.StatsRecorder

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer builds a consumer with a real AWS client.
func NewConsumer(ctx context.Context, cfg Config, router broker.Router, stats broker.StatsRecorder) (*Consumer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewConsumerWithAPI(sqs.NewFromConfig(awsCfg), cfg, router, stats), nil
}

// NewConsumerWithAPI builds a consumer over any API implementation.
func NewConsumerWithAPI(api API, cfg Config, router broker.Router, stats broker.StatsRecorder) *Consumer {
	if cfg.Connections < 1 {
		cfg.Connections = 1
	}
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	return &Consumer{api: api, config: cfg, router: router, stats: stats}
}

func (c *Consumer) Name() string { return c.config.QueueURL }

// Start launches the poll loops.
func (c *Consumer) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for i := 0; i < c.config.Connections; i++ {
		c.wg.Add(1)
		go c.pollLoop(pollCtx, i)
	}

	slog.Info("SQS consumer started",
		"queue", c.config.QueueURL,
		"fifo", c.config.FIFO,
		"connections", c.config.Connections)
	return nil
}

// Stop halts polling and waits for outstanding polls, bounded by ctx.
func (c *Consumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sqs consumer %s: stop timed out", c.config.QueueURL)
	}
}

func (c *Consumer) pollLoop(ctx context.Context, connection int) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(c.config.QueueURL),
			MaxNumberOfMessages:   c.config.MaxMessages,
			WaitTimeSeconds:       c.config.WaitTimeSeconds,
			MessageAttributeNames: []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameMessageGroupId,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ConsumerPollErrors.WithLabelValues(c.Name()).Inc()
			if c.stats != nil {
				c.stats.RecordPollError(c.Name())
			}
			slog.Warn("SQS receive failed",
				"queue", c.config.QueueURL,
				"connection", connection,
				"error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollErrorBackoff):
			}
			continue
		}

		if len(out.Messages) == 0 {
			continue
		}

		// One batch id per receive call scopes the failure cascade to
		// messages that were polled together.
		batchID := uuid.New().String()
		for _, raw := range out.Messages {
			c.handleMessage(raw, batchID)
		}
	}
}

func (c *Consumer) handleMessage(raw types.Message, batchID string) {
	cb := &callback{
		api:           c.api,
		queueURL:      c.config.QueueURL,
		receiptHandle: aws.ToString(raw.ReceiptHandle),
	}

	ptr, err := broker.ParsePointer([]byte(aws.ToString(raw.Body)))
	if err != nil {
		broker.DropPoisonMessage(c.Name(), cb, err, c.stats)
		return
	}

	if group, ok := raw.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)]; ok && group != "" {
		ptr.MessageGroupID = group
	}
	ptr.BatchID = batchID

	broker.Dispatch(c.router, c.Name(), ptr, cb, c.stats)
}

// callback settles one SQS delivery via its receipt handle.
type callback struct {
	api           API
	queueURL      string
	receiptHandle string
}

// Ack deletes the message from the queue.
func (cb *callback) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := cb.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(cb.queueURL),
		ReceiptHandle: aws.String(cb.receiptHandle),
	})
	return err
}

// Nack is a no-op: SQS redelivers after the visibility timeout lapses.
func (cb *callback) Nack() error {
	return nil
}

// NackWithDelay extends the visibility timeout so SQS redelivers no sooner
// than the requested delay.
func (cb *callback) NackWithDelay(delay time.Duration) error {
	secs := int32(delay / time.Second)
	if secs <= 0 {
		return nil
	}
	if secs > maxVisibilitySeconds {
		secs = maxVisibilitySeconds
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := cb.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(cb.queueURL),
		ReceiptHandle:     aws.String(cb.receiptHandle),
		VisibilityTimeout: secs,
	})
	return err
}

var _ broker.Consumer = (*Consumer)(nil)
var _ broker.Callback = (*callback)(nil)
