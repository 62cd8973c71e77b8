package embedded

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haulstream/relay/internal/broker"
	"github.com/haulstream/relay/internal/metrics"
)

// Config for one embedded queue consumer.
type Config struct {
	QueueName  string
	BatchSize  int
	Visibility time.Duration
	// PollInterval between empty polls.
	PollInterval time.Duration
}

// Consumer polls the SQLite store in FIFO order.
type Consumer struct {
	store  *Store
	config Config
	router broker.Router
	stats  broker.StatsRecorder

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(store *Store, cfg Config, router broker.Router, stats broker.StatsRecorder) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Consumer{store: store, config: cfg, router: router, stats: stats}
}

func (c *Consumer) Name() string { return "embedded/" + c.config.QueueName }

func (c *Consumer) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.pollLoop(pollCtx)

	slog.Info("Embedded queue consumer started", "queue", c.config.QueueName)
	return nil
}

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
		return fmt.Errorf("embedded consumer %s: stop timed out", c.config.QueueName)
	}
}

func (c *Consumer) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		rows, err := c.store.Claim(ctx, c.config.QueueName, c.config.BatchSize, c.config.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ConsumerPollErrors.WithLabelValues(c.Name()).Inc()
			if c.stats != nil {
				c.stats.RecordPollError(c.Name())
			}
			slog.Warn("Embedded queue poll failed", "queue", c.config.QueueName, "error", err)
			c.sleep(ctx, time.Second)
			continue
		}

		if len(rows) == 0 {
			c.sleep(ctx, c.config.PollInterval)
			continue
		}

		batchID := uuid.New().String()
		for _, row := range rows {
			c.handleRow(row, batchID)
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (c *Consumer) handleRow(row Row, batchID string) {
	cb := &callback{store: c.store, id: row.ID, receiptHandle: row.ReceiptHandle}

	ptr, err := broker.ParsePointer(row.Body)
	if err != nil {
		broker.DropPoisonMessage(c.Name(), cb, err, c.stats)
		return
	}

	if row.MessageGroupID != "" {
		ptr.MessageGroupID = row.MessageGroupID
	}
	ptr.BatchID = batchID

	broker.Dispatch(c.router, c.Name(), ptr, cb, c.stats)
}

// callback settles one claimed row.
type callback struct {
	store         *Store
	id            int64
	receiptHandle string
}

func (cb *callback) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cb.store.Ack(ctx, cb.id, cb.receiptHandle)
}

func (cb *callback) Nack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cb.store.Nack(ctx, cb.id, cb.receiptHandle, 0)
}

func (cb *callback) NackWithDelay(delay time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cb.store.Nack(ctx, cb.id, cb.receiptHandle, delay)
}

var _ broker.Consumer = (*Consumer)(nil)
var _ broker.Callback = (*callback)(nil)
