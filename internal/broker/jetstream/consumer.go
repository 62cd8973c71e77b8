// Package jetstream consumes message pointers from a NATS JetStream
// stream, filling the traditional message-broker slot (durable consumers,
// explicit ack, per-message redelivery delay).
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/haulstream/relay/internal/broker"
	"github.com/haulstream/relay/internal/metrics"
)

// MessageGroupHeader carries the FIFO group on JetStream messages, the
// way JMS producers set JMSXGroupID.
const MessageGroupHeader = "X-Message-Group"

const pollErrorBackoff = time.Second

// Config for one JetStream consumer.
type Config struct {
	URL           string
	StreamName    string
	ConsumerName  string
	FilterSubject string
	Connections   int
	AckWait       time.Duration
	MaxDeliver    int
	FetchBatch    int
}

// Consumer pulls from a durable JetStream consumer.
type Consumer struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	config   Config
	router   broker.Router
	stats    broker.StatsRecorder
	ownsConn bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer connects to NATS and prepares the durable consumer.
func NewConsumer(cfg Config, router broker.Router, stats broker.StatsRecorder) (*Consumer, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	c, err := NewConsumerWithConn(conn, cfg, router, stats)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.ownsConn = true
	return c, nil
}

// NewConsumerWithConn builds a consumer over an existing connection
// (shared with an embedded server).
func NewConsumerWithConn(conn *nats.Conn, cfg Config, router broker.Router, stats broker.StatsRecorder) (*Consumer, error) {
	if cfg.Connections < 1 {
		cfg.Connections = 1
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 2 * time.Minute
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = 10
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &Consumer{conn: conn, js: js, config: cfg, router: router, stats: stats}, nil
}

func (c *Consumer) Name() string {
	return c.config.StreamName + "/" + c.config.ConsumerName
}

// Start creates or updates the durable consumer and launches pull loops.
func (c *Consumer) Start(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          c.config.ConsumerName,
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.config.AckWait,
		MaxDeliver:    c.config.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: 1000,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.config.ConsumerName, err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for i := 0; i < c.config.Connections; i++ {
		c.wg.Add(1)
		go c.pullLoop(pollCtx, cons)
	}

	slog.Info("JetStream consumer started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"connections", c.config.Connections)
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
	case <-ctx.Done():
		return fmt.Errorf("jetstream consumer %s: stop timed out", c.Name())
	}

	if c.ownsConn {
		c.conn.Close()
	}
	return nil
}

func (c *Consumer) pullLoop(ctx context.Context, cons jetstream.Consumer) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		batch, err := cons.Fetch(c.config.FetchBatch, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			metrics.ConsumerPollErrors.WithLabelValues(c.Name()).Inc()
			if c.stats != nil {
				c.stats.RecordPollError(c.Name())
			}
			slog.Warn("JetStream fetch failed", "consumer", c.Name(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollErrorBackoff):
			}
			continue
		}

		batchID := uuid.New().String()
		for msg := range batch.Messages() {
			c.handleMessage(msg, batchID)
		}
		if err := batch.Error(); err != nil && ctx.Err() == nil {
			slog.Debug("JetStream batch ended with error", "consumer", c.Name(), "error", err)
		}
	}
}

func (c *Consumer) handleMessage(msg jetstream.Msg, batchID string) {
	cb := &callback{msg: msg}

	ptr, err := broker.ParsePointer(msg.Data())
	if err != nil {
		broker.DropPoisonMessage(c.Name(), cb, err, c.stats)
		return
	}

	if group := msg.Headers().Get(MessageGroupHeader); group != "" {
		ptr.MessageGroupID = group
	}
	ptr.BatchID = batchID

	broker.Dispatch(c.router, c.Name(), ptr, cb, c.stats)
}

// callback settles one JetStream delivery.
type callback struct {
	msg jetstream.Msg
}

func (cb *callback) Ack() error {
	return cb.msg.Ack()
}

func (cb *callback) Nack() error {
	return cb.msg.Nak()
}

func (cb *callback) NackWithDelay(delay time.Duration) error {
	if delay <= 0 {
		return cb.msg.Nak()
	}
	return cb.msg.NakWithDelay(delay)
}

var _ broker.Consumer = (*Consumer)(nil)
var _ broker.Callback = (*callback)(nil)
