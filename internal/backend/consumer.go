package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/watermeter/internal/evaluator"
	"procodus.dev/watermeter/pkg/meter"
	"procodus.dev/watermeter/pkg/metrics"
	"procodus.dev/watermeter/pkg/mq"
)

// Consumer consumes meter readings from RabbitMQ and feeds them through the
// ingest pipeline.
type Consumer struct {
	logger    *slog.Logger
	ingestor  *Ingestor
	mqClient  mq.ClientInterface
	queueName string
	metrics   *metrics.BackendMetrics // Optional metrics
	done      chan struct{}
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger      *slog.Logger
	Ingestor    *Ingestor
	RabbitMQURL string
	QueueName   string
	Metrics     *metrics.BackendMetrics
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Ingestor == nil {
		return nil, errors.New("ingestor cannot be nil")
	}
	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}
	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	mqClient := mq.New(cfg.QueueName, cfg.RabbitMQURL, cfg.Logger)

	return &Consumer{
		logger:    cfg.Logger,
		ingestor:  cfg.Ingestor,
		mqClient:  mqClient,
		queueName: cfg.QueueName,
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
	}, nil
}

// Start begins consuming messages from RabbitMQ.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting reading consumer", "queue", c.queueName)

	// Give the MQ client time to establish its first connection.
	time.Sleep(2 * time.Second)

	deliveries, err := c.mqClient.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("reading consumer started, waiting for messages")

	go c.processMessages(ctx, deliveries)

	return nil
}

func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			close(c.done)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				close(c.done)
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery processes a single message delivery. Malformed messages and
// evaluator rejections are acked: redelivering them can never succeed, and
// nacking would loop the poison message forever.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	reading, err := meter.DecodeReading(delivery.Body)
	if err != nil {
		c.logger.Error("failed to decode reading message", "error", err)
		c.count("rejected")
		c.ack(delivery)
		return
	}

	events, err := c.ingestor.IngestReading(ctx, "amqp", reading)
	switch {
	case err == nil:
		c.count("success")
		c.ack(delivery)
		c.logger.Debug("reading ingested",
			"device_id", reading.DeviceID,
			"events", len(events),
		)

	case errors.Is(err, evaluator.ErrStaleReading),
		errors.Is(err, evaluator.ErrNonMonotonicReading),
		errors.Is(err, evaluator.ErrUnknownDevice),
		errors.Is(err, evaluator.ErrInvalidReading):
		c.logger.Warn("reading rejected",
			"device_id", reading.DeviceID,
			"error", err,
		)
		c.count("rejected")
		c.ack(delivery)

	default:
		// Persistence failure: requeue so the reading is retried once the
		// store recovers. The evaluator treats the replay as a no-op and
		// the bill/alert writes are idempotent.
		c.logger.Error("failed to persist reading",
			"device_id", reading.DeviceID,
			"error", err,
		)
		c.count("error")
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
	}
}

func (c *Consumer) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
	}
}

func (c *Consumer) count(status string) {
	if c.metrics != nil {
		c.metrics.ConsumerMessages.WithLabelValues(c.queueName, status).Inc()
	}
}

// Stop stops the consumer and closes the MQ client.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping reading consumer")

	if err := c.mqClient.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	<-c.done

	c.logger.Info("reading consumer stopped")
	return nil
}
