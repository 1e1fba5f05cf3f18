package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"

	"procodus.dev/watermeter/internal/evaluator"
	"procodus.dev/watermeter/pkg/meter"
	"procodus.dev/watermeter/pkg/mq"
)

// AnnouncementConsumer consumes device announcements from RabbitMQ and
// upserts the device registry. New devices get a generated API key for the
// HTTP ingestion endpoint.
type AnnouncementConsumer struct {
	logger    *slog.Logger
	db        *gorm.DB
	eval      *evaluator.Evaluator
	mqClient  mq.ClientInterface
	queueName string
	done      chan struct{}
}

// AnnouncementConsumerConfig holds the configuration for the AnnouncementConsumer.
type AnnouncementConsumerConfig struct {
	Logger      *slog.Logger
	DB          *gorm.DB
	Evaluator   *evaluator.Evaluator
	RabbitMQURL string
	QueueName   string
}

// NewAnnouncementConsumer creates a new AnnouncementConsumer instance.
func NewAnnouncementConsumer(cfg *AnnouncementConsumerConfig) (*AnnouncementConsumer, error) {
	if cfg == nil {
		return nil, errors.New("announcement consumer config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}
	if cfg.Evaluator == nil {
		return nil, errors.New("evaluator cannot be nil")
	}
	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}
	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	mqClient := mq.New(cfg.QueueName, cfg.RabbitMQURL, cfg.Logger)

	return &AnnouncementConsumer{
		logger:    cfg.Logger,
		db:        cfg.DB,
		eval:      cfg.Evaluator,
		mqClient:  mqClient,
		queueName: cfg.QueueName,
		done:      make(chan struct{}),
	}, nil
}

// Start begins consuming announcements from RabbitMQ.
func (c *AnnouncementConsumer) Start(ctx context.Context) error {
	c.logger.Info("starting announcement consumer", "queue", c.queueName)

	time.Sleep(2 * time.Second)

	deliveries, err := c.mqClient.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("announcement consumer started, waiting for messages")

	go c.processMessages(ctx, deliveries)

	return nil
}

func (c *AnnouncementConsumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping announcement processing")
			close(c.done)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("announcement deliveries channel closed")
				close(c.done)
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

func (c *AnnouncementConsumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	ann, err := meter.DecodeAnnouncement(delivery.Body)
	if err != nil {
		c.logger.Error("failed to decode announcement", "error", err)
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
		return
	}

	c.logger.Info("received device announcement",
		"device_id", ann.DeviceID,
		"location", ann.Location,
	)

	if err := c.upsertDevice(ctx, ann); err != nil {
		c.logger.Error("failed to save device",
			"device_id", ann.DeviceID,
			"error", err,
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	c.eval.Register(ann.DeviceID)

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
	}
}

// upsertDevice creates the device if it is new, otherwise refreshes its
// metadata. An announcement may arrive more than once; the API key is only
// generated on first contact.
func (c *AnnouncementConsumer) upsertDevice(ctx context.Context, ann *meter.Announcement) error {
	pulseRate := ann.PulseRate
	if pulseRate <= 0 {
		pulseRate = 450 // YF-S201 default
	}

	device := &Device{
		DeviceID:  ann.DeviceID,
		Name:      ann.Name,
		Location:  ann.Location,
		Firmware:  ann.Firmware,
		APIKey:    uuid.NewString(),
		IsActive:  true,
		PulseRate: pulseRate,
	}

	result := c.db.WithContext(ctx).
		Where("device_id = ?", ann.DeviceID).
		Assign(map[string]interface{}{
			"name":       ann.Name,
			"location":   ann.Location,
			"firmware":   ann.Firmware,
			"pulse_rate": pulseRate,
			"is_active":  true,
		}).
		FirstOrCreate(device)

	if result.Error != nil {
		return fmt.Errorf("failed to upsert device: %w", result.Error)
	}

	return nil
}

// Stop stops the announcement consumer and closes the MQ client.
func (c *AnnouncementConsumer) Stop() error {
	c.logger.Info("stopping announcement consumer")

	if err := c.mqClient.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	<-c.done

	c.logger.Info("announcement consumer stopped")
	return nil
}
