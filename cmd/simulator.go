package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/watermeter/internal/producer"
	"procodus.dev/watermeter/pkg/metrics"
)

var simulatorCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Run the meter simulator",
	Long: `Run the meter simulator that:
- Generates synthetic water meter readings with diurnal usage patterns
- Occasionally simulates leak episodes with sustained flow
- Publishes readings and device announcements to RabbitMQ
- Supports multiple concurrent producers`,
	RunE: runSimulator,
}

func init() {
	rootCmd.AddCommand(simulatorCmd)

	// Simulator-specific flags
	simulatorCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	simulatorCmd.Flags().String("queue-name", "meter-readings", "RabbitMQ queue name for meter readings")
	simulatorCmd.Flags().String("announce-queue-name", "meter-announcements", "RabbitMQ queue name for device announcements")
	simulatorCmd.Flags().Int("producer-count", 5, "Number of concurrent producers")
	simulatorCmd.Flags().Duration("interval", 5*time.Second, "Interval between readings")

	// Bind flags to viper
	_ = viper.BindPFlag("simulator.rabbitmq.url", simulatorCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("simulator.rabbitmq.queue_name", simulatorCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("simulator.rabbitmq.announce_queue_name", simulatorCmd.Flags().Lookup("announce-queue-name"))
	_ = viper.BindPFlag("simulator.producer_count", simulatorCmd.Flags().Lookup("producer-count"))
	_ = viper.BindPFlag("simulator.interval", simulatorCmd.Flags().Lookup("interval"))
}

func runSimulator(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator service")

	// Create producer configuration from viper
	config := &producer.ServerConfig{
		Logger:            logger,
		RabbitMQURL:       viper.GetString("simulator.rabbitmq.url"),
		QueueName:         viper.GetString("simulator.rabbitmq.queue_name"),
		AnnounceQueueName: viper.GetString("simulator.rabbitmq.announce_queue_name"),
		ProducerCount:     viper.GetInt("simulator.producer_count"),
		Interval:          viper.GetDuration("simulator.interval"),
		Metrics:           metrics.NewSimulatorMetrics("watermeter"),
		MQMetrics:         metrics.NewMQMetrics("watermeter"),
	}

	// Create and run server
	server, err := producer.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator server", "error", err)
		return err
	}

	logger.Info("simulator server configuration",
		"rabbitmq_url", config.RabbitMQURL,
		"reading_queue", config.QueueName,
		"announce_queue", config.AnnounceQueueName,
		"producer_count", config.ProducerCount,
		"interval", config.Interval,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator server error", "error", err)
		return err
	}

	logger.Info("simulator server stopped")
	return nil
}
