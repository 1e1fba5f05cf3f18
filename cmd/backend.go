package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/watermeter/internal/backend"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the backend server",
	Long: `Run the backend server that:
- Consumes meter readings and device announcements from RabbitMQ
- Evaluates leak, excessive-usage and offline alerts
- Computes bill lines at billing period boundaries
- Persists data to PostgreSQL
- Serves the HTTP API`,
	RunE: runBackend,
}

func init() {
	rootCmd.AddCommand(backendCmd)

	// Backend-specific flags
	backendCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	backendCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	backendCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	backendCmd.Flags().String("db-password", "", "PostgreSQL password")
	backendCmd.Flags().String("db-name", "watermeter", "PostgreSQL database name")
	backendCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	backendCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	backendCmd.Flags().String("queue-name", "meter-readings", "RabbitMQ queue name for meter readings")
	backendCmd.Flags().String("announce-queue-name", "meter-announcements", "RabbitMQ queue name for device announcements")
	backendCmd.Flags().Int("http-port", 8080, "HTTP API port")
	backendCmd.Flags().Float64("leak-threshold", 10, "Sustained flow in liters per hour treated as a leak")
	backendCmd.Flags().Duration("continuous-flow-for", 30*time.Minute, "How long flow must stay above zero before a leak alert opens")
	backendCmd.Flags().Duration("leak-cooldown", 10*time.Minute, "How long flow must stay low before a leak alert auto-closes")
	backendCmd.Flags().Float64("excessive-usage-threshold", 1000, "Rolling 24h consumption in liters that opens an excessive-usage alert")
	backendCmd.Flags().Duration("offline-after", 30*time.Minute, "Silence gap after which a device is flagged offline")
	backendCmd.Flags().Duration("sweep-interval", time.Minute, "How often to sweep for offline devices")
	backendCmd.Flags().Float64("rate-per-liter", 0.002, "Base water price per liter")
	backendCmd.Flags().String("billing-cycle", "monthly", "Billing cycle (weekly or monthly)")
	backendCmd.Flags().Float64("tax-rate", 0, "Tax rate applied to bills (for example 0.08)")
	backendCmd.Flags().Float64("discount-rate", 0, "Discount rate applied to bills after tax")
	backendCmd.Flags().String("webhook-url", "", "Webhook URL for alert notifications (disabled when empty)")

	// Bind flags to viper
	_ = viper.BindPFlag("backend.db.host", backendCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("backend.db.port", backendCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("backend.db.user", backendCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("backend.db.password", backendCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("backend.db.name", backendCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("backend.db.sslmode", backendCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("backend.rabbitmq.url", backendCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("backend.rabbitmq.queue_name", backendCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("backend.rabbitmq.announce_queue_name", backendCmd.Flags().Lookup("announce-queue-name"))
	_ = viper.BindPFlag("backend.http.port", backendCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("backend.alerts.leak_threshold", backendCmd.Flags().Lookup("leak-threshold"))
	_ = viper.BindPFlag("backend.alerts.continuous_flow_for", backendCmd.Flags().Lookup("continuous-flow-for"))
	_ = viper.BindPFlag("backend.alerts.leak_cooldown", backendCmd.Flags().Lookup("leak-cooldown"))
	_ = viper.BindPFlag("backend.alerts.excessive_usage_threshold", backendCmd.Flags().Lookup("excessive-usage-threshold"))
	_ = viper.BindPFlag("backend.alerts.offline_after", backendCmd.Flags().Lookup("offline-after"))
	_ = viper.BindPFlag("backend.alerts.sweep_interval", backendCmd.Flags().Lookup("sweep-interval"))
	_ = viper.BindPFlag("backend.billing.rate_per_liter", backendCmd.Flags().Lookup("rate-per-liter"))
	_ = viper.BindPFlag("backend.billing.cycle", backendCmd.Flags().Lookup("billing-cycle"))
	_ = viper.BindPFlag("backend.billing.tax_rate", backendCmd.Flags().Lookup("tax-rate"))
	_ = viper.BindPFlag("backend.billing.discount_rate", backendCmd.Flags().Lookup("discount-rate"))
	_ = viper.BindPFlag("backend.notify.webhook_url", backendCmd.Flags().Lookup("webhook-url"))
}

func runBackend(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting backend service")

	// Create backend configuration from viper
	config := &backend.ServerConfig{
		Logger:                  logger,
		DBHost:                  viper.GetString("backend.db.host"),
		DBPort:                  viper.GetInt("backend.db.port"),
		DBUser:                  viper.GetString("backend.db.user"),
		DBPassword:              viper.GetString("backend.db.password"),
		DBName:                  viper.GetString("backend.db.name"),
		DBSSLMode:               viper.GetString("backend.db.sslmode"),
		RabbitMQURL:             viper.GetString("backend.rabbitmq.url"),
		ReadingQueue:            viper.GetString("backend.rabbitmq.queue_name"),
		AnnounceQueue:           viper.GetString("backend.rabbitmq.announce_queue_name"),
		HTTPPort:                viper.GetInt("backend.http.port"),
		LeakThreshold:           viper.GetFloat64("backend.alerts.leak_threshold"),
		ContinuousFlowFor:       viper.GetDuration("backend.alerts.continuous_flow_for"),
		LeakCooldown:            viper.GetDuration("backend.alerts.leak_cooldown"),
		ExcessiveUsageThreshold: viper.GetFloat64("backend.alerts.excessive_usage_threshold"),
		OfflineAfter:            viper.GetDuration("backend.alerts.offline_after"),
		SweepInterval:           viper.GetDuration("backend.alerts.sweep_interval"),
		RatePerLiter:            viper.GetFloat64("backend.billing.rate_per_liter"),
		BillingCycle:            viper.GetString("backend.billing.cycle"),
		TaxRate:                 viper.GetFloat64("backend.billing.tax_rate"),
		DiscountRate:            viper.GetFloat64("backend.billing.discount_rate"),
		WebhookURL:              viper.GetString("backend.notify.webhook_url"),
	}

	// Create and run server
	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return err
	}

	logger.Info("backend server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"reading_queue", config.ReadingQueue,
		"announce_queue", config.AnnounceQueue,
		"http_port", config.HTTPPort,
		"billing_cycle", config.BillingCycle,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("backend server error", "error", err)
		return err
	}

	logger.Info("backend server stopped")
	return nil
}
