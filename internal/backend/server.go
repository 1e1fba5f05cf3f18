package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"procodus.dev/watermeter/internal/evaluator"
	"procodus.dev/watermeter/internal/notify"
	"procodus.dev/watermeter/pkg/metrics"
)

// Server represents the backend server that manages the database, message
// queue consumers, telemetry evaluator and HTTP API.
type Server struct {
	logger           *slog.Logger
	db               *gorm.DB
	eval             *evaluator.Evaluator
	readingConsumer  *Consumer
	announceConsumer *AnnouncementConsumer
	sweeper          *Sweeper
	httpServer       *http.Server
	config           *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// RabbitMQ configuration
	RabbitMQURL   string
	ReadingQueue  string
	AnnounceQueue string

	// Alerting thresholds
	LeakThreshold           float64
	ContinuousFlowFor       time.Duration
	LeakCooldown            time.Duration
	ExcessiveUsageThreshold float64
	OfflineAfter            time.Duration
	SweepInterval           time.Duration

	// Billing configuration
	RatePerLiter float64
	BillingCycle string
	TaxRate      float64
	DiscountRate float64

	// WebhookURL, when set, enables alert webhook notifications.
	WebhookURL string

	// HTTPPort is the port the API listens on.
	HTTPPort int

	// Database port
	DBPort int
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.ReadingQueue == "" {
		return nil, errors.New("reading queue name cannot be empty")
	}

	if cfg.AnnounceQueue == "" {
		return nil, errors.New("announce queue name cannot be empty")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the backend server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting backend server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	m := metrics.NewBackendMetrics("watermeter")

	// Initialize database
	dbCfg := &DBConfig{
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Logger:   s.logger,
	}

	db, err := NewDB(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	s.logger.Info("database initialized successfully")

	// Initialize evaluator
	evalCfg := evaluator.Config{
		LeakThreshold:           s.config.LeakThreshold,
		ContinuousFlowFor:       s.config.ContinuousFlowFor,
		LeakCooldown:            s.config.LeakCooldown,
		ExcessiveUsageThreshold: s.config.ExcessiveUsageThreshold,
		OfflineAfter:            s.config.OfflineAfter,
		RatePerLiter:            s.config.RatePerLiter,
		BillingCycle:            evaluator.Cycle(s.config.BillingCycle),
		TaxRate:                 s.config.TaxRate,
		DiscountRate:            s.config.DiscountRate,
	}

	eval, err := evaluator.New(evalCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize evaluator: %w", err)
	}
	s.eval = eval

	if err := s.warmUp(ctx); err != nil {
		return fmt.Errorf("failed to warm up evaluator: %w", err)
	}

	// Initialize notifier
	var notifier notify.Notifier = notify.Noop{}
	if s.config.WebhookURL != "" {
		webhook, err := notify.NewWebhook(&notify.WebhookConfig{
			Logger: s.logger,
			URL:    s.config.WebhookURL,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize webhook notifier: %w", err)
		}
		notifier = webhook
		s.logger.Info("alert webhook enabled", "url", s.config.WebhookURL)
	}

	// Initialize ingestor
	ingestor, err := NewIngestor(s.logger, s.db, s.eval, notifier, m)
	if err != nil {
		return fmt.Errorf("failed to initialize ingestor: %w", err)
	}

	// Initialize and start reading consumer
	readingConsumer, err := NewConsumer(&ConsumerConfig{
		Logger:      s.logger,
		Ingestor:    ingestor,
		RabbitMQURL: s.config.RabbitMQURL,
		QueueName:   s.config.ReadingQueue,
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize reading consumer: %w", err)
	}
	s.readingConsumer = readingConsumer

	if err := s.readingConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reading consumer: %w", err)
	}

	// Initialize and start announcement consumer
	announceConsumer, err := NewAnnouncementConsumer(&AnnouncementConsumerConfig{
		Logger:      s.logger,
		DB:          s.db,
		Evaluator:   s.eval,
		RabbitMQURL: s.config.RabbitMQURL,
		QueueName:   s.config.AnnounceQueue,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize announcement consumer: %w", err)
	}
	s.announceConsumer = announceConsumer

	if err := s.announceConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start announcement consumer: %w", err)
	}

	// Initialize and start offline sweeper
	sweeper, err := NewSweeper(&SweeperConfig{
		Logger:   s.logger,
		Eval:     s.eval,
		Ingestor: ingestor,
		Interval: s.config.SweepInterval,
		Metrics:  m,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sweeper: %w", err)
	}
	s.sweeper = sweeper
	s.sweeper.Start(ctx)

	// Initialize HTTP API
	apiHandler, err := NewAPIHandler(s.logger, s.db, s.eval, ingestor, m)
	if err != nil {
		return fmt.Errorf("failed to initialize API handler: %w", err)
	}

	httpAddr := fmt.Sprintf(":%d", s.config.HTTPPort)
	s.httpServer = &http.Server{
		Addr:         httpAddr,
		Handler:      apiHandler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", httpAddr)

	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("backend server started successfully")

	// Wait for shutdown signal or HTTP error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			cancel()
			return err
		}
	}

	return s.Shutdown()
}

// warmUp seeds the evaluator from persisted state so alerting and billing
// resume where the previous process left off.
func (s *Server) warmUp(ctx context.Context) error {
	var devices []Device
	if err := s.db.WithContext(ctx).Find(&devices).Error; err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}
	for _, d := range devices {
		s.eval.Restore(evaluator.Device{
			ID:          d.DeviceID,
			LastSeen:    d.LastSeen,
			TotalLiters: d.TotalLiters,
			PulseCount:  d.PulseCount,
			Retired:     !d.IsActive,
		})
	}

	var alerts []Alert
	if err := s.db.WithContext(ctx).Where("is_resolved = ?", false).Find(&alerts).Error; err != nil {
		return fmt.Errorf("failed to load open alerts: %w", err)
	}
	for _, a := range alerts {
		s.eval.RestoreAlert(evaluator.Alert{
			ID:        a.AlertUID,
			Kind:      evaluator.AlertKind(a.Kind),
			DeviceID:  a.DeviceID,
			Severity:  evaluator.Severity(a.Severity),
			Message:   a.Message,
			Value:     a.Value,
			Threshold: a.Threshold,
			OpenedAt:  a.OpenedAt,
		})
	}

	s.logger.Info("evaluator warmed up",
		"devices", len(devices),
		"open_alerts", len(alerts),
	)
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down backend server")

	var shutdownErr error

	// Stop HTTP server
	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("failed to stop HTTP server", "error", err)
			shutdownErr = fmt.Errorf("HTTP server shutdown error: %w", err)
		}
		cancel()
		s.logger.Info("HTTP server stopped")
	}

	// Stop sweeper
	if s.sweeper != nil {
		s.logger.Info("stopping sweeper")
		s.sweeper.Stop()
	}

	// Stop consumers
	if s.readingConsumer != nil {
		s.logger.Info("stopping reading consumer")
		if err := s.readingConsumer.Stop(); err != nil {
			s.logger.Error("failed to stop reading consumer", "error", err)
			shutdownErr = joinShutdownErr(shutdownErr, fmt.Errorf("reading consumer shutdown error: %w", err))
		}
	}
	if s.announceConsumer != nil {
		s.logger.Info("stopping announcement consumer")
		if err := s.announceConsumer.Stop(); err != nil {
			s.logger.Error("failed to stop announcement consumer", "error", err)
			shutdownErr = joinShutdownErr(shutdownErr, fmt.Errorf("announcement consumer shutdown error: %w", err))
		}
	}

	// Close database
	if s.db != nil {
		s.logger.Info("closing database connection")
		if err := CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			shutdownErr = joinShutdownErr(shutdownErr, fmt.Errorf("database close error: %w", err))
		}
	}

	if shutdownErr != nil {
		s.logger.Error("backend server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("backend server shutdown completed successfully")
	return nil
}

func joinShutdownErr(acc, err error) error {
	if acc == nil {
		return err
	}
	return fmt.Errorf("%w; %w", acc, err)
}
