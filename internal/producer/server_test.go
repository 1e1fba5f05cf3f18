package producer_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/watermeter/internal/producer"
)

var _ = Describe("Simulator Server", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	validConfig := func() *producer.ServerConfig {
		return &producer.ServerConfig{
			Logger:            logger,
			RabbitMQURL:       "amqp://localhost:5672",
			QueueName:         "meter-readings",
			AnnounceQueueName: "meter-announcements",
			ProducerCount:     2,
			Interval:          time.Second,
		}
	}

	Describe("NewServer", func() {
		Context("with valid configuration", func() {
			It("should create a server", func() {
				server, err := producer.NewServer(validConfig())
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})

			It("should create server with minimum producer count", func() {
				cfg := validConfig()
				cfg.ProducerCount = 1

				server, err := producer.NewServer(cfg)
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})

			It("should create server with small interval", func() {
				cfg := validConfig()
				cfg.Interval = 100 * time.Millisecond

				server, err := producer.NewServer(cfg)
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})
		})

		Context("with invalid configuration", func() {
			It("should return error when producer count is zero", func() {
				cfg := validConfig()
				cfg.ProducerCount = 0

				server, err := producer.NewServer(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("producer count"))
				Expect(server).To(BeNil())
			})

			It("should return error when producer count is negative", func() {
				cfg := validConfig()
				cfg.ProducerCount = -1

				server, err := producer.NewServer(cfg)
				Expect(err).To(HaveOccurred())
				Expect(server).To(BeNil())
			})

			It("should return error when interval is zero", func() {
				cfg := validConfig()
				cfg.Interval = 0

				server, err := producer.NewServer(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("interval"))
				Expect(server).To(BeNil())
			})

			It("should return error when logger is nil", func() {
				cfg := validConfig()
				cfg.Logger = nil

				server, err := producer.NewServer(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("logger"))
				Expect(server).To(BeNil())
			})
		})
	})

	Describe("Run", func() {
		It("should shutdown when context is canceled", func() {
			cfg := validConfig()
			cfg.RabbitMQURL = "amqp://invalid:5672" // Never connects
			cfg.Interval = 100 * time.Millisecond

			server, err := producer.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- server.Run(ctx)
			}()

			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		})

		It("should shutdown immediately with pre-canceled context", func() {
			cfg := validConfig()
			cfg.RabbitMQURL = "amqp://invalid:5672"

			server, err := producer.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			done := make(chan error, 1)
			go func() {
				done <- server.Run(ctx)
			}()

			Eventually(done, time.Second).Should(Receive(BeNil()))
		})

		It("should shutdown promptly despite a long interval", func() {
			cfg := validConfig()
			cfg.RabbitMQURL = "amqp://invalid:5672"
			cfg.ProducerCount = 1
			cfg.Interval = 10 * time.Second

			server, err := producer.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- server.Run(ctx)
			}()

			Eventually(done, time.Second).Should(Receive(BeNil()))
		})

		It("should manage multiple producer goroutines", func() {
			cfg := validConfig()
			cfg.RabbitMQURL = "amqp://invalid:5672"
			cfg.ProducerCount = 5
			cfg.Interval = 100 * time.Millisecond

			server, err := producer.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- server.Run(ctx)
			}()

			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		})
	})

	Describe("Shutdown", func() {
		It("should shutdown cleanly without a prior Run", func() {
			cfg := validConfig()
			cfg.RabbitMQURL = "amqp://invalid:5672"

			server, err := producer.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			Expect(server.Shutdown()).To(Succeed())
		})

		It("should handle multiple shutdown calls", func() {
			cfg := validConfig()
			cfg.RabbitMQURL = "amqp://invalid:5672"

			server, err := producer.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			Expect(server.Shutdown()).To(Succeed())
			Expect(server.Shutdown()).To(Succeed())
		})
	})
})
