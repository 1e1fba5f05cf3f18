package backend_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/watermeter/internal/backend"
)

var _ = Describe("Server", func() {
	validConfig := func() *backend.ServerConfig {
		return &backend.ServerConfig{
			Logger:                  testLogger(),
			DBHost:                  "localhost",
			DBPort:                  5432,
			DBUser:                  "postgres",
			DBPassword:              "password",
			DBName:                  "watermeter",
			DBSSLMode:               "disable",
			RabbitMQURL:             "amqp://localhost:5672",
			ReadingQueue:            "meter-readings",
			AnnounceQueue:           "meter-announcements",
			HTTPPort:                8080,
			LeakThreshold:           10,
			ContinuousFlowFor:       30 * time.Minute,
			LeakCooldown:            10 * time.Minute,
			ExcessiveUsageThreshold: 1000,
			OfflineAfter:            30 * time.Minute,
			RatePerLiter:            0.002,
			BillingCycle:            "monthly",
		}
	}

	Describe("NewServer", func() {
		Context("with valid configuration", func() {
			It("should create a server", func() {
				server, err := backend.NewServer(validConfig())
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})
		})

		Context("with invalid configuration", func() {
			It("should return error when config is nil", func() {
				server, err := backend.NewServer(nil)
				Expect(err).To(HaveOccurred())
				Expect(server).To(BeNil())
			})

			It("should return error when logger is nil", func() {
				cfg := validConfig()
				cfg.Logger = nil
				_, err := backend.NewServer(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("logger"))
			})

			It("should return error when rabbitmq URL is empty", func() {
				cfg := validConfig()
				cfg.RabbitMQURL = ""
				_, err := backend.NewServer(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("rabbitmq"))
			})

			It("should return error when queue names are empty", func() {
				cfg := validConfig()
				cfg.ReadingQueue = ""
				_, err := backend.NewServer(cfg)
				Expect(err).To(HaveOccurred())

				cfg = validConfig()
				cfg.AnnounceQueue = ""
				_, err = backend.NewServer(cfg)
				Expect(err).To(HaveOccurred())
			})

			It("should return error when database settings are missing", func() {
				cfg := validConfig()
				cfg.DBHost = ""
				_, err := backend.NewServer(cfg)
				Expect(err).To(HaveOccurred())

				cfg = validConfig()
				cfg.DBPort = 0
				_, err = backend.NewServer(cfg)
				Expect(err).To(HaveOccurred())

				cfg = validConfig()
				cfg.DBUser = ""
				_, err = backend.NewServer(cfg)
				Expect(err).To(HaveOccurred())

				cfg = validConfig()
				cfg.DBName = ""
				_, err = backend.NewServer(cfg)
				Expect(err).To(HaveOccurred())
			})

			It("should return error when HTTP port is invalid", func() {
				cfg := validConfig()
				cfg.HTTPPort = 0
				_, err := backend.NewServer(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("HTTP port"))
			})
		})
	})
})
