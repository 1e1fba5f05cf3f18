package backend_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/watermeter/internal/backend"
	"procodus.dev/watermeter/internal/evaluator"
)

var _ = Describe("Consumers", func() {
	var (
		eval     *evaluator.Evaluator
		ingestor *backend.Ingestor
	)

	BeforeEach(func() {
		var err error
		eval, err = evaluator.New(testEvalConfig())
		Expect(err).NotTo(HaveOccurred())

		ingestor, err = backend.NewIngestor(testLogger(), openTestDB(), eval, nil, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewConsumer", func() {
		Context("with invalid configuration", func() {
			It("should return error when config is nil", func() {
				consumer, err := backend.NewConsumer(nil)
				Expect(err).To(HaveOccurred())
				Expect(consumer).To(BeNil())
			})

			It("should return error when logger is nil", func() {
				consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
					Ingestor:    ingestor,
					RabbitMQURL: "amqp://localhost:5672",
					QueueName:   "meter-readings",
				})
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("logger"))
				Expect(consumer).To(BeNil())
			})

			It("should return error when ingestor is nil", func() {
				consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
					Logger:      testLogger(),
					RabbitMQURL: "amqp://localhost:5672",
					QueueName:   "meter-readings",
				})
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("ingestor"))
				Expect(consumer).To(BeNil())
			})

			It("should return error when rabbitmq URL is empty", func() {
				consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
					Logger:    testLogger(),
					Ingestor:  ingestor,
					QueueName: "meter-readings",
				})
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("rabbitmq"))
				Expect(consumer).To(BeNil())
			})

			It("should return error when queue name is empty", func() {
				consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
					Logger:      testLogger(),
					Ingestor:    ingestor,
					RabbitMQURL: "amqp://localhost:5672",
				})
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("queue"))
				Expect(consumer).To(BeNil())
			})
		})

		Context("with valid configuration", func() {
			It("should create a consumer", func() {
				consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
					Logger:      testLogger(),
					Ingestor:    ingestor,
					RabbitMQURL: "amqp://localhost:5672",
					QueueName:   "meter-readings",
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(consumer).NotTo(BeNil())
			})
		})
	})

	Describe("NewAnnouncementConsumer", func() {
		Context("with invalid configuration", func() {
			It("should return error when config is nil", func() {
				consumer, err := backend.NewAnnouncementConsumer(nil)
				Expect(err).To(HaveOccurred())
				Expect(consumer).To(BeNil())
			})

			It("should return error when evaluator is nil", func() {
				consumer, err := backend.NewAnnouncementConsumer(&backend.AnnouncementConsumerConfig{
					Logger:      testLogger(),
					DB:          openTestDB(),
					RabbitMQURL: "amqp://localhost:5672",
					QueueName:   "meter-announcements",
				})
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("evaluator"))
				Expect(consumer).To(BeNil())
			})
		})

		Context("with valid configuration", func() {
			It("should create a consumer", func() {
				consumer, err := backend.NewAnnouncementConsumer(&backend.AnnouncementConsumerConfig{
					Logger:      testLogger(),
					DB:          openTestDB(),
					Evaluator:   eval,
					RabbitMQURL: "amqp://localhost:5672",
					QueueName:   "meter-announcements",
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(consumer).NotTo(BeNil())
			})
		})
	})

	Describe("NewSweeper", func() {
		It("should return error when config is nil", func() {
			sweeper, err := backend.NewSweeper(nil)
			Expect(err).To(HaveOccurred())
			Expect(sweeper).To(BeNil())
		})

		It("should return error when evaluator is nil", func() {
			sweeper, err := backend.NewSweeper(&backend.SweeperConfig{
				Logger:   testLogger(),
				Ingestor: ingestor,
			})
			Expect(err).To(HaveOccurred())
			Expect(sweeper).To(BeNil())
		})

		It("should create a sweeper with a default interval", func() {
			sweeper, err := backend.NewSweeper(&backend.SweeperConfig{
				Logger:   testLogger(),
				Eval:     eval,
				Ingestor: ingestor,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(sweeper).NotTo(BeNil())
		})
	})

	Describe("NewIngestor", func() {
		It("should return error when logger is nil", func() {
			i, err := backend.NewIngestor(nil, openTestDB(), eval, nil, nil)
			Expect(err).To(HaveOccurred())
			Expect(i).To(BeNil())
		})

		It("should return error when database is nil", func() {
			i, err := backend.NewIngestor(testLogger(), nil, eval, nil, nil)
			Expect(err).To(HaveOccurred())
			Expect(i).To(BeNil())
		})

		It("should return error when evaluator is nil", func() {
			i, err := backend.NewIngestor(testLogger(), openTestDB(), nil, nil, nil)
			Expect(err).To(HaveOccurred())
			Expect(i).To(BeNil())
		})
	})
})
