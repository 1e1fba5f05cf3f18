package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/watermeter/pkg/logger"
)

var _ = Describe("Logger", func() {
	Describe("New", func() {
		Context("with default config", func() {
			It("should create a non-nil logger", func() {
				log := logger.New(logger.DefaultConfig())
				Expect(log).NotTo(BeNil())
			})
		})

		Context("with nil config", func() {
			It("should create a non-nil logger with defaults", func() {
				log := logger.New(nil)
				Expect(log).NotTo(BeNil())
			})
		})

		Context("with add source enabled", func() {
			It("should create a logger that includes source information", func() {
				cfg := &logger.Config{
					Level:     slog.LevelInfo,
					Output:    &bytes.Buffer{},
					AddSource: true,
				}
				log := logger.New(cfg)
				Expect(log).NotTo(BeNil())
			})
		})
	})

	Describe("NewDefault", func() {
		It("should create a non-nil logger with default settings", func() {
			log := logger.NewDefault()
			Expect(log).NotTo(BeNil())
		})
	})

	Describe("NewWithLevel", func() {
		DescribeTable("should create loggers with different levels",
			func(level slog.Level) {
				log := logger.NewWithLevel(level)
				Expect(log).NotTo(BeNil())
			},
			Entry("debug level", slog.LevelDebug),
			Entry("info level", slog.LevelInfo),
			Entry("warn level", slog.LevelWarn),
			Entry("error level", slog.LevelError),
		)
	})

	Describe("ParseLevel", func() {
		DescribeTable("should parse level strings correctly",
			func(input string, expected slog.Level) {
				Expect(logger.ParseLevel(input)).To(Equal(expected))
			},
			Entry("debug", "debug", slog.LevelDebug),
			Entry("info", "info", slog.LevelInfo),
			Entry("warn", "warn", slog.LevelWarn),
			Entry("warning", "warning", slog.LevelWarn),
			Entry("error", "error", slog.LevelError),
			Entry("invalid defaults to info", "invalid", slog.LevelInfo),
			Entry("empty string defaults to info", "", slog.LevelInfo),
		)
	})

	Describe("Logger Output Format", func() {
		var (
			buf *bytes.Buffer
			log *slog.Logger
		)

		BeforeEach(func() {
			buf = &bytes.Buffer{}
			log = logger.New(&logger.Config{
				Level:  slog.LevelInfo,
				Output: buf,
			})
		})

		It("should output valid JSON with the required fields", func() {
			log.Info("test message")

			var logEntry map[string]interface{}
			Expect(json.Unmarshal(buf.Bytes(), &logEntry)).To(Succeed())
			Expect(logEntry).To(HaveKey("time"))
			Expect(logEntry).To(HaveKey("level"))
			Expect(logEntry).To(HaveKeyWithValue("msg", "test message"))
		})

		It("should include custom fields", func() {
			log.Info("test message", "device_id", "meter-001", "liters", 42)

			var logEntry map[string]interface{}
			Expect(json.Unmarshal(buf.Bytes(), &logEntry)).To(Succeed())
			Expect(logEntry).To(HaveKeyWithValue("device_id", "meter-001"))
			Expect(logEntry).To(HaveKeyWithValue("liters", float64(42)))
		})
	})

	Describe("Logger Levels", func() {
		DescribeTable("should respect log level filtering",
			func(level slog.Level, logFunc func(*slog.Logger), shouldAppear bool) {
				buf := &bytes.Buffer{}
				log := logger.New(&logger.Config{
					Level:  level,
					Output: buf,
				})

				logFunc(log)

				hasOutput := len(strings.TrimSpace(buf.String())) > 0
				Expect(hasOutput).To(Equal(shouldAppear))
			},
			Entry("debug logged when level is debug",
				slog.LevelDebug,
				func(l *slog.Logger) { l.Debug("debug message") },
				true,
			),
			Entry("debug not logged when level is info",
				slog.LevelInfo,
				func(l *slog.Logger) { l.Debug("debug message") },
				false,
			),
			Entry("info logged when level is info",
				slog.LevelInfo,
				func(l *slog.Logger) { l.Info("info message") },
				true,
			),
			Entry("info not logged when level is error",
				slog.LevelError,
				func(l *slog.Logger) { l.Info("info message") },
				false,
			),
		)
	})

	Describe("ForComponent", func() {
		It("should tag log messages with the component name", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{
				Level:  slog.LevelInfo,
				Output: buf,
			})

			logger.ForComponent(log, "ingest").Info("reading accepted")

			var logEntry map[string]interface{}
			Expect(json.Unmarshal(buf.Bytes(), &logEntry)).To(Succeed())
			Expect(logEntry).To(HaveKeyWithValue("component", "ingest"))
		})
	})

	Describe("DefaultConfig", func() {
		It("should have Info level and AddSource disabled", func() {
			cfg := logger.DefaultConfig()
			Expect(cfg).NotTo(BeNil())
			Expect(cfg.Level).To(Equal(slog.LevelInfo))
			Expect(cfg.AddSource).To(BeFalse())
		})
	})
})
