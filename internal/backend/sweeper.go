package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"procodus.dev/watermeter/internal/evaluator"
	"procodus.dev/watermeter/pkg/metrics"
)

// SweeperConfig holds configuration for the offline sweeper.
type SweeperConfig struct {
	Logger   *slog.Logger
	Eval     *evaluator.Evaluator
	Ingestor *Ingestor
	Interval time.Duration
	Metrics  *metrics.BackendMetrics // Optional metrics
}

// Sweeper periodically scans the evaluator for devices that have gone
// silent and applies the resulting offline alert events. Time only moves
// forward through readings otherwise, so without the sweeper a dead device
// would never be flagged.
type Sweeper struct {
	logger   *slog.Logger
	eval     *evaluator.Evaluator
	ingestor *Ingestor
	interval time.Duration
	metrics  *metrics.BackendMetrics
	done     chan struct{}
}

// NewSweeper creates a new Sweeper instance.
func NewSweeper(config *SweeperConfig) (*Sweeper, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if config.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if config.Eval == nil {
		return nil, errors.New("evaluator cannot be nil")
	}
	if config.Ingestor == nil {
		return nil, errors.New("ingestor cannot be nil")
	}
	interval := config.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		logger:   config.Logger,
		eval:     config.Eval,
		ingestor: config.Ingestor,
		interval: interval,
		metrics:  config.Metrics,
		done:     make(chan struct{}),
	}, nil
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("starting offline sweeper", "interval", s.interval)
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("offline sweeper stopped")
				return
			case now := <-ticker.C:
				s.sweep(ctx, now.UTC())
			}
		}
	}()
}

// Stop blocks until the sweep loop has exited.
func (s *Sweeper) Stop() {
	<-s.done
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time) {
	events := s.eval.SweepOffline(now)
	if s.metrics != nil {
		s.metrics.OfflineSweeps.Inc()
	}
	if len(events) == 0 {
		return
	}

	s.logger.Info("offline sweep produced events", "count", len(events))
	if err := s.ingestor.ApplyEvents(ctx, events); err != nil {
		s.logger.Error("failed to apply sweep events", "error", err)
	}
}
