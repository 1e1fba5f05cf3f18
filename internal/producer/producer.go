// Package producer simulates a fleet of water meters and publishes their
// telemetry to a message queue.
package producer

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"procodus.dev/watermeter/pkg/generator"
	"procodus.dev/watermeter/pkg/metrics"
	"procodus.dev/watermeter/pkg/mq"
)

// Producer manages a set of simulated meters and publishes their readings
// to a message queue. Each meter keeps its own flow generator so totals
// stay monotonic across readings.
type Producer struct {
	MQClient         mq.ClientInterface
	AnnounceMQClient mq.ClientInterface
	Meters           []*generator.Meter
	generators       map[string]*generator.FlowGenerator
	metrics          *metrics.SimulatorMetrics // Optional metrics
}

// NewProducer creates a new producer with a random number of simulated
// meters and publishes an announcement for each.
// Note: uses math/rand for meter generation, which is acceptable for
// simulation data.
func NewProducer(mqClient mq.ClientInterface, announceMQClient mq.ClientInterface) *Producer {
	meterCount := rand.Intn(5) + 1 // #nosec G404 - weak random is acceptable for simulation data
	meters := make([]*generator.Meter, 0, meterCount)
	generators := make(map[string]*generator.FlowGenerator, meterCount)
	for range meterCount {
		m := generator.NewMeter()
		if m == nil {
			continue
		}
		meters = append(meters, m)
		generators[m.DeviceID] = generator.NewFlowGenerator(m.DeviceID)
	}

	producer := &Producer{
		MQClient:         mqClient,
		AnnounceMQClient: announceMQClient,
		Meters:           meters,
		generators:       generators,
	}

	// Publish device announcements
	for _, m := range meters {
		if err := producer.publishAnnouncement(m); err != nil {
			// Log error but continue with other meters
			slog.Error(err.Error())
			continue
		}
	}

	return producer
}

// SetMetrics sets the metrics collector for this producer.
func (p *Producer) SetMetrics(m *metrics.SimulatorMetrics) {
	p.metrics = m
	if m != nil {
		m.SimulatedDevices.Add(float64(len(p.Meters)))
	}
}

// publishAnnouncement publishes a device announcement to the announce queue.
func (p *Producer) publishAnnouncement(m *generator.Meter) error {
	message, err := json.Marshal(m.Announcement())
	if err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues("announcement", "marshal_error").Inc()
		}
		return err
	}

	// Short timeout so startup does not block while the MQ connection is
	// still being established; background reconnection covers later pushes.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := p.AnnounceMQClient.Push(ctx, message); err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues("announcement", "push_error").Inc()
		}
		return err
	}

	if p.metrics != nil {
		p.metrics.ReadingsPublished.WithLabelValues("announcement").Inc()
	}

	return nil
}

// PublishReadings advances every meter's simulation by interval and
// publishes the resulting samples.
func (p *Producer) PublishReadings(ctx context.Context, interval time.Duration) error {
	now := time.Now().UTC()

	var firstErr error
	leaking := 0
	for _, m := range p.Meters {
		g := p.generators[m.DeviceID]
		reading := g.Reading(now, interval)
		if g.Leaking() {
			leaking++
		}

		message, err := json.Marshal(reading)
		if err != nil {
			if p.metrics != nil {
				p.metrics.PublishFailures.WithLabelValues("reading", "marshal_error").Inc()
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := p.MQClient.Push(ctx, message); err != nil {
			if p.metrics != nil {
				p.metrics.PublishFailures.WithLabelValues("reading", "push_error").Inc()
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if p.metrics != nil {
			p.metrics.ReadingsPublished.WithLabelValues("reading").Inc()
		}
	}

	if p.metrics != nil {
		p.metrics.LeakEpisodesActive.Set(float64(leaking))
	}

	return firstErr
}
