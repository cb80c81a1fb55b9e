package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Publisher hands a completed snapshot to one consumer.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, snap Snapshot) error
	Close() error
}

// Multi fans a snapshot out to every publisher. A failing publisher does not
// stop the others; all errors are joined.
type Multi struct {
	publishers []Publisher
}

// NewMulti wraps the given publishers, skipping nil entries.
func NewMulti(publishers ...Publisher) *Multi {
	m := &Multi{}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// Add appends a publisher.
func (m *Multi) Add(p Publisher) {
	if p != nil {
		m.publishers = append(m.publishers, p)
	}
}

// Len returns the number of publishers.
func (m *Multi) Len() int { return len(m.publishers) }

// Name implements Publisher.
func (m *Multi) Name() string { return "multi" }

// Publish implements Publisher.
func (m *Multi) Publish(ctx context.Context, snap Snapshot) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher.
func (m *Multi) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes a one-line cycle summary.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher constructs a LogPublisher.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "publish_log").Logger()}
}

// Name implements Publisher.
func (p *LogPublisher) Name() string { return "log" }

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, snap Snapshot) error {
	evt := p.logger.Info().
		Str("outcome", string(snap.SourceOutcome)).
		Str("price_source", snap.PriceSource).
		Str("emission_source", snap.EmissionSource).
		Str("price_status", string(snap.Classification.Status)).
		Str("green_status", string(snap.Green.Status)).
		Bool("start_now", snap.Recommendation.ShouldStartNow).
		Str("recommendation", snap.Recommendation.Key).
		Time("next_update", snap.NextUpdate)
	if cur := snap.Classification.Current; cur != nil {
		evt = evt.Int64("price_milli", cur.SpotPriceMilli)
	}
	if snap.Green.Current != nil {
		evt = evt.Float64("co2_g_kwh", *snap.Green.Current)
	}
	if snap.Savings.Available {
		evt = evt.Str("daily_savings", snap.Savings.DailyTotal.StringFixed(2))
	}
	evt.Msg("cycle published")
	return nil
}

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }

var (
	_ Publisher = (*Multi)(nil)
	_ Publisher = (*LogPublisher)(nil)
)
