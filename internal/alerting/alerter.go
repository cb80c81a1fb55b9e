package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"elspot-advisor/internal/broadcast"
)

// Alerter notifies when the recommendation flips to start-now.
//
// It fires on the transition only, and at most once per cooldown window.
type Alerter struct {
	notifiers []Notifier
	cooldown  time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	mu        sync.Mutex
	lastStart bool
	lastSent  time.Time
}

// NewAlerter wraps one or more notifiers.
func NewAlerter(cooldown time.Duration, logger zerolog.Logger, notifiers ...Notifier) *Alerter {
	return &Alerter{
		notifiers: notifiers,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger.With().Str("component", "alerter").Logger(),
	}
}

// Name implements broadcast.Publisher.
func (a *Alerter) Name() string { return "alerting" }

// Publish implements broadcast.Publisher.
func (a *Alerter) Publish(ctx context.Context, snap broadcast.Snapshot) error {
	start := snap.Recommendation.ShouldStartNow

	a.mu.Lock()
	flipped := start && !a.lastStart
	a.lastStart = start
	now := a.now()
	lastSent := a.lastSent
	cooling := !lastSent.IsZero() && now.Sub(lastSent) < a.cooldown
	if flipped && !cooling {
		a.lastSent = now
	}
	a.mu.Unlock()

	if !flipped {
		return nil
	}
	if cooling {
		a.logger.Debug().Time("last_sent", lastSent).Msg("alert suppressed by cooldown")
		return nil
	}

	note := Notification{
		CycleTS:     snap.LastUpdate,
		Area:        snap.Area,
		PriceStatus: string(snap.Classification.Status),
		GreenStatus: string(snap.Green.Status),
		Key:         snap.Recommendation.Key,
		Message:     snap.Recommendation.Message,
		Outcome:     string(snap.SourceOutcome),
	}
	if cur := snap.Classification.Current; cur != nil {
		price := cur.SpotPriceMilli
		note.PriceMilli = &price
	}
	note.CO2GramsPerKWh = snap.Green.Current

	var errs []error
	for _, n := range a.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements broadcast.Publisher.
func (a *Alerter) Close() error { return nil }

var _ broadcast.Publisher = (*Alerter)(nil)
