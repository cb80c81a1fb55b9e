package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"elspot-advisor/internal/broadcast"
	"elspot-advisor/internal/classify"
	"elspot-advisor/internal/fetcher"
	"elspot-advisor/internal/recommend"
	"elspot-advisor/internal/savings"
	"elspot-advisor/internal/scheduler"
	"elspot-advisor/internal/series"
	"elspot-advisor/internal/storage"
)

var (
	// ErrCycleInFlight is returned when a refresh is triggered while another one runs.
	ErrCycleInFlight = errors.New("refresh cycle already in flight")
	// ErrUnknownTariff is returned by SetTariff for names missing from the tariff table.
	ErrUnknownTariff = savings.ErrUnknownTariff
)

// Planner reports the next scheduled refresh.
type Planner interface {
	Plan(now time.Time) time.Time
	State() scheduler.State
}

// Options configure the upstream requests and the cycle.
type Options struct {
	BaseURL         string
	Area            string
	PriceDataset    string
	EmissionDataset string
	PriceLimit      int
	EmissionLimit   int
	ProbeLimit      int
	Location        *time.Location
	Tariff          string
	LockKey         int64
	Now             func() time.Time
}

// Dependencies are the collaborators a Service drives. Archive, Publisher and
// Planner are optional.
type Dependencies struct {
	Prices    *fetcher.Pipeline[series.PriceSample]
	Emissions *fetcher.Pipeline[series.EmissionSample]
	Projector *savings.Projector
	Publisher broadcast.Publisher
	Archive   storage.CycleStore
	Planner   Planner
}

// ProbeReport lists the probe result of every source per series.
type ProbeReport struct {
	Prices    []fetcher.ProbeResult `json:"prices"`
	Emissions []fetcher.ProbeResult `json:"emissions"`
	CheckedAt time.Time             `json:"checked_at"`
}

// Service owns the current series and runs refresh cycles.
type Service struct {
	prices    *fetcher.Pipeline[series.PriceSample]
	emissions *fetcher.Pipeline[series.EmissionSample]
	projector *savings.Projector
	publisher broadcast.Publisher
	archive   storage.CycleStore
	locker    storage.AdvisoryLocker
	planner   Planner

	opts   Options
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger

	inFlight atomic.Bool

	mu        sync.RWMutex
	tariff    savings.Tariff
	latest    broadcast.Snapshot
	hasLatest bool
}

// New constructs the service.
func New(opts Options, deps Dependencies, logger zerolog.Logger) (*Service, error) {
	if deps.Prices == nil || deps.Emissions == nil {
		return nil, fmt.Errorf("price and emission pipelines are required")
	}
	if deps.Projector == nil {
		return nil, fmt.Errorf("savings projector is required")
	}
	if opts.Area == "" {
		return nil, fmt.Errorf("area is required")
	}

	tariff, err := deps.Projector.Tariff(opts.Tariff)
	if err != nil {
		return nil, fmt.Errorf("select tariff: %w", err)
	}

	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Archive.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		prices:    deps.Prices,
		emissions: deps.Emissions,
		projector: deps.Projector,
		publisher: deps.Publisher,
		archive:   deps.Archive,
		locker:    locker,
		planner:   deps.Planner,
		opts:      opts,
		loc:       loc,
		now:       now,
		logger:    logger.With().Str("component", "service").Str("area", opts.Area).Logger(),
		tariff:    tariff,
	}, nil
}

func (s *Service) request(dataset string, limit int) fetcher.Request {
	return fetcher.Request{
		BaseURL: s.opts.BaseURL,
		Dataset: dataset,
		Area:    s.opts.Area,
		Limit:   limit,
	}
}

// FetchPrices fetches the latest price points through the resilient pipeline.
// It fails only when ctx is cancelled.
func (s *Service) FetchPrices(ctx context.Context) (fetcher.Result[series.PriceSample], error) {
	return s.prices.Fetch(ctx, s.request(s.opts.PriceDataset, s.opts.PriceLimit))
}

// FetchEmissions fetches the latest CO2 samples through the resilient pipeline.
// It fails only when ctx is cancelled.
func (s *Service) FetchEmissions(ctx context.Context) (fetcher.Result[series.EmissionSample], error) {
	return s.emissions.Fetch(ctx, s.request(s.opts.EmissionDataset, s.opts.EmissionLimit))
}

// ProbeSources tries every source of both series with a small record limit.
func (s *Service) ProbeSources(ctx context.Context) ProbeReport {
	return ProbeReport{
		Prices:    s.prices.Probe(ctx, s.request(s.opts.PriceDataset, s.opts.ProbeLimit)),
		Emissions: s.emissions.Probe(ctx, s.request(s.opts.EmissionDataset, s.opts.ProbeLimit)),
		CheckedAt: s.now().In(s.loc),
	}
}

// RunCycle fetches both series, evaluates them and hands the snapshot to the
// archive and publishers. Only one cycle runs at a time. A cycle cancelled
// mid-fetch returns ctx's error and leaves the latest snapshot untouched.
func (s *Service) RunCycle(ctx context.Context) (broadcast.Snapshot, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return broadcast.Snapshot{}, ErrCycleInFlight
	}
	defer s.inFlight.Store(false)

	if err := ctx.Err(); err != nil {
		return broadcast.Snapshot{}, fmt.Errorf("refresh cycle: %w", err)
	}

	prices, err := s.FetchPrices(ctx)
	if err != nil {
		return broadcast.Snapshot{}, fmt.Errorf("refresh cycle: fetch prices: %w", err)
	}
	emissions, err := s.FetchEmissions(ctx)
	if err != nil {
		return broadcast.Snapshot{}, fmt.Errorf("refresh cycle: fetch emissions: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return broadcast.Snapshot{}, fmt.Errorf("refresh cycle: %w", err)
	}

	now := s.now().In(s.loc)
	snap := s.evaluate(now, prices, emissions)

	s.mu.Lock()
	s.latest = snap
	s.hasLatest = true
	s.mu.Unlock()

	if snap.Degraded() {
		s.logger.Warn().
			Str("price_source", snap.PriceSource).
			Str("emission_source", snap.EmissionSource).
			Msg("cycle running on synthetic data")
	}

	s.archiveCycle(ctx, snap)
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, snap); err != nil {
			s.logger.Error().Err(err).Msg("failed to publish snapshot")
		}
	}

	s.logger.Info().
		Str("price_status", string(snap.Classification.Status)).
		Str("green_status", string(snap.Green.Status)).
		Str("recommendation", snap.Recommendation.Key).
		Bool("start_now", snap.Recommendation.ShouldStartNow).
		Str("outcome", string(snap.SourceOutcome)).
		Time("next_update", snap.NextUpdate).
		Msg("cycle complete")
	return snap, nil
}

func (s *Service) evaluate(now time.Time, prices fetcher.Result[series.PriceSample], emissions fetcher.Result[series.EmissionSample]) broadcast.Snapshot {
	s.mu.RLock()
	tariff := s.tariff
	s.mu.RUnlock()

	pc := classify.Prices(prices.Records, now)
	gc := classify.Emissions(emissions.Records, now)
	today := classify.TodayPrices(prices.Records, now)

	var emissionRange *series.EmissionRange
	if len(emissions.Records) > 0 {
		r := classify.EmissionRange(emissions.Records)
		emissionRange = &r
	}

	snap := broadcast.Snapshot{
		Area:            s.opts.Area,
		Prices:          prices.Records,
		Emissions:       emissions.Records,
		Classification:  pc,
		Green:           gc,
		Recommendation:  recommend.Recommend(pc, gc, today, now),
		CheapestHours:   recommend.CheapestHours(today),
		Periods:         recommend.BestByPeriod(prices.Records, now),
		Savings:         s.projector.Project(today, emissionRange, tariff),
		SourceOutcome:   broadcast.CombineOutcomes(prices.Outcome, emissions.Outcome),
		PriceSource:     prices.SourceID,
		PriceOutcome:    prices.Outcome,
		EmissionSource:  emissions.SourceID,
		EmissionOutcome: emissions.Outcome,
		Tariff:          tariff.Name,
		Policy:          string(scheduler.PolicySmart),
		LastUpdate:      now,
		NextUpdate:      scheduler.NextWake(scheduler.PolicySmart, now),
	}
	if s.planner != nil {
		snap.Policy = string(s.planner.State().Policy)
		snap.NextUpdate = s.planner.Plan(now)
	}
	return snap
}

func (s *Service) archiveCycle(ctx context.Context, snap broadcast.Snapshot) {
	if s.archive == nil {
		return
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("skip archive")
		return
	}
	if !proceed {
		s.logger.Debug().Msg("skip archive because advisory lock held elsewhere")
		return
	}
	if unlock != nil {
		defer unlock()
	}

	rec, err := cycleRecord(snap)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build cycle record")
		return
	}
	saved, err := s.archive.InsertCycle(ctx, rec)
	if err != nil {
		s.logger.Error().Err(err).Time("cycle", snap.LastUpdate).Msg("failed to archive cycle")
		return
	}
	s.logger.Debug().Int64("id", saved.ID).Msg("cycle archived")
}

func cycleRecord(snap broadcast.Snapshot) (storage.CycleRecord, error) {
	payload, err := broadcast.Encode(snap)
	if err != nil {
		return storage.CycleRecord{}, err
	}

	rec := storage.CycleRecord{
		CycleTS:           snap.LastUpdate,
		SourceOutcome:     string(snap.SourceOutcome),
		PriceSource:       snap.PriceSource,
		EmissionSource:    snap.EmissionSource,
		PriceStatus:       string(snap.Classification.Status),
		GreenStatus:       string(snap.Green.Status),
		CurrentCO2:        snap.Green.Current,
		ShouldStartNow:    snap.Recommendation.ShouldStartNow,
		RecommendationKey: snap.Recommendation.Key,
		Tariff:            snap.Tariff,
		DailySavings:      snap.Savings.DailyTotal,
		RealisticAnnual:   snap.Savings.RealisticAnnual,
		Payload:           payload,
	}
	if cur := snap.Classification.Current; cur != nil {
		price := cur.SpotPriceMilli
		rec.CurrentPriceMilli = &price
	}
	return rec, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// PruneArchive deletes archived cycles older than retention.
func (s *Service) PruneArchive(ctx context.Context, retention time.Duration) (int64, error) {
	if s.archive == nil || retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-retention)
	removed, err := s.archive.DeleteCyclesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune archive: %w", err)
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("archive pruned")
	}
	return removed, nil
}

// Latest returns the snapshot of the last completed cycle.
func (s *Service) Latest() (broadcast.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasLatest
}

// SetTariff selects the tariff used by the following cycles.
func (s *Service) SetTariff(name string) error {
	tariff, err := s.projector.Tariff(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tariff = tariff
	s.mu.Unlock()

	s.logger.Info().Str("tariff", name).Msg("tariff selected")
	return nil
}

// Tariff returns the selected tariff.
func (s *Service) Tariff() savings.Tariff {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tariff
}

// Tariffs lists the configured tariffs.
func (s *Service) Tariffs() []savings.Tariff {
	return s.projector.Tariffs()
}
