package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elspot-advisor/internal/broadcast"
	"elspot-advisor/internal/classify"
	"elspot-advisor/internal/fetcher"
	"elspot-advisor/internal/recommend"
	"elspot-advisor/internal/savings"
	"elspot-advisor/internal/scheduler"
	"elspot-advisor/internal/series"
	"elspot-advisor/internal/storage"
	"elspot-advisor/internal/synthetic"
)

var cycleNow = time.Date(2024, 5, 1, 2, 30, 0, 0, time.UTC)

type stubSource struct {
	id   string
	body string
	err  error
	gate chan struct{}

	mu      sync.Mutex
	targets []string
}

func (s *stubSource) ID() string { return s.id }

func (s *stubSource) Attempt(ctx context.Context, target string) ([]byte, error) {
	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.mu.Unlock()
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.body), nil
}

// Hours 2-4 are cheap, everything else costs 1000.
func pricePayload() string {
	rows := make([]string, 0, 24)
	for h := 0; h < 24; h++ {
		price := 1000.0
		if h >= 2 && h <= 4 {
			price = 200
		}
		ts := time.Date(2024, 5, 1, h, 0, 0, 0, time.UTC).Format("2006-01-02T15:04:05")
		rows = append(rows, fmt.Sprintf(`{"HourUTC":%q,"HourDK":%q,"PriceArea":"DK2","SpotPriceDKK":%v,"SpotPriceEUR":1}`, ts, ts, price))
	}
	return `{"records":[` + strings.Join(rows, ",") + `]}`
}

func emissionPayload() string {
	rows := make([]string, 0, 24)
	for h := 0; h < 24; h++ {
		co2 := 200.0
		if h == 2 {
			co2 = 50
		}
		ts := time.Date(2024, 5, 1, h, 0, 0, 0, time.UTC).Format("2006-01-02T15:04:05")
		rows = append(rows, fmt.Sprintf(`{"Minutes5UTC":%q,"Minutes5DK":%q,"PriceArea":"DK2","CO2Emission":%v}`, ts, ts, co2))
	}
	return `{"records":[` + strings.Join(rows, ",") + `]}`
}

type fakeArchive struct {
	mu       sync.Mutex
	records  []storage.CycleRecord
	err      error
	deleted  time.Time
	locked   bool
	unlocked bool
	lockErr  error
}

func (f *fakeArchive) EnsureSchema(context.Context) error { return nil }

func (f *fakeArchive) InsertCycle(_ context.Context, rec storage.CycleRecord) (storage.CycleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return storage.CycleRecord{}, f.err
	}
	rec.ID = int64(len(f.records) + 1)
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeArchive) ListRecentCycles(context.Context, int) ([]storage.CycleRecord, error) {
	return f.records, nil
}

func (f *fakeArchive) CountCycles(context.Context) (int64, error) {
	return int64(len(f.records)), nil
}

func (f *fakeArchive) DeleteCyclesBefore(_ context.Context, olderThan time.Time) (int64, error) {
	f.deleted = olderThan
	return 3, nil
}

func (f *fakeArchive) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if f.lockErr != nil {
		return nil, false, f.lockErr
	}
	f.locked = true
	return func() { f.unlocked = true }, true, nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []broadcast.Snapshot
	err error
}

func (r *recordingPublisher) Name() string { return "recording" }

func (r *recordingPublisher) Publish(_ context.Context, snap broadcast.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, snap)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

type fixedPlanner struct {
	policy scheduler.Policy
}

func (p fixedPlanner) Plan(now time.Time) time.Time { return scheduler.NextWake(p.policy, now) }

func (p fixedPlanner) State() scheduler.State { return scheduler.State{Policy: p.policy} }

type fixture struct {
	priceSrc    *stubSource
	emissionSrc *stubSource
	archive     *fakeArchive
	publisher   *recordingPublisher
	planner     Planner
}

func newFixture() *fixture {
	return &fixture{
		priceSrc:    &stubSource{id: fetcher.SourceDirect, body: pricePayload()},
		emissionSrc: &stubSource{id: fetcher.SourceDirect, body: emissionPayload()},
		archive:     &fakeArchive{},
		publisher:   &recordingPublisher{},
		planner:     fixedPlanner{policy: scheduler.PolicyHourly},
	}
}

func (f *fixture) build(t *testing.T) *Service {
	t.Helper()
	logger := zerolog.Nop()
	now := func() time.Time { return cycleNow }
	gen := synthetic.New(7)

	prices := fetcher.NewPipeline(
		[]fetcher.Source{f.priceSrc},
		func(body []byte) ([]series.PriceSample, error) { return series.DecodePrices(body, time.UTC) },
		func(now time.Time) []series.PriceSample { return gen.Prices(now, "DK2") },
		fetcher.PipelineOptions{Name: "prices", AttemptTimeout: 2 * time.Second, Now: now},
		logger,
	)
	emissions := fetcher.NewPipeline(
		[]fetcher.Source{f.emissionSrc},
		func(body []byte) ([]series.EmissionSample, error) { return series.DecodeEmissions(body, time.UTC) },
		func(now time.Time) []series.EmissionSample { return gen.Emissions(now, "DK2") },
		fetcher.PipelineOptions{Name: "emissions", AttemptTimeout: 2 * time.Second, Now: now},
		logger,
	)

	projector, err := savings.New(savings.Options{
		Tariffs: []savings.Tariff{
			{Name: "energinet", Surcharge: decimal.Zero},
			{Name: "andel", Surcharge: decimal.RequireFromString("0.15")},
		},
		Appliances:    []savings.Appliance{{Name: "washer", KWh: decimal.RequireFromString("1.5"), Compliance: decimal.RequireFromString("0.7")}},
		CO2KgPerKWh:   decimal.RequireFromString("0.4"),
		TreeKgPerYear: decimal.RequireFromString("22"),
		GreenFraction: 0.4,
	})
	require.NoError(t, err)

	deps := Dependencies{
		Prices:    prices,
		Emissions: emissions,
		Projector: projector,
		Publisher: f.publisher,
		Planner:   f.planner,
	}
	if f.archive != nil {
		deps.Archive = f.archive
	}

	svc, err := New(Options{
		BaseURL:         "http://upstream.invalid/dataset",
		Area:            "DK2",
		PriceDataset:    "Elspotprices",
		EmissionDataset: "CO2Emis",
		PriceLimit:      48,
		EmissionLimit:   288,
		ProbeLimit:      5,
		Location:        time.UTC,
		Tariff:          "energinet",
		LockKey:         42,
		Now:             now,
	}, deps, logger)
	require.NoError(t, err)
	return svc
}

func TestRunCycleLive(t *testing.T) {
	f := newFixture()
	svc := f.build(t)

	_, ok := svc.Latest()
	assert.False(t, ok, "no snapshot before the first cycle")

	snap, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, fetcher.OutcomeLive, snap.SourceOutcome)
	assert.Equal(t, fetcher.SourceDirect, snap.PriceSource)
	assert.Len(t, snap.Prices, 24)
	assert.Len(t, snap.Emissions, 24)

	assert.Equal(t, classify.StatusCheap, snap.Classification.Status)
	assert.Equal(t, classify.GreenVeryGreen, snap.Green.Status)
	assert.True(t, snap.Recommendation.ShouldStartNow)
	assert.Equal(t, recommend.KeyPerfectNow, snap.Recommendation.Key)
	assert.Len(t, snap.CheapestHours, 3)

	assert.True(t, snap.Savings.Available)
	assert.True(t, snap.Savings.CO2.Available, "emissions were present")
	assert.Equal(t, "energinet", snap.Tariff)

	assert.Equal(t, string(scheduler.PolicyHourly), snap.Policy)
	assert.Equal(t, time.Date(2024, 5, 1, 3, 0, 2, 0, time.UTC), snap.NextUpdate)

	latest, ok := svc.Latest()
	require.True(t, ok)
	assert.Equal(t, snap.LastUpdate, latest.LastUpdate)

	require.Len(t, f.publisher.got, 1)
	require.Len(t, f.archive.records, 1)
	rec := f.archive.records[0]
	require.NotNil(t, rec.CurrentPriceMilli)
	assert.Equal(t, int64(200), *rec.CurrentPriceMilli)
	assert.Equal(t, recommend.KeyPerfectNow, rec.RecommendationKey)
	assert.NotEmpty(t, rec.Payload)
	assert.True(t, f.archive.locked)
	assert.True(t, f.archive.unlocked)

	require.NotEmpty(t, f.priceSrc.targets)
	assert.Contains(t, f.priceSrc.targets[0], "limit=48")
	assert.Contains(t, f.emissionSrc.targets[0], "limit=288")
}

func TestRunCycleDegraded(t *testing.T) {
	f := newFixture()
	f.emissionSrc.err = errors.New("blocked")
	svc := f.build(t)

	snap, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, fetcher.OutcomeDegraded, snap.SourceOutcome)
	assert.Equal(t, fetcher.OutcomeLive, snap.PriceOutcome)
	assert.Equal(t, fetcher.SourceSynthetic, snap.EmissionSource)
	assert.Len(t, snap.Emissions, synthetic.Hours)
	assert.True(t, snap.Degraded())
}

func TestRunCycleRejectsConcurrentTrigger(t *testing.T) {
	f := newFixture()
	f.priceSrc.gate = make(chan struct{})
	svc := f.build(t)

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunCycle(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		f.priceSrc.mu.Lock()
		defer f.priceSrc.mu.Unlock()
		return len(f.priceSrc.targets) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := svc.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInFlight)

	close(f.priceSrc.gate)
	require.NoError(t, <-done)
	assert.Len(t, f.publisher.got, 1, "the rejected trigger must not publish")

	_, err = svc.RunCycle(context.Background())
	assert.NoError(t, err, "a new cycle may start once the first finished")
}

func TestRunCycleToleratesSinkFailures(t *testing.T) {
	f := newFixture()
	f.archive.err = errors.New("db down")
	f.publisher.err = errors.New("redis down")
	svc := f.build(t)

	_, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	_, ok := svc.Latest()
	assert.True(t, ok)
}

func TestRunCycleSkipsArchiveWhenLockFails(t *testing.T) {
	f := newFixture()
	f.archive.lockErr = errors.New("lock")
	svc := f.build(t)

	_, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.archive.records)
	assert.Len(t, f.publisher.got, 1)
}

func TestRunCycleCancelled(t *testing.T) {
	svc := newFixture().build(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunCycleCancelledMidFetchKeepsLatest(t *testing.T) {
	f := newFixture()
	svc := f.build(t)

	live, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	f.emissionSrc.gate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.RunCycle(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool {
		f.emissionSrc.mu.Lock()
		defer f.emissionSrc.mu.Unlock()
		return len(f.emissionSrc.targets) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	latest, ok := svc.Latest()
	require.True(t, ok)
	assert.Equal(t, fetcher.OutcomeLive, latest.SourceOutcome)
	assert.Equal(t, live.EmissionSource, latest.EmissionSource)
	assert.Len(t, f.publisher.got, 1, "a cancelled cycle publishes nothing")
	assert.Len(t, f.archive.records, 1, "a cancelled cycle archives nothing")
}

func TestPolicyChangeDuringScheduledCycle(t *testing.T) {
	f := newFixture()
	svc := f.build(t)
	_, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	// Smart policy against a clock frozen just before 13:00 wakes every 50ms.
	sched := scheduler.New(scheduler.Options{
		Location: time.UTC,
		Now:      func() time.Time { return time.Date(2024, 5, 1, 12, 59, 59, 950_000_000, time.UTC) },
	}, zerolog.Nop())
	sched.OnWake(func(ctx context.Context, _ time.Time) error {
		_, err := svc.RunCycle(ctx)
		return err
	})

	f.priceSrc.gate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx, scheduler.PolicySmart))

	awaitAttempts := func(n int) {
		require.Eventually(t, func() bool {
			f.priceSrc.mu.Lock()
			defer f.priceSrc.mu.Unlock()
			return len(f.priceSrc.targets) == n
		}, 2*time.Second, 5*time.Millisecond)
	}
	awaitAttempts(2)

	switched := make(chan error, 1)
	go func() { switched <- sched.SetPolicy(ctx, scheduler.PolicyHourly) }()
	time.Sleep(20 * time.Millisecond)
	close(f.priceSrc.gate)
	require.NoError(t, <-switched)
	sched.Stop()

	latest, ok := svc.Latest()
	require.True(t, ok)
	assert.Equal(t, fetcher.OutcomeLive, latest.SourceOutcome)
	f.publisher.mu.Lock()
	published := append([]broadcast.Snapshot(nil), f.publisher.got...)
	f.publisher.mu.Unlock()
	require.GreaterOrEqual(t, len(published), 2)
	for _, snap := range published {
		assert.False(t, snap.Degraded(), "the interrupted wake must finish on live data")
	}

	// Shutdown cancels a running wake without replacing the live snapshot.
	before := len(published)
	attempts := len(f.priceSrc.targets)
	f.priceSrc.gate = make(chan struct{})
	ctx2, cancel2 := context.WithCancel(context.Background())
	require.NoError(t, sched.Start(ctx2, scheduler.PolicySmart))
	awaitAttempts(attempts + 1)
	cancel2()
	sched.Stop()

	latest, ok = svc.Latest()
	require.True(t, ok)
	assert.Equal(t, fetcher.OutcomeLive, latest.SourceOutcome)
	f.publisher.mu.Lock()
	assert.Len(t, f.publisher.got, before)
	f.publisher.mu.Unlock()
}

func TestRunCycleWithoutPlanner(t *testing.T) {
	f := newFixture()
	f.planner = nil
	svc := f.build(t)

	snap, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, string(scheduler.PolicySmart), snap.Policy)
	assert.Equal(t, time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC), snap.NextUpdate)
}

func TestProbeSources(t *testing.T) {
	f := newFixture()
	f.emissionSrc.err = errors.New("timeout")
	svc := f.build(t)

	report := svc.ProbeSources(context.Background())
	require.Len(t, report.Prices, 1)
	require.Len(t, report.Emissions, 1)
	assert.Equal(t, fetcher.StatusWorking, report.Prices[0].Status)
	assert.Equal(t, fetcher.StatusFailed, report.Emissions[0].Status)
	assert.Contains(t, f.priceSrc.targets[0], "limit=5")
	assert.Equal(t, cycleNow, report.CheckedAt)
}

func TestSetTariff(t *testing.T) {
	svc := newFixture().build(t)

	require.NoError(t, svc.SetTariff("andel"))
	assert.Equal(t, "andel", svc.Tariff().Name)

	err := svc.SetTariff("nope")
	assert.ErrorIs(t, err, ErrUnknownTariff)
	assert.Equal(t, "andel", svc.Tariff().Name, "a rejected name keeps the selection")

	snap, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "andel", snap.Tariff)
	assert.Len(t, svc.Tariffs(), 2)
}

func TestPruneArchive(t *testing.T) {
	f := newFixture()
	svc := f.build(t)

	removed, err := svc.PruneArchive(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	assert.Equal(t, cycleNow.Add(-24*time.Hour), f.archive.deleted)

	removed, err = svc.PruneArchive(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Area: "DK2"}, Dependencies{}, zerolog.Nop())
	assert.Error(t, err)
}
