package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"elspot-advisor/internal/alerting"
	"elspot-advisor/internal/api"
	"elspot-advisor/internal/broadcast"
	"elspot-advisor/internal/config"
	"elspot-advisor/internal/fetcher"
	"elspot-advisor/internal/savings"
	"elspot-advisor/internal/scheduler"
	"elspot-advisor/internal/series"
	"elspot-advisor/internal/service"
	"elspot-advisor/internal/storage"
	"elspot-advisor/internal/synthetic"
	"elspot-advisor/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) location() *time.Location {
	loc, err := a.Config.Location()
	if err != nil {
		a.Logger.Warn().Err(err).Msg("falling back to UTC")
		return time.UTC
	}
	return loc
}

func (a *App) userAgent() string {
	if a.Config.Upstream.UserAgent != "" {
		return a.Config.Upstream.UserAgent
	}
	return version.UserAgent()
}

// newSources builds the direct source followed by the relays, in priority order.
func (a *App) newSources() ([]fetcher.Source, error) {
	up := a.Config.Upstream
	sources := make([]fetcher.Source, 0, len(up.Relays)+1)
	if !up.DisableDirect {
		sources = append(sources, fetcher.NewDirect(fetcher.DirectOptions{
			Timeout:   up.AttemptTimeout,
			UserAgent: a.userAgent(),
		}))
	}

	for _, relay := range up.Relays {
		unwrap, err := fetcher.ParseUnwrap(relay.Unwrap, relay.Field)
		if err != nil {
			return nil, fmt.Errorf("relay %s: %w", relay.Name, err)
		}
		sources = append(sources, fetcher.NewRelay(fetcher.RelayOptions{
			Name:         relay.Name,
			BaseURL:      relay.URL,
			EncodeTarget: relay.EncodeTarget,
			Unwrap:       unwrap,
			RPS:          relay.RPS,
			Burst:        relay.Burst,
			Timeout:      up.AttemptTimeout,
			UserAgent:    a.userAgent(),
		}))
	}
	return sources, nil
}

func (a *App) newPipelines(sources []fetcher.Source, gen *synthetic.Generator) (*fetcher.Pipeline[series.PriceSample], *fetcher.Pipeline[series.EmissionSample]) {
	loc := a.location()
	area := a.Config.App.Area
	timeout := a.Config.Upstream.AttemptTimeout

	prices := fetcher.NewPipeline(
		sources,
		func(body []byte) ([]series.PriceSample, error) { return series.DecodePrices(body, loc) },
		func(now time.Time) []series.PriceSample { return gen.Prices(now.In(loc), area) },
		fetcher.PipelineOptions{Name: string(series.KindPrices), AttemptTimeout: timeout},
		a.Logger,
	)
	emissions := fetcher.NewPipeline(
		sources,
		func(body []byte) ([]series.EmissionSample, error) { return series.DecodeEmissions(body, loc) },
		func(now time.Time) []series.EmissionSample { return gen.Emissions(now.In(loc), area) },
		fetcher.PipelineOptions{Name: string(series.KindEmissions), AttemptTimeout: timeout},
		a.Logger,
	)
	return prices, emissions
}

func (a *App) newProjector() (*savings.Projector, error) {
	tariffs := make([]savings.Tariff, 0, len(a.Config.Tariffs))
	for name, surcharge := range a.Config.Tariffs {
		tariffs = append(tariffs, savings.Tariff{Name: name, Surcharge: decimal.NewFromFloat(surcharge)})
	}
	appliances := make([]savings.Appliance, 0, len(a.Config.Appliances))
	for _, ap := range a.Config.Appliances {
		appliances = append(appliances, savings.Appliance{
			Name:       ap.Name,
			KWh:        decimal.NewFromFloat(ap.KWh),
			Compliance: decimal.NewFromFloat(ap.Compliance),
		})
	}

	return savings.New(savings.Options{
		Tariffs:       tariffs,
		Appliances:    appliances,
		CO2KgPerKWh:   decimal.NewFromFloat(a.Config.Savings.CO2KgPerKWh),
		TreeKgPerYear: decimal.NewFromFloat(a.Config.Savings.TreeKgPerYear),
		GreenFraction: a.Config.Savings.GreenFraction,
	})
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

// newPublishers assembles the snapshot fan-out. Unreachable brokers are
// logged and skipped so the advisor keeps running without them.
func (a *App) newPublishers(ctx context.Context, extra ...broadcast.Publisher) *broadcast.Multi {
	multi := broadcast.NewMulti(broadcast.NewLogPublisher(a.Logger))

	if cfg := a.Config.Publish.Redis; cfg.Enabled {
		pub, err := broadcast.NewRedisPublisher(ctx, broadcast.RedisOptions{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Key:      cfg.Key,
			Channel:  cfg.Channel,
			TTL:      cfg.TTL,
		}, a.Logger)
		if err != nil {
			a.Logger.Error().Err(err).Msg("redis publisher disabled")
		} else {
			multi.Add(pub)
		}
	}

	if cfg := a.Config.Publish.NATS; cfg.Enabled {
		pub, err := broadcast.NewNATSPublisher(broadcast.NATSOptions{URL: cfg.URL, Subject: cfg.Subject}, a.Logger)
		if err != nil {
			a.Logger.Error().Err(err).Msg("nats publisher disabled")
		} else {
			multi.Add(pub)
		}
	}

	if a.Config.Alerting.Enabled {
		if notifier := a.newNotifier(); notifier != nil {
			multi.Add(alerting.NewAlerter(a.Config.Alerting.Cooldown, a.Logger, notifier))
		} else {
			a.Logger.Warn().Msg("alerting enabled but no channel configured")
		}
	}

	for _, p := range extra {
		if p != nil {
			multi.Add(p)
		}
	}
	return multi
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// serviceSetup collects the optional collaborators of a service.
type serviceSetup struct {
	sources   []fetcher.Source
	seed      int64
	publisher broadcast.Publisher
	archive   storage.CycleStore
	planner   service.Planner
}

func (a *App) newService(setup serviceSetup) (*service.Service, error) {
	projector, err := a.newProjector()
	if err != nil {
		return nil, fmt.Errorf("savings projector: %w", err)
	}

	prices, emissions := a.newPipelines(setup.sources, synthetic.New(setup.seed))
	up := a.Config.Upstream
	return service.New(service.Options{
		BaseURL:         up.BaseURL,
		Area:            a.Config.App.Area,
		PriceDataset:    up.PriceDataset,
		EmissionDataset: up.EmissionDataset,
		PriceLimit:      up.PriceLimit,
		EmissionLimit:   up.EmissionLimit,
		ProbeLimit:      up.ProbeLimit,
		Location:        a.location(),
		Tariff:          a.Config.Tariff.Selected,
		LockKey:         a.Config.Scheduler.AdvisoryLockKey,
	}, service.Dependencies{
		Prices:    prices,
		Emissions: emissions,
		Projector: projector,
		Publisher: setup.publisher,
		Archive:   setup.archive,
		Planner:   setup.planner,
	}, a.Logger)
}

// Run executes the long-running advisor: an initial cycle, the scheduler and,
// when enabled, the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	policy, err := scheduler.ParsePolicy(a.Config.Scheduler.Policy)
	if err != nil {
		return err
	}

	sources, err := a.newSources()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; archive disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var hub *api.Hub
	if a.Config.HTTP.Enabled {
		hub = api.NewHub(nil, a.Logger)
	}
	publisher := a.newPublishers(ctx, hubPublisher(hub))
	defer func() {
		if err := publisher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close publishers")
		}
	}()

	sched := scheduler.New(scheduler.Options{Location: a.location()}, a.Logger)

	setup := serviceSetup{
		sources:   sources,
		seed:      a.Config.Synthetic.Seed,
		publisher: publisher,
		planner:   sched,
	}
	if store != nil {
		setup.archive = store
	}
	svc, err := a.newService(setup)
	if err != nil {
		return err
	}
	if hub != nil {
		hub.SetLatest(svc.Latest)
	}

	retention := a.Config.Database.Retention
	sched.OnWake(func(ctx context.Context, _ time.Time) error {
		if _, err := svc.RunCycle(ctx); err != nil {
			if errors.Is(err, service.ErrCycleInFlight) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if _, err := svc.PruneArchive(ctx, retention); err != nil {
			a.Logger.Warn().Err(err).Msg("archive pruning failed")
		}
		return nil
	})

	if err := sched.Start(ctx, policy); err != nil {
		return err
	}
	if _, err := svc.RunCycle(ctx); err != nil && !errors.Is(err, service.ErrCycleInFlight) {
		a.Logger.Error().Err(err).Msg("initial cycle failed")
	}

	var server *api.Server
	serverErr := make(chan error, 1)
	if a.Config.HTTP.Enabled {
		server = api.NewServer(ctx, api.Options{
			Addr:         a.Config.HTTP.Addr,
			ReadTimeout:  a.Config.HTTP.ReadTimeout,
			WriteTimeout: a.Config.HTTP.WriteTimeout,
		}, svc, sched, hub, a.Logger)
		go func() {
			serverErr <- server.ListenAndServe()
		}()
	}

	a.Logger.Info().Str("policy", string(policy)).Str("area", a.Config.App.Area).Msg("advisor running")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			a.Logger.Error().Err(err).Msg("http server terminated with error")
			runErr = err
		}
	}

	sched.Stop()
	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.Config.HTTP.ShutdownTimeout)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
	}

	a.Logger.Info().Msg("advisor stopped")
	return runErr
}

// hubPublisher avoids handing a typed nil to the fan-out.
func hubPublisher(hub *api.Hub) broadcast.Publisher {
	if hub == nil {
		return nil
	}
	return hub
}

// ExportOptions hold parameters for exporting the current series.
type ExportOptions struct {
	PNGPath   string
	CSVPath   string
	Synthetic bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// PruneOptions configure archive pruning.
type PruneOptions struct {
	OlderThan time.Duration
	DryRun    bool
}

// SimulateOptions configure a synthetic-only cycle.
type SimulateOptions struct {
	Seed int64
}
