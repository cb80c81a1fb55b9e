package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"elspot-advisor/internal/broadcast"
	"elspot-advisor/internal/fetcher"
	"elspot-advisor/internal/scheduler"
	"elspot-advisor/internal/service"
)

// Once runs a single live cycle, archives and publishes it, and prints a summary.
func (a *App) Once(ctx context.Context, out io.Writer) error {
	sources, err := a.newSources()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	publisher := a.newPublishers(ctx)
	defer publisher.Close()

	setup := serviceSetup{
		sources:   sources,
		seed:      a.Config.Synthetic.Seed,
		publisher: publisher,
		planner:   a.idlePlanner(),
	}
	if store != nil {
		setup.archive = store
	}

	snap, err := a.cycle(ctx, setup)
	if err != nil {
		return err
	}
	return writeSummary(out, snap)
}

// Simulate runs one cycle on synthetic data only. Nothing is archived or published.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions, out io.Writer) error {
	seed := opts.Seed
	if seed == 0 {
		seed = a.Config.Synthetic.Seed
	}
	snap, err := a.cycle(ctx, serviceSetup{seed: seed, planner: a.idlePlanner()})
	if err != nil {
		return err
	}
	return writeSummary(out, snap)
}

// Probe checks every source for both series and prints a table.
func (a *App) Probe(ctx context.Context, out io.Writer) error {
	sources, err := a.newSources()
	if err != nil {
		return err
	}
	svc, err := a.newService(serviceSetup{sources: sources})
	if err != nil {
		return err
	}
	return writeProbe(out, svc.ProbeSources(ctx))
}

func (a *App) cycle(ctx context.Context, setup serviceSetup) (broadcast.Snapshot, error) {
	svc, err := a.newService(setup)
	if err != nil {
		return broadcast.Snapshot{}, err
	}
	return svc.RunCycle(ctx)
}

// idlePlanner reports the configured policy without arming a timer.
func (a *App) idlePlanner() service.Planner {
	policy, err := scheduler.ParsePolicy(a.Config.Scheduler.Policy)
	if err != nil {
		policy = scheduler.PolicySmart
	}
	return staticPlanner{policy: policy}
}

type staticPlanner struct {
	policy scheduler.Policy
}

func (p staticPlanner) Plan(now time.Time) time.Time {
	return scheduler.NextWake(p.policy, now)
}

func (p staticPlanner) State() scheduler.State {
	return scheduler.State{Policy: p.policy, Phase: scheduler.PhaseIdle}
}

func writeSummary(out io.Writer, snap broadcast.Snapshot) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintf(w, "Area\t%s\n", snap.Area)
	fmt.Fprintf(w, "Data\t%s (prices: %s, emissions: %s)\n", snap.SourceOutcome, snap.PriceSource, snap.EmissionSource)
	if cur := snap.Classification.Current; cur != nil {
		fmt.Fprintf(w, "Price now\t%.3f/kWh (%s)\n", cur.PerKWh(), snap.Classification.Status)
	} else {
		fmt.Fprintf(w, "Price now\t- (%s)\n", snap.Classification.Status)
	}
	if co2 := snap.Green.Current; co2 != nil {
		fmt.Fprintf(w, "CO2 now\t%.0f g/kWh (%s)\n", *co2, snap.Green.Status)
	} else {
		fmt.Fprintf(w, "CO2 now\t- (%s)\n", snap.Green.Status)
	}
	fmt.Fprintf(w, "Advice\t%s\n", sanitizeInline(snap.Recommendation.Message))
	if next := snap.Recommendation.NextBestTime; next != nil {
		fmt.Fprintf(w, "Best time\t%s\n", next.Format("2006-01-02 15:04"))
	}
	for i, h := range snap.CheapestHours {
		fmt.Fprintf(w, "Cheap #%d\t%s  %.3f/kWh\n", i+1, h.TimestampLocal.Format("15:04"), h.PerKWh())
	}
	if snap.Savings.Available {
		fmt.Fprintf(w, "Tariff\t%s\n", snap.Tariff)
		fmt.Fprintf(w, "Savings/day\t%s\n", formatDecimal(snap.Savings.DailyTotal, 2))
		fmt.Fprintf(w, "Savings/year\t%s (optimal %s, conservative %s)\n",
			formatDecimal(snap.Savings.RealisticAnnual, 2),
			formatDecimal(snap.Savings.OptimalAnnual, 2),
			formatDecimal(snap.Savings.ConservativeAnnual, 2))
	}
	if snap.Savings.CO2.Available {
		fmt.Fprintf(w, "CO2 saved/year\t%s kg (%s trees)\n",
			formatDecimal(snap.Savings.CO2.AnnualKg, 2),
			formatDecimal(snap.Savings.CO2.Trees, 2))
	}
	fmt.Fprintf(w, "Next update\t%s (%s)\n", snap.NextUpdate.Format("2006-01-02 15:04:05"), snap.Policy)

	return w.Flush()
}

func writeProbe(out io.Writer, report service.ProbeReport) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Series\tSource\tStatus\tRecords\tLatency\tError")

	rows := func(kind string, results []fetcher.ProbeResult) {
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				kind, r.SourceID, r.Status, r.Records, r.Latency.Round(time.Millisecond), sanitizeInline(r.Error))
		}
	}
	rows("prices", report.Prices)
	rows("emissions", report.Emissions)

	return w.Flush()
}
