package savings

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elspot-advisor/internal/series"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func defaultOptions() Options {
	return Options{
		Tariffs: []Tariff{
			{Name: "energinet", Surcharge: d("0")},
			{Name: "andel", Surcharge: d("0.15")},
			{Name: "ok", Surcharge: d("0.10")},
		},
		Appliances: []Appliance{
			{Name: "washer", KWh: d("1.5"), Compliance: d("0.7")},
			{Name: "dryer", KWh: d("3.0"), Compliance: d("0.6")},
			{Name: "dishwasher", KWh: d("1.2"), Compliance: d("0.8")},
		},
		CO2KgPerKWh:   d("0.4"),
		TreeKgPerYear: d("22"),
		GreenFraction: 0.4,
	}
}

func newProjector(t *testing.T) *Projector {
	t.Helper()
	p, err := New(defaultOptions())
	require.NoError(t, err)
	return p
}

func today(prices ...int64) []series.PriceSample {
	loc := time.FixedZone("CET", 3600)
	out := make([]series.PriceSample, 0, len(prices))
	for h, p := range prices {
		ts := time.Date(2024, 3, 12, h, 0, 0, 0, loc)
		out = append(out, series.PriceSample{TimestampUTC: ts.UTC(), TimestampLocal: ts, Area: "DK2", SpotPriceMilli: p})
	}
	return out
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "%s: want %s, got %s", msg, want, got)
}

func TestProjectWasherScenario(t *testing.T) {
	p := newProjector(t)
	tariff, err := p.Tariff("energinet")
	require.NoError(t, err)

	// avg 1000: cheap partition {500}, expensive partition {1500}.
	proj := p.Project(today(500, 1500, 1000), nil, tariff)
	require.True(t, proj.Available)
	require.Len(t, proj.Appliances, 3)

	washer := proj.Appliances[0]
	assert.Equal(t, "washer", washer.Appliance)
	assertDecimal(t, "0.75", washer.CheapCost, "cheap cost")
	assertDecimal(t, "2.25", washer.ExpensiveCost, "expensive cost")
	assertDecimal(t, "1.5", washer.Savings, "savings")
	assertDecimal(t, "66.7", washer.Percentage, "percentage")
	assertDecimal(t, "383.25", washer.Annual, "annual")

	assertDecimal(t, "5.7", proj.DailyTotal, "daily total")
	assertDecimal(t, "1390.65", proj.RealisticAnnual, "realistic annual")
	assertDecimal(t, "2080.5", proj.OptimalAnnual, "optimal annual")
	assertDecimal(t, "1040.25", proj.ConservativeAnnual, "conservative annual")
	assertDecimal(t, "115.89", proj.Monthly, "monthly")
	assert.False(t, proj.CO2.Available)
}

func TestProjectAddsSurcharge(t *testing.T) {
	p := newProjector(t)
	tariff, err := p.Tariff("andel")
	require.NoError(t, err)

	proj := p.Project(today(500, 1500, 1000), nil, tariff)
	washer := proj.Appliances[0]
	assertDecimal(t, "0.65", washer.CheapPerKWh, "cheap per kWh")
	assertDecimal(t, "1.65", washer.ExpensivePerKWh, "expensive per kWh")
	assertDecimal(t, "0.98", washer.CheapCost, "cheap cost")
	assertDecimal(t, "2.48", washer.ExpensiveCost, "expensive cost")
	assertDecimal(t, "1.5", washer.Savings, "surcharge cancels out of savings")
}

func TestProjectEmptyPartitions(t *testing.T) {
	p := newProjector(t)
	tariff, _ := p.Tariff("energinet")

	// Flat day: no cheap hours (avg 0) and no expensive hours (overall avg).
	proj := p.Project(today(1000, 1000), nil, tariff)
	washer := proj.Appliances[0]
	assertDecimal(t, "0", washer.CheapCost, "cheap cost")
	assertDecimal(t, "1.5", washer.ExpensiveCost, "expensive cost")
	assertDecimal(t, "1.5", washer.Savings, "savings")
	assertDecimal(t, "100", washer.Percentage, "percentage")
}

func TestProjectGuardsZeroExpensiveCost(t *testing.T) {
	p := newProjector(t)
	tariff, _ := p.Tariff("energinet")

	proj := p.Project(today(0, 0, 0), nil, tariff)
	for _, a := range proj.Appliances {
		assert.True(t, a.Percentage.IsZero(), a.Appliance)
	}
}

func TestProjectWithoutPrices(t *testing.T) {
	p := newProjector(t)
	proj := p.Project(nil, &series.EmissionRange{Min: 100, Max: 200}, Tariff{Name: "energinet"})
	assert.False(t, proj.Available)
	assert.Empty(t, proj.Appliances)
	assert.False(t, proj.CO2.Available)
}

func TestProjectCO2(t *testing.T) {
	p := newProjector(t)
	tariff, _ := p.Tariff("energinet")

	proj := p.Project(today(500, 1500, 1000), &series.EmissionRange{Min: 100, Max: 200}, tariff)
	co2 := proj.CO2
	require.True(t, co2.Available)
	assert.InDelta(t, 140, co2.GreenThreshold, 1e-9)
	require.Len(t, co2.Appliances, 3)

	washer := co2.Appliances[0]
	assertDecimal(t, "0.56", washer.GreenKg, "green kg")
	assertDecimal(t, "0.8", washer.DirtyKg, "dirty kg")
	assertDecimal(t, "0.24", washer.SavingsKg, "savings kg")
	assertDecimal(t, "30", washer.Percentage, "percentage")
	assertDecimal(t, "61.32", washer.AnnualKg, "annual kg")

	assertDecimal(t, "221.92", co2.AnnualKg, "total annual kg")
	assertDecimal(t, "10.09", co2.Trees, "trees")
}

func TestProjectCO2ZeroAverage(t *testing.T) {
	p := newProjector(t)
	tariff, _ := p.Tariff("energinet")

	proj := p.Project(today(500), &series.EmissionRange{}, tariff)
	require.True(t, proj.CO2.Available)
	assert.True(t, proj.CO2.AnnualKg.IsZero())
	assert.True(t, proj.CO2.Trees.IsZero())
}

func TestTariffLookup(t *testing.T) {
	p := newProjector(t)
	_, err := p.Tariff("nope")
	assert.True(t, errors.Is(err, ErrUnknownTariff))

	names := []string{}
	for _, tr := range p.Tariffs() {
		names = append(names, tr.Name)
	}
	assert.Equal(t, []string{"energinet", "ok", "andel"}, names)
}

func TestNewRejectsInvalidTables(t *testing.T) {
	opts := defaultOptions()
	opts.Appliances = nil
	_, err := New(opts)
	assert.Error(t, err)

	opts = defaultOptions()
	opts.Appliances[0].Compliance = d("1.5")
	_, err = New(opts)
	assert.Error(t, err)

	opts = defaultOptions()
	opts.Tariffs[0].Surcharge = d("-0.1")
	_, err = New(opts)
	assert.Error(t, err)
}
