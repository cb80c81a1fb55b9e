package savings

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"elspot-advisor/internal/classify"
	"elspot-advisor/internal/series"
)

// ErrUnknownTariff is returned when a tariff name is not configured.
var ErrUnknownTariff = errors.New("unknown tariff")

var (
	daysPerYear    = decimal.NewFromInt(365)
	monthsPerYear  = decimal.NewFromInt(12)
	hundred        = decimal.NewFromInt(100)
	milliPerUnit   = decimal.NewFromInt(1000)
	conservative   = decimal.NewFromFloat(0.5)
	half           = decimal.NewFromInt(2)
	moneyPlaces    = int32(2)
	percentPlaces  = int32(1)
	unitPricePlace = int32(3)
)

// Tariff is a retail surcharge per kWh added on top of the spot price.
type Tariff struct {
	Name      string          `json:"name"`
	Surcharge decimal.Decimal `json:"surcharge"`
}

// Appliance is one household appliance with its energy use per cycle and the
// share of cycles assumed to actually run in favorable hours.
type Appliance struct {
	Name       string          `json:"name"`
	KWh        decimal.Decimal `json:"kwh"`
	Compliance decimal.Decimal `json:"compliance"`
}

// Options configure a Projector.
type Options struct {
	Tariffs       []Tariff
	Appliances    []Appliance
	CO2KgPerKWh   decimal.Decimal
	TreeKgPerYear decimal.Decimal
	GreenFraction float64
}

// ApplianceSavings is the money projection for one appliance.
type ApplianceSavings struct {
	Appliance       string          `json:"appliance"`
	CheapPerKWh     decimal.Decimal `json:"cheap_per_kwh"`
	ExpensivePerKWh decimal.Decimal `json:"expensive_per_kwh"`
	CheapCost       decimal.Decimal `json:"cheap_cost"`
	ExpensiveCost   decimal.Decimal `json:"expensive_cost"`
	Savings         decimal.Decimal `json:"savings"`
	Percentage      decimal.Decimal `json:"percentage"`
	Annual          decimal.Decimal `json:"annual"`
}

// ApplianceCO2 is the emission projection for one appliance.
type ApplianceCO2 struct {
	Appliance  string          `json:"appliance"`
	GreenKg    decimal.Decimal `json:"green_kg"`
	DirtyKg    decimal.Decimal `json:"dirty_kg"`
	SavingsKg  decimal.Decimal `json:"savings_kg"`
	Percentage decimal.Decimal `json:"percentage"`
	AnnualKg   decimal.Decimal `json:"annual_kg"`
}

// CO2Projection aggregates emission savings across appliances.
type CO2Projection struct {
	Available      bool            `json:"available"`
	GreenThreshold float64         `json:"green_threshold"`
	Appliances     []ApplianceCO2  `json:"appliances,omitempty"`
	AnnualKg       decimal.Decimal `json:"annual_kg"`
	Trees          decimal.Decimal `json:"trees"`
}

// Projection is the full savings estimate for one day of prices.
type Projection struct {
	Available          bool               `json:"available"`
	Tariff             Tariff             `json:"tariff"`
	Appliances         []ApplianceSavings `json:"appliances,omitempty"`
	DailyTotal         decimal.Decimal    `json:"daily_total"`
	RealisticAnnual    decimal.Decimal    `json:"realistic_annual"`
	OptimalAnnual      decimal.Decimal    `json:"optimal_annual"`
	ConservativeAnnual decimal.Decimal    `json:"conservative_annual"`
	Monthly            decimal.Decimal    `json:"monthly"`
	CO2                CO2Projection      `json:"co2"`
}

// Projector estimates what shifting appliance use into cheap hours saves.
type Projector struct {
	tariffs       map[string]Tariff
	appliances    []Appliance
	co2PerKWh     decimal.Decimal
	treeKg        decimal.Decimal
	greenFraction float64
}

// New validates the tables and builds a Projector.
func New(opts Options) (*Projector, error) {
	if len(opts.Appliances) == 0 {
		return nil, errors.New("at least one appliance is required")
	}
	if !opts.TreeKgPerYear.IsPositive() {
		return nil, errors.New("tree absorption must be positive")
	}
	if opts.GreenFraction < 0 || opts.GreenFraction > 1 {
		return nil, fmt.Errorf("green fraction %v outside [0,1]", opts.GreenFraction)
	}

	tariffs := make(map[string]Tariff, len(opts.Tariffs))
	for _, t := range opts.Tariffs {
		if t.Surcharge.IsNegative() {
			return nil, fmt.Errorf("tariff %s: negative surcharge", t.Name)
		}
		tariffs[t.Name] = t
	}
	for _, a := range opts.Appliances {
		if !a.KWh.IsPositive() {
			return nil, fmt.Errorf("appliance %s: kwh must be positive", a.Name)
		}
		if a.Compliance.IsNegative() || a.Compliance.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("appliance %s: compliance outside [0,1]", a.Name)
		}
	}

	return &Projector{
		tariffs:       tariffs,
		appliances:    opts.Appliances,
		co2PerKWh:     opts.CO2KgPerKWh,
		treeKg:        opts.TreeKgPerYear,
		greenFraction: opts.GreenFraction,
	}, nil
}

// Tariff looks up a configured tariff by name.
func (p *Projector) Tariff(name string) (Tariff, error) {
	t, ok := p.tariffs[name]
	if !ok {
		return Tariff{}, fmt.Errorf("%w: %q", ErrUnknownTariff, name)
	}
	return t, nil
}

// Tariffs lists the configured tariffs ordered by surcharge.
func (p *Projector) Tariffs() []Tariff {
	out := make([]Tariff, 0, len(p.tariffs))
	for _, t := range p.tariffs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Surcharge.Cmp(out[j].Surcharge); c != 0 {
			return c < 0
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Project computes money savings from today's prices and, when an emission
// range is given, the matching CO2 savings.
func (p *Projector) Project(today []series.PriceSample, emissions *series.EmissionRange, tariff Tariff) Projection {
	if len(today) == 0 {
		return Projection{Tariff: tariff}
	}

	band := classify.NewBand(today)
	var cheapSum, cheapN, expSum, expN, allSum int64
	for _, s := range today {
		allSum += s.SpotPriceMilli
		if band.IsCheap(s.SpotPriceMilli) {
			cheapSum += s.SpotPriceMilli
			cheapN++
		}
		if band.AboveExpensive(s.SpotPriceMilli) {
			expSum += s.SpotPriceMilli
			expN++
		}
	}

	cheapAvg := decimal.Zero
	if cheapN > 0 {
		cheapAvg = decimal.NewFromInt(cheapSum).Div(decimal.NewFromInt(cheapN))
	}
	expAvg := decimal.NewFromInt(allSum).Div(decimal.NewFromInt(int64(len(today))))
	if expN > 0 {
		expAvg = decimal.NewFromInt(expSum).Div(decimal.NewFromInt(expN))
	}

	cheapPerKWh := cheapAvg.Div(milliPerUnit).Add(tariff.Surcharge)
	expPerKWh := expAvg.Div(milliPerUnit).Add(tariff.Surcharge)

	proj := Projection{Available: true, Tariff: tariff}
	for _, a := range p.appliances {
		cheapCost := cheapPerKWh.Mul(a.KWh)
		expCost := expPerKWh.Mul(a.KWh)
		saved := expCost.Sub(cheapCost)

		item := ApplianceSavings{
			Appliance:       a.Name,
			CheapPerKWh:     cheapPerKWh.Round(unitPricePlace),
			ExpensivePerKWh: expPerKWh.Round(unitPricePlace),
			CheapCost:       cheapCost.Round(moneyPlaces),
			ExpensiveCost:   expCost.Round(moneyPlaces),
			Savings:         saved.Round(moneyPlaces),
			Percentage:      percentage(saved, expCost),
		}
		item.Annual = item.Savings.Mul(daysPerYear).Mul(a.Compliance).Round(moneyPlaces)

		proj.Appliances = append(proj.Appliances, item)
		proj.DailyTotal = proj.DailyTotal.Add(item.Savings)
		proj.RealisticAnnual = proj.RealisticAnnual.Add(item.Annual)
	}

	proj.OptimalAnnual = proj.DailyTotal.Mul(daysPerYear).Round(moneyPlaces)
	proj.ConservativeAnnual = proj.OptimalAnnual.Mul(conservative).Round(moneyPlaces)
	proj.Monthly = proj.RealisticAnnual.Div(monthsPerYear).Round(moneyPlaces)

	if emissions != nil {
		proj.CO2 = p.projectCO2(*emissions)
	}
	return proj
}

func (p *Projector) projectCO2(r series.EmissionRange) CO2Projection {
	threshold := classify.GreenThreshold(r, p.greenFraction)
	out := CO2Projection{Available: true, GreenThreshold: threshold}

	minCO2 := decimal.NewFromFloat(r.Min)
	maxCO2 := decimal.NewFromFloat(r.Max)
	avg := minCO2.Add(maxCO2).Div(half)
	green := decimal.NewFromFloat(threshold)

	for _, a := range p.appliances {
		base := a.KWh.Mul(p.co2PerKWh)

		item := ApplianceCO2{Appliance: a.Name}
		if !avg.IsZero() {
			greenKg := base.Mul(green).Div(avg)
			dirtyKg := base.Mul(maxCO2).Div(avg)
			saved := dirtyKg.Sub(greenKg)

			item.GreenKg = greenKg.Round(moneyPlaces)
			item.DirtyKg = dirtyKg.Round(moneyPlaces)
			item.SavingsKg = saved.Round(moneyPlaces)
			item.Percentage = percentage(saved, dirtyKg)
		}
		item.AnnualKg = item.SavingsKg.Mul(daysPerYear).Mul(a.Compliance).Round(moneyPlaces)

		out.Appliances = append(out.Appliances, item)
		out.AnnualKg = out.AnnualKg.Add(item.AnnualKg)
	}
	out.Trees = out.AnnualKg.Div(p.treeKg).Round(moneyPlaces)
	return out
}

func percentage(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(percentPlaces)
}
