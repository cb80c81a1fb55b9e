package synthetic

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"elspot-advisor/internal/series"
)

const (
	// Hours is the number of samples produced per series.
	Hours = 24

	priceBase      = 1500.0
	priceEvening   = 800.0
	priceMorning   = 400.0
	priceNight     = 600.0
	priceNoise     = 400.0
	priceFloor     = 100.0
	emissionBase   = 150.0
	emissionNoise  = 60.0
	emissionFloor  = 30.0
	emissionCeil   = 400.0
	syntheticAltFx = 7.46
)

// Generator produces plausible day curves when no live source answers.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New returns a generator. A zero seed draws from the clock.
func New(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{rnd: rand.New(rand.NewSource(seed))}
}

// Prices returns 24 hourly samples for the local day of now.
func (g *Generator) Prices(now time.Time, area string) []series.PriceSample {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]series.PriceSample, 0, Hours)
	for hour := 0; hour < Hours; hour++ {
		local := startOfHour(now, hour)

		price := priceBase + priceOffset(hour)
		price += (g.rnd.Float64() - 0.5) * priceNoise
		price = math.Max(priceFloor, price)

		alt := math.Round(price/syntheticAltFx*100) / 100
		out = append(out, series.PriceSample{
			TimestampUTC:   local.UTC(),
			TimestampLocal: local,
			Area:           area,
			SpotPriceMilli: int64(math.Round(price)),
			AltPrice:       &alt,
		})
	}
	return out
}

// Emissions returns 24 hourly CO2 samples for the local day of now.
func (g *Generator) Emissions(now time.Time, area string) []series.EmissionSample {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]series.EmissionSample, 0, Hours)
	for hour := 0; hour < Hours; hour++ {
		local := startOfHour(now, hour)

		co2 := emissionBase + emissionOffset(hour)
		co2 += (g.rnd.Float64() - 0.5) * emissionNoise
		co2 = math.Max(emissionFloor, math.Min(emissionCeil, co2))

		out = append(out, series.EmissionSample{
			TimestampUTC:   local.UTC(),
			TimestampLocal: local,
			Area:           area,
			CO2GramsPerKWh: co2,
		})
	}
	return out
}

func priceOffset(hour int) float64 {
	switch {
	case hour >= 17 && hour <= 20:
		return priceEvening
	case hour >= 7 && hour <= 9:
		return priceMorning
	case hour >= 23 || hour <= 6:
		return -priceNight
	default:
		return 0
	}
}

func emissionOffset(hour int) float64 {
	switch {
	case hour >= 1 && hour <= 6:
		return -80
	case hour >= 22 || hour == 0:
		return -50
	case hour >= 12 && hour <= 16:
		return 100
	case hour >= 17 && hour <= 20:
		return 150
	default:
		return 0
	}
}

func startOfHour(now time.Time, hour int) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, hour, 0, 0, 0, now.Location())
}
