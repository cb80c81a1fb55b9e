package classify

import (
	"time"

	"elspot-advisor/internal/series"
)

// PriceStatus classifies the current hour's price.
type PriceStatus string

const (
	StatusLoading   PriceStatus = "loading"
	StatusCheap     PriceStatus = "cheap"
	StatusNeutral   PriceStatus = "neutral"
	StatusExpensive PriceStatus = "expensive"
)

// GreenStatus classifies the current hour's CO2 intensity.
type GreenStatus string

const (
	GreenLoading   GreenStatus = "loading"
	GreenVeryGreen GreenStatus = "very-green"
	GreenGreen     GreenStatus = "green"
	GreenNeutral   GreenStatus = "neutral"
	GreenDirty     GreenStatus = "dirty"
)

// Favorable reports very-green or green.
func (g GreenStatus) Favorable() bool {
	return g == GreenVeryGreen || g == GreenGreen
}

const (
	maxUpcomingCheap  = 3
	veryGreenPosition = 0.2
	greenPosition     = 0.4
	dirtyPosition     = 0.8
)

// CheapHour is a future hour priced under the cheap threshold.
type CheapHour struct {
	Time       time.Time `json:"time"`
	PriceMilli int64     `json:"price_milli"`
}

// PriceClassification is the result of classifying a price series.
type PriceClassification struct {
	Status         PriceStatus         `json:"status"`
	Range          series.PriceRange   `json:"range"`
	CheapThreshold float64             `json:"cheap_threshold"`
	UpcomingCheap  []CheapHour         `json:"upcoming_cheap"`
	Current        *series.PriceSample `json:"current,omitempty"`
}

// GreenClassification is the result of classifying an emission series.
type GreenClassification struct {
	Status   GreenStatus          `json:"status"`
	Range    series.EmissionRange `json:"range"`
	Current  *float64             `json:"current,omitempty"`
	Position *float64             `json:"position,omitempty"`
}

// TodayPrices returns the samples whose local date equals now's date.
func TodayPrices(samples []series.PriceSample, now time.Time) []series.PriceSample {
	today := make([]series.PriceSample, 0, len(samples))
	for _, s := range samples {
		if series.SameLocalDay(s.TimestampLocal, now) {
			today = append(today, s)
		}
	}
	return today
}

// Prices classifies the current hour against today's distribution.
func Prices(samples []series.PriceSample, now time.Time) PriceClassification {
	if len(samples) == 0 {
		return PriceClassification{Status: StatusLoading, UpcomingCheap: []CheapHour{}}
	}

	today := TodayPrices(samples, now)
	basis := today
	if len(basis) == 0 {
		basis = samples
	}

	band := NewBand(basis)
	current := currentPrice(samples, today, now)

	return PriceClassification{
		Status:         band.Status(current.SpotPriceMilli),
		Range:          priceRange(basis, band),
		CheapThreshold: band.CheapThreshold(),
		UpcomingCheap:  upcomingCheap(samples, band, now),
		Current:        &current,
	}
}

// currentPrice matches local date and hour, then the first of today, then the first overall.
func currentPrice(all, today []series.PriceSample, now time.Time) series.PriceSample {
	hour := now.Hour()
	for _, s := range today {
		if series.LocalHour(s.TimestampLocal, now) == hour {
			return s
		}
	}
	if len(today) > 0 {
		return today[0]
	}
	return all[0]
}

func priceRange(samples []series.PriceSample, band Band) series.PriceRange {
	r := series.PriceRange{Min: samples[0].SpotPriceMilli, Max: samples[0].SpotPriceMilli, Avg: band.Avg()}
	for _, s := range samples[1:] {
		if s.SpotPriceMilli < r.Min {
			r.Min = s.SpotPriceMilli
		}
		if s.SpotPriceMilli > r.Max {
			r.Max = s.SpotPriceMilli
		}
	}
	return r
}

func upcomingCheap(samples []series.PriceSample, band Band, now time.Time) []CheapHour {
	out := make([]CheapHour, 0, maxUpcomingCheap)
	for _, s := range samples {
		if len(out) == maxUpcomingCheap {
			break
		}
		if s.TimestampLocal.After(now) && band.IsCheap(s.SpotPriceMilli) {
			out = append(out, CheapHour{Time: s.TimestampLocal, PriceMilli: s.SpotPriceMilli})
		}
	}
	return out
}

// Emissions classifies the current hour's CO2 intensity against the whole series.
func Emissions(samples []series.EmissionSample, now time.Time) GreenClassification {
	if len(samples) == 0 {
		return GreenClassification{Status: GreenLoading}
	}

	result := GreenClassification{Status: GreenLoading, Range: EmissionRange(samples)}

	var sum float64
	var count int
	hour := now.Hour()
	for _, s := range samples {
		if series.LocalHour(s.TimestampLocal, now) == hour {
			sum += s.CO2GramsPerKWh
			count++
		}
	}
	if count == 0 {
		return result
	}

	current := sum / float64(count)
	position := 0.5
	if spread := result.Range.Max - result.Range.Min; spread != 0 {
		position = (current - result.Range.Min) / spread
	}

	result.Current = &current
	result.Position = &position
	result.Status = greenStatus(position, result.Range)
	return result
}

// EmissionRange returns min and max over the entire series.
func EmissionRange(samples []series.EmissionSample) series.EmissionRange {
	if len(samples) == 0 {
		return series.EmissionRange{}
	}
	r := series.EmissionRange{Min: samples[0].CO2GramsPerKWh, Max: samples[0].CO2GramsPerKWh}
	for _, s := range samples[1:] {
		if s.CO2GramsPerKWh < r.Min {
			r.Min = s.CO2GramsPerKWh
		}
		if s.CO2GramsPerKWh > r.Max {
			r.Max = s.CO2GramsPerKWh
		}
	}
	return r
}

// GreenThreshold returns min + (max-min)*fraction.
func GreenThreshold(r series.EmissionRange, fraction float64) float64 {
	return r.Min + (r.Max-r.Min)*fraction
}

func greenStatus(position float64, r series.EmissionRange) GreenStatus {
	if r.Max == r.Min {
		return GreenNeutral
	}
	switch {
	case position <= veryGreenPosition:
		return GreenVeryGreen
	case position <= greenPosition:
		return GreenGreen
	case position >= dirtyPosition:
		return GreenDirty
	default:
		return GreenNeutral
	}
}
