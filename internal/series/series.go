package series

import (
	"sort"
	"time"
)

// Kind names one of the two data series fetched per cycle.
type Kind string

const (
	KindPrices    Kind = "prices"
	KindEmissions Kind = "emissions"
)

// PriceSample is one hourly spot price.
//
// SpotPriceMilli is expressed in thousandths of the native currency per kWh,
// which equals the upstream per-MWh figure. Negative prices are valid.
type PriceSample struct {
	TimestampUTC   time.Time `json:"timestamp_utc"`
	TimestampLocal time.Time `json:"timestamp_local"`
	Area           string    `json:"area"`
	SpotPriceMilli int64     `json:"spot_price_milli"`
	AltPrice       *float64  `json:"alt_price,omitempty"`
}

// PerKWh returns the price in whole currency units per kWh.
func (p PriceSample) PerKWh() float64 {
	return float64(p.SpotPriceMilli) / 1000
}

// EmissionSample is one CO2 intensity reading, usually at 5-minute resolution.
type EmissionSample struct {
	TimestampUTC   time.Time `json:"timestamp_utc"`
	TimestampLocal time.Time `json:"timestamp_local"`
	Area           string    `json:"area"`
	CO2GramsPerKWh float64   `json:"co2_g_per_kwh"`
}

// PriceRange summarises a set of prices.
type PriceRange struct {
	Min int64   `json:"min"`
	Max int64   `json:"max"`
	Avg float64 `json:"avg"`
}

// EmissionRange summarises a set of emission readings.
type EmissionRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// SameLocalDay reports whether t falls on the same calendar day as ref, in ref's location.
func SameLocalDay(t, ref time.Time) bool {
	t = t.In(ref.Location())
	y1, m1, d1 := t.Date()
	y2, m2, d2 := ref.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// LocalHour returns the hour of t in ref's location.
func LocalHour(t, ref time.Time) int {
	return t.In(ref.Location()).Hour()
}

// SortPrices orders samples chronologically in place.
func SortPrices(samples []PriceSample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].TimestampUTC.Before(samples[j].TimestampUTC)
	})
}

// SortEmissions orders samples chronologically in place.
func SortEmissions(samples []EmissionSample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].TimestampUTC.Before(samples[j].TimestampUTC)
	})
}
