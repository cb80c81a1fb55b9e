package classify

import "elspot-advisor/internal/series"

// Band holds the sum and count of a price set so the 0.8/1.2 ratio tests can be
// evaluated in exact integer arithmetic.
//
// For a positive average the band is the plain ratio rule. For a negative
// average the same ±20% band is taken around the average, so a lower price
// still classifies as cheaper. A zero average classifies by sign.
type Band struct {
	sum int64
	n   int64
}

// NewBand summarises the given prices.
func NewBand(samples []series.PriceSample) Band {
	var b Band
	for _, s := range samples {
		b.sum += s.SpotPriceMilli
	}
	b.n = int64(len(samples))
	return b
}

// Empty reports whether the band was built from no samples.
func (b Band) Empty() bool { return b.n == 0 }

// Avg returns the mean price in milli-units.
func (b Band) Avg() float64 {
	if b.n == 0 {
		return 0
	}
	return float64(b.sum) / float64(b.n)
}

// CheapThreshold returns the cheap bound in milli-units.
func (b Band) CheapThreshold() float64 {
	avg := b.Avg()
	return avg - 0.2*abs(avg)
}

// ExpensiveThreshold returns the expensive bound in milli-units.
func (b Band) ExpensiveThreshold() float64 {
	avg := b.Avg()
	return avg + 0.2*abs(avg)
}

// IsCheap reports price/avg <= 0.8.
func (b Band) IsCheap(price int64) bool {
	if b.n == 0 {
		return false
	}
	if b.sum == 0 {
		return price < 0
	}
	return 5*b.n*price <= 5*b.sum-absInt(b.sum)
}

// IsExpensive reports price/avg >= 1.2.
func (b Band) IsExpensive(price int64) bool {
	if b.n == 0 {
		return false
	}
	if b.sum == 0 {
		return price > 0
	}
	return 5*b.n*price >= 5*b.sum+absInt(b.sum)
}

// AboveExpensive reports price/avg > 1.2.
func (b Band) AboveExpensive(price int64) bool {
	if b.n == 0 {
		return false
	}
	if b.sum == 0 {
		return price > 0
	}
	return 5*b.n*price > 5*b.sum+absInt(b.sum)
}

// Status classifies a single price against the band.
func (b Band) Status(price int64) PriceStatus {
	switch {
	case b.n == 0:
		return StatusLoading
	case b.IsCheap(price):
		return StatusCheap
	case b.IsExpensive(price):
		return StatusExpensive
	default:
		return StatusNeutral
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
