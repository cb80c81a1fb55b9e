package recommend

import (
	"time"

	"elspot-advisor/internal/classify"
	"elspot-advisor/internal/series"
)

// PeriodHours holds the cheapest sub-threshold hour of each part of the day.
// A nil entry means the period has no hour under the threshold.
type PeriodHours struct {
	Morning       *series.PriceSample `json:"morning,omitempty"`
	Afternoon     *series.PriceSample `json:"afternoon,omitempty"`
	Evening       *series.PriceSample `json:"evening,omitempty"`
	TomorrowNight *series.PriceSample `json:"tomorrow_night,omitempty"`
}

type window struct {
	dayOffset int
	from, to  int
}

var (
	morning       = window{from: 6, to: 12}
	afternoon     = window{from: 12, to: 18}
	evening       = window{from: 18, to: 24}
	tomorrowNight = window{dayOffset: 1, from: 0, to: 6}
)

// BestByPeriod picks the cheapest hour per period using today's average as the threshold.
func BestByPeriod(all []series.PriceSample, now time.Time) PeriodHours {
	today := classify.TodayPrices(all, now)
	if len(today) == 0 {
		return PeriodHours{}
	}
	band := classify.NewBand(today)

	return PeriodHours{
		Morning:       cheapestIn(all, band, morning, now),
		Afternoon:     cheapestIn(all, band, afternoon, now),
		Evening:       cheapestIn(all, band, evening, now),
		TomorrowNight: cheapestIn(all, band, tomorrowNight, now),
	}
}

func cheapestIn(all []series.PriceSample, band classify.Band, w window, now time.Time) *series.PriceSample {
	day := now.AddDate(0, 0, w.dayOffset)

	var best *series.PriceSample
	for i := range all {
		s := all[i]
		if !series.SameLocalDay(s.TimestampLocal, day) {
			continue
		}
		hour := series.LocalHour(s.TimestampLocal, now)
		if hour < w.from || hour >= w.to || !band.IsCheap(s.SpotPriceMilli) {
			continue
		}
		if best == nil || s.SpotPriceMilli < best.SpotPriceMilli {
			best = &all[i]
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}
