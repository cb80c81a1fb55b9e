package recommend

import (
	"fmt"
	"sort"
	"time"

	"elspot-advisor/internal/classify"
	"elspot-advisor/internal/series"
)

// Message keys resolved by the presentation layer.
const (
	KeyPerfectNow   = "perfectNow"
	KeyWaitUntil    = "waitUntil"
	KeyWaitTomorrow = "waitTomorrow"
	KeyPerfectTime  = "perfectTime"
	KeyGoodTime     = "goodTime"
	KeyNightGood    = "nightGood"
	KeyWaitPeak     = "waitPeak"
	KeyWaitBetter   = "waitBetter"

	ReasonCheaperLater   = "cheaperLater"
	ReasonCheapestPassed = "cheapestPassed"
	ReasonPeak           = "peakReason"
	ReasonWaitBetter     = "waitReason"
)

const (
	maxCheapest    = 5
	defaultRetryAt = 23
	peakStart      = 17
	peakEnd        = 20
	nightStart     = 23
	nightEnd       = 6
)

// Recommendation tells the user whether to run an appliance now.
type Recommendation struct {
	ShouldStartNow bool       `json:"should_start_now"`
	Key            string     `json:"key"`
	Message        string     `json:"message"`
	NextBestTime   *time.Time `json:"next_best_time,omitempty"`
	WaitReasonKey  string     `json:"wait_reason_key,omitempty"`
	WaitReason     string     `json:"wait_reason,omitempty"`
}

// CheapestHours returns today's sub-threshold samples ordered by price, at most five.
// Equal prices keep chronological order.
func CheapestHours(today []series.PriceSample) []series.PriceSample {
	band := classify.NewBand(today)
	out := make([]series.PriceSample, 0, len(today))
	for _, s := range today {
		if band.IsCheap(s.SpotPriceMilli) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SpotPriceMilli < out[j].SpotPriceMilli
	})
	if len(out) > maxCheapest {
		out = out[:maxCheapest]
	}
	return out
}

// Recommend decides between starting now and waiting.
//
// With price data for today the decision comes from today's cheapest hours.
// Without it, time-of-day heuristics and the classifications are used.
func Recommend(pc classify.PriceClassification, gc classify.GreenClassification, today []series.PriceSample, now time.Time) Recommendation {
	if len(today) > 0 {
		if rec, ok := fromPrices(today, now); ok {
			return rec
		}
	}
	return heuristic(pc, gc, now)
}

func fromPrices(today []series.PriceSample, now time.Time) (Recommendation, bool) {
	band := classify.NewBand(today)
	hour := now.Hour()

	for _, s := range today {
		if series.LocalHour(s.TimestampLocal, now) == hour && band.IsCheap(s.SpotPriceMilli) {
			return Recommendation{
				ShouldStartNow: true,
				Key:            KeyPerfectNow,
				Message:        fmt.Sprintf("Perfect time! Current price %s/kWh is one of today's cheapest hours.", formatPrice(s.SpotPriceMilli)),
			}, true
		}
	}

	cheapest := CheapestHours(today)
	for _, s := range cheapest {
		if series.LocalHour(s.TimestampLocal, now) > hour {
			next := s.TimestampLocal.In(now.Location())
			return Recommendation{
				Key:           KeyWaitUntil,
				Message:       fmt.Sprintf("Wait until %s, price %s/kWh.", next.Format("15:04"), formatPrice(s.SpotPriceMilli)),
				NextBestTime:  &next,
				WaitReasonKey: ReasonCheaperLater,
				WaitReason:    "Cheaper hours are coming later today.",
			}, true
		}
	}

	if len(cheapest) > 0 {
		best := cheapest[0]
		next := best.TimestampLocal.In(now.Location()).AddDate(0, 0, 1)
		return Recommendation{
			Key:           KeyWaitTomorrow,
			Message:       fmt.Sprintf("Wait until tomorrow %s, price today was %s/kWh.", next.Format("15:04"), formatPrice(best.SpotPriceMilli)),
			NextBestTime:  &next,
			WaitReasonKey: ReasonCheapestPassed,
			WaitReason:    "Today's cheapest hours have already passed.",
		}, true
	}
	return Recommendation{}, false
}

func heuristic(pc classify.PriceClassification, gc classify.GreenClassification, now time.Time) Recommendation {
	hour := now.Hour()
	cheap := pc.Status == classify.StatusCheap

	switch {
	case cheap && gc.Status.Favorable():
		return Recommendation{ShouldStartNow: true, Key: KeyPerfectTime, Message: "Perfect time: cheap and green power right now."}
	case cheap:
		return Recommendation{ShouldStartNow: true, Key: KeyGoodTime, Message: "Good time: power is cheap right now."}
	case hour >= nightStart || hour <= nightEnd:
		return Recommendation{ShouldStartNow: true, Key: KeyNightGood, Message: "Night hours are usually cheap. Go ahead."}
	case hour >= peakStart && hour <= peakEnd:
		next := atHour(now, defaultRetryAt)
		return Recommendation{
			Key:           KeyWaitPeak,
			Message:       "Wait: this is the evening peak.",
			NextBestTime:  &next,
			WaitReasonKey: ReasonPeak,
			WaitReason:    "Prices are highest between 17:00 and 21:00.",
		}
	}

	next := atHour(now, defaultRetryAt)
	if len(pc.UpcomingCheap) > 0 {
		next = pc.UpcomingCheap[0].Time.In(now.Location())
	}
	return Recommendation{
		Key:           KeyWaitBetter,
		Message:       "Wait for a better price.",
		NextBestTime:  &next,
		WaitReasonKey: ReasonWaitBetter,
		WaitReason:    "Cheaper hours are expected later.",
	}
}

func atHour(now time.Time, hour int) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, hour, 0, 0, 0, now.Location())
}

func formatPrice(milli int64) string {
	return fmt.Sprintf("%.3f", float64(milli)/1000)
}
