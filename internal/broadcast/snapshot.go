package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"elspot-advisor/internal/classify"
	"elspot-advisor/internal/fetcher"
	"elspot-advisor/internal/recommend"
	"elspot-advisor/internal/savings"
	"elspot-advisor/internal/series"
)

// Snapshot is everything the presentation layer needs after one refresh cycle.
type Snapshot struct {
	Area            string                       `json:"area"`
	Prices          []series.PriceSample         `json:"prices"`
	Emissions       []series.EmissionSample      `json:"emissions"`
	Classification  classify.PriceClassification `json:"classification"`
	Green           classify.GreenClassification `json:"green_classification"`
	Recommendation  recommend.Recommendation     `json:"recommendation"`
	CheapestHours   []series.PriceSample         `json:"cheapest_hours"`
	Periods         recommend.PeriodHours        `json:"periods"`
	Savings         savings.Projection           `json:"savings_projection"`
	SourceOutcome   fetcher.Outcome              `json:"source_outcome"`
	PriceSource     string                       `json:"price_source"`
	PriceOutcome    fetcher.Outcome              `json:"price_outcome"`
	EmissionSource  string                       `json:"emission_source"`
	EmissionOutcome fetcher.Outcome              `json:"emission_outcome"`
	Tariff          string                       `json:"tariff"`
	Policy          string                       `json:"policy"`
	LastUpdate      time.Time                    `json:"last_update"`
	NextUpdate      time.Time                    `json:"next_update"`
}

// Degraded reports whether either series was synthesised.
func (s Snapshot) Degraded() bool {
	return s.SourceOutcome == fetcher.OutcomeDegraded
}

// CombineOutcomes is degraded when any input is degraded.
func CombineOutcomes(outcomes ...fetcher.Outcome) fetcher.Outcome {
	for _, o := range outcomes {
		if o == fetcher.OutcomeDegraded {
			return fetcher.OutcomeDegraded
		}
	}
	return fetcher.OutcomeLive
}

// Encode renders the snapshot as JSON.
func Encode(s Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}
