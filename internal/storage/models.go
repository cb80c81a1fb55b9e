package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CycleRecord is the audit row written after every refresh cycle.
type CycleRecord struct {
	ID                int64
	CycleTS           time.Time
	SourceOutcome     string
	PriceSource       string
	EmissionSource    string
	CurrentPriceMilli *int64
	PriceStatus       string
	GreenStatus       string
	CurrentCO2        *float64
	ShouldStartNow    bool
	RecommendationKey string
	Tariff            string
	DailySavings      decimal.Decimal
	RealisticAnnual   decimal.Decimal
	Payload           json.RawMessage
	CreatedAt         time.Time
}
