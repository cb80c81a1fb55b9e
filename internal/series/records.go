package series

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoRecords is returned when a payload decodes but carries no records.
var ErrNoRecords = errors.New("payload has no records")

// PriceRecord is the upstream shape of one Elspotprices row.
type PriceRecord struct {
	HourUTC      string   `json:"HourUTC"`
	HourDK       string   `json:"HourDK"`
	PriceArea    string   `json:"PriceArea"`
	SpotPriceDKK *float64 `json:"SpotPriceDKK"`
	SpotPriceEUR *float64 `json:"SpotPriceEUR"`
}

// EmissionRecord is the upstream shape of one CO2Emis row.
type EmissionRecord struct {
	Minutes5UTC string   `json:"Minutes5UTC"`
	Minutes5DK  string   `json:"Minutes5DK"`
	PriceArea   string   `json:"PriceArea"`
	CO2Emission *float64 `json:"CO2Emission"`
}

type envelope[T any] struct {
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Dataset string `json:"dataset"`
	Records *[]T   `json:"records"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseTimestamp parses an upstream timestamp. Zone-less values are read in loc.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// DecodePrices validates and converts an upstream price payload. Local
// timestamps are derived from HourUTC; HourDK is only format-checked.
func DecodePrices(body []byte, loc *time.Location) ([]PriceSample, error) {
	records, err := decodeRecords[PriceRecord](body)
	if err != nil {
		return nil, err
	}

	samples := make([]PriceSample, 0, len(records))
	for i, rec := range records {
		if rec.SpotPriceDKK == nil {
			return nil, fmt.Errorf("record %d: SpotPriceDKK missing", i)
		}
		utc, err := ParseTimestamp(rec.HourUTC, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("record %d: HourUTC: %w", i, err)
		}
		if _, err := ParseTimestamp(rec.HourDK, loc); err != nil {
			return nil, fmt.Errorf("record %d: HourDK: %w", i, err)
		}
		samples = append(samples, PriceSample{
			TimestampUTC:   utc.UTC(),
			TimestampLocal: utc.In(loc),
			Area:           rec.PriceArea,
			SpotPriceMilli: decimal.NewFromFloat(*rec.SpotPriceDKK).Round(0).IntPart(),
			AltPrice:       rec.SpotPriceEUR,
		})
	}

	SortPrices(samples)
	return samples, nil
}

// DecodeEmissions validates and converts an upstream CO2 payload.
func DecodeEmissions(body []byte, loc *time.Location) ([]EmissionSample, error) {
	records, err := decodeRecords[EmissionRecord](body)
	if err != nil {
		return nil, err
	}

	samples := make([]EmissionSample, 0, len(records))
	for i, rec := range records {
		if rec.CO2Emission == nil {
			return nil, fmt.Errorf("record %d: CO2Emission missing", i)
		}
		utc, err := ParseTimestamp(rec.Minutes5UTC, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("record %d: Minutes5UTC: %w", i, err)
		}
		if _, err := ParseTimestamp(rec.Minutes5DK, loc); err != nil {
			return nil, fmt.Errorf("record %d: Minutes5DK: %w", i, err)
		}
		samples = append(samples, EmissionSample{
			TimestampUTC:   utc.UTC(),
			TimestampLocal: utc.In(loc),
			Area:           rec.PriceArea,
			CO2GramsPerKWh: *rec.CO2Emission,
		})
	}

	SortEmissions(samples)
	return samples, nil
}

func decodeRecords[T any](body []byte) ([]T, error) {
	var env envelope[T]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if env.Records == nil || len(*env.Records) == 0 {
		return nil, ErrNoRecords
	}
	return *env.Records, nil
}
