package series

import (
	"errors"
	"testing"
	"time"
)

func testLocation(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Copenhagen")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func TestDecodePricesSortsAndScales(t *testing.T) {
	loc := testLocation(t)
	body := []byte(`{"total":2,"limit":48,"dataset":"Elspotprices","records":[
		{"HourUTC":"2024-05-01T11:00:00","HourDK":"2024-05-01T13:00:00","PriceArea":"DK2","SpotPriceDKK":512.37,"SpotPriceEUR":68.7},
		{"HourUTC":"2024-05-01T10:00:00","HourDK":"2024-05-01T12:00:00","PriceArea":"DK2","SpotPriceDKK":-20.6}
	]}`)

	samples, err := DecodePrices(body, loc)
	if err != nil {
		t.Fatalf("decode should succeed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0].SpotPriceMilli != -21 {
		t.Fatalf("expected first sample -21, got %d", samples[0].SpotPriceMilli)
	}
	if samples[1].SpotPriceMilli != 512 {
		t.Fatalf("expected second sample 512, got %d", samples[1].SpotPriceMilli)
	}
	if samples[1].TimestampLocal.Hour() != 13 || samples[1].TimestampLocal.Location() != loc {
		t.Fatalf("local timestamp not parsed in location: %v", samples[1].TimestampLocal)
	}
	if samples[1].AltPrice == nil || *samples[1].AltPrice != 68.7 {
		t.Fatalf("alt price not carried over")
	}
}

func TestDecodePricesRepeatedAutumnHour(t *testing.T) {
	loc := testLocation(t)
	// 2024-10-27: 02:00-03:00 local happens twice, first in CEST then in CET.
	body := []byte(`{"records":[
		{"HourUTC":"2024-10-27T00:00:00","HourDK":"2024-10-27T02:00:00","PriceArea":"DK2","SpotPriceDKK":100},
		{"HourUTC":"2024-10-27T01:00:00","HourDK":"2024-10-27T02:00:00","PriceArea":"DK2","SpotPriceDKK":200}
	]}`)

	samples, err := DecodePrices(body, loc)
	if err != nil {
		t.Fatalf("decode should succeed: %v", err)
	}
	first, second := samples[0].TimestampLocal, samples[1].TimestampLocal
	if first.Equal(second) {
		t.Fatalf("repeated local hour collapsed onto one instant: %v", first)
	}
	if first.Hour() != 2 || second.Hour() != 2 {
		t.Fatalf("both samples should read 02:00 locally, got %v and %v", first, second)
	}
	if second.Sub(first) != time.Hour {
		t.Fatalf("expected one hour between the samples, got %s", second.Sub(first))
	}
}

func TestDecodePricesRejectsEmptyOrMissingRecords(t *testing.T) {
	loc := testLocation(t)
	for _, body := range []string{`{"records":[]}`, `{"total":0}`} {
		if _, err := DecodePrices([]byte(body), loc); !errors.Is(err, ErrNoRecords) {
			t.Fatalf("%s: expected ErrNoRecords, got %v", body, err)
		}
	}
	if _, err := DecodePrices([]byte(`<html>`), loc); err == nil {
		t.Fatal("malformed payload should fail")
	}
	if _, err := DecodePrices([]byte(`{"records":[{"HourUTC":"x","HourDK":"y","SpotPriceDKK":1}]}`), loc); err == nil {
		t.Fatal("bad timestamp should fail")
	}
}

func TestDecodeEmissions(t *testing.T) {
	loc := testLocation(t)
	body := []byte(`{"records":[
		{"Minutes5UTC":"2024-05-01T10:05:00","Minutes5DK":"2024-05-01T12:05:00","PriceArea":"DK2","CO2Emission":88.5},
		{"Minutes5UTC":"2024-05-01T10:00:00","Minutes5DK":"2024-05-01T12:00:00","PriceArea":"DK2","CO2Emission":90}
	]}`)

	samples, err := DecodeEmissions(body, loc)
	if err != nil {
		t.Fatalf("decode should succeed: %v", err)
	}
	if samples[0].CO2GramsPerKWh != 90 || samples[1].CO2GramsPerKWh != 88.5 {
		t.Fatalf("samples not sorted chronologically: %+v", samples)
	}
}

func TestSameLocalDay(t *testing.T) {
	loc := testLocation(t)
	ref := time.Date(2024, 5, 1, 0, 30, 0, 0, loc)
	// 22:30 UTC the previous day is 00:30 local.
	if !SameLocalDay(time.Date(2024, 4, 30, 22, 30, 0, 0, time.UTC), ref) {
		t.Fatal("expected same local day")
	}
	if SameLocalDay(time.Date(2024, 4, 30, 21, 30, 0, 0, time.UTC), ref) {
		t.Fatal("expected different local day")
	}
}
