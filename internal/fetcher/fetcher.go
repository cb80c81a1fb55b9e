package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrSourceUnavailable wraps every failure of a single source attempt.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrEmptyPayload marks a response that decoded without records.
	ErrEmptyPayload = errors.New("payload contained no records")
	// ErrAllSourcesExhausted is logged when the pipeline falls back to synthetic data.
	ErrAllSourcesExhausted = errors.New("all sources exhausted")
)

const (
	// SourceDirect identifies the upstream API called without a relay.
	SourceDirect = "direct"
	// SourceSynthetic identifies generated fallback data.
	SourceSynthetic = "synthetic"
)

// Outcome tells consumers whether a result came from a live source.
type Outcome string

const (
	OutcomeLive     Outcome = "live"
	OutcomeDegraded Outcome = "degraded"
)

// Source performs one fetch attempt and returns the unwrapped upstream body.
type Source interface {
	ID() string
	Attempt(ctx context.Context, target string) ([]byte, error)
}

// Request selects a dataset, price area and record count on the upstream API.
type Request struct {
	BaseURL string
	Dataset string
	Area    string
	Limit   int
}

// URL renders the upstream dataset URL.
func (r Request) URL() string {
	query := url.Values{}
	query.Set("limit", fmt.Sprintf("%d", r.Limit))
	query.Set("filter", fmt.Sprintf(`{"PriceArea":%q}`, r.Area))
	return fmt.Sprintf("%s/%s?%s", strings.TrimRight(r.BaseURL, "/"), r.Dataset, query.Encode())
}

// WithLimit returns a copy of the request with a different record limit.
func (r Request) WithLimit(limit int) Request {
	r.Limit = limit
	return r
}

// Result is what the pipeline hands back; it always carries usable records.
type Result[T any] struct {
	Records   []T
	SourceID  string
	Outcome   Outcome
	FetchedAt time.Time
}

// Degraded reports whether the result was synthesised.
func (r Result[T]) Degraded() bool {
	return r.Outcome == OutcomeDegraded
}

// ProbeStatus reports how a source behaved during a probe.
type ProbeStatus string

const (
	StatusUnknown ProbeStatus = "unknown"
	StatusWorking ProbeStatus = "working"
	StatusFailed  ProbeStatus = "failed"
)

// ProbeResult describes one probed source.
type ProbeResult struct {
	SourceID string        `json:"source_id"`
	Status   ProbeStatus   `json:"status"`
	Records  int           `json:"records"`
	Latency  time.Duration `json:"latency"`
	Error    string        `json:"error,omitempty"`
}
