package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 8 * time.Second
	defaultUserAgent = "elspot-advisor/1.0"
	maxBodyBytes     = 4 << 20
)

// Unwrapper extracts the upstream payload from a source response.
type Unwrapper interface {
	Name() string
	Unwrap(body []byte) ([]byte, error)
}

// Verbatim passes the body through unchanged.
type Verbatim struct{}

// Name implements Unwrapper.
func (Verbatim) Name() string { return "verbatim" }

// Unwrap implements Unwrapper.
func (Verbatim) Unwrap(body []byte) ([]byte, error) { return body, nil }

// Envelope reads a JSON-encoded string out of a named field of the response object.
type Envelope struct {
	Field string
}

// Name implements Unwrapper.
func (e Envelope) Name() string { return "envelope:" + e.Field }

// Unwrap implements Unwrapper.
func (e Envelope) Unwrap(body []byte) ([]byte, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(body, &outer); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	raw, ok := outer[e.Field]
	if !ok {
		return nil, fmt.Errorf("envelope field %q missing", e.Field)
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("envelope field %q is not a string: %w", e.Field, err)
	}
	if strings.TrimSpace(inner) == "" {
		return nil, fmt.Errorf("envelope field %q is empty", e.Field)
	}
	return []byte(inner), nil
}

// ParseUnwrap maps a configured strategy name to an Unwrapper.
func ParseUnwrap(strategy, field string) (Unwrapper, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", "verbatim":
		return Verbatim{}, nil
	case "envelope":
		if field == "" {
			field = "contents"
		}
		return Envelope{Field: field}, nil
	default:
		return nil, fmt.Errorf("unknown unwrap strategy %q", strategy)
	}
}

// DirectOptions parameterise the direct upstream source.
type DirectOptions struct {
	Timeout   time.Duration
	UserAgent string
}

// Direct calls the upstream API without an intermediary.
type Direct struct {
	client    *http.Client
	userAgent string
}

// NewDirect constructs the direct source.
func NewDirect(opts DirectOptions) *Direct {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Direct{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgentOrDefault(opts.UserAgent),
	}
}

// ID implements Source.
func (d *Direct) ID() string { return SourceDirect }

// Attempt implements Source.
func (d *Direct) Attempt(ctx context.Context, target string) ([]byte, error) {
	return get(ctx, d.client, target, d.userAgent)
}

// RelayOptions parameterise a relay source.
type RelayOptions struct {
	Name         string
	BaseURL      string
	EncodeTarget bool
	Unwrap       Unwrapper
	RPS          float64
	Burst        int
	Timeout      time.Duration
	UserAgent    string
}

// Relay forwards the upstream request through a third-party intermediary.
type Relay struct {
	opts      RelayOptions
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// NewRelay constructs a relay source.
func NewRelay(opts RelayOptions) *Relay {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if opts.Unwrap == nil {
		opts.Unwrap = Verbatim{}
	}

	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Relay{
		opts:      opts,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: userAgentOrDefault(opts.UserAgent),
	}
}

// ID implements Source.
func (r *Relay) ID() string { return r.opts.Name }

// Endpoint renders the relay URL for a target.
func (r *Relay) Endpoint(target string) string {
	if r.opts.EncodeTarget {
		return r.opts.BaseURL + url.QueryEscape(target)
	}
	return r.opts.BaseURL + target
}

// Attempt implements Source.
func (r *Relay) Attempt(ctx context.Context, target string) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %w", ErrSourceUnavailable, err)
	}

	body, err := get(ctx, r.client, r.Endpoint(target), r.userAgent)
	if err != nil {
		return nil, err
	}

	payload, err := r.opts.Unwrap.Unwrap(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, r.opts.Unwrap.Name(), err)
	}
	return payload, nil
}

func get(ctx context.Context, client *http.Client, endpoint, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrSourceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrSourceUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}
	return payload, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%w: http %d: %s", ErrSourceUnavailable, status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%w: http %d: %s", ErrSourceUnavailable, status, apiErr.Error)
		}
	}
	if text := strings.TrimSpace(string(payload)); text != "" {
		if len(text) > 200 {
			text = text[:200]
		}
		return fmt.Errorf("%w: http %d: %s", ErrSourceUnavailable, status, text)
	}
	return fmt.Errorf("%w: http %d", ErrSourceUnavailable, status)
}

func userAgentOrDefault(ua string) string {
	if ua = strings.TrimSpace(ua); ua != "" {
		return ua
	}
	return defaultUserAgent
}

var (
	_ Source    = (*Direct)(nil)
	_ Source    = (*Relay)(nil)
	_ Unwrapper = Verbatim{}
	_ Unwrapper = Envelope{}
)
