package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"elspot-advisor/internal/series"
	"elspot-advisor/internal/synthetic"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

var pipelineNow = time.Date(2024, 5, 1, 14, 37, 0, 0, time.UTC)

func pricePipeline(sources []Source, timeout time.Duration) *Pipeline[series.PriceSample] {
	gen := synthetic.New(1)
	return NewPipeline(
		sources,
		func(body []byte) ([]series.PriceSample, error) { return series.DecodePrices(body, time.UTC) },
		func(now time.Time) []series.PriceSample { return gen.Prices(now, "DK2") },
		PipelineOptions{Name: "prices", AttemptTimeout: timeout, Now: func() time.Time { return pipelineNow }},
		noopLogger(),
	)
}

type stubSource struct {
	id    string
	body  string
	err   error
	calls int32
	delay time.Duration
}

func (s *stubSource) ID() string { return s.id }

func (s *stubSource) Attempt(ctx context.Context, target string) ([]byte, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.body), nil
}

func testRequest() Request {
	return Request{BaseURL: "http://upstream.invalid/dataset", Dataset: "Elspotprices", Area: "DK2", Limit: 48}
}

func TestPipelineStopsAtFirstValidSource(t *testing.T) {
	direct := &stubSource{id: SourceDirect, err: errors.New("cors")}
	empty := &stubSource{id: "empty", body: `{"records":[]}`}
	good := &stubSource{id: "good", body: samplePayload}
	never := &stubSource{id: "never", body: samplePayload}

	res, err := pricePipeline([]Source{direct, empty, good, never}, time.Second).Fetch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if res.Outcome != OutcomeLive || res.SourceID != "good" {
		t.Fatalf("expected live result from good, got %s/%s", res.Outcome, res.SourceID)
	}
	if len(res.Records) != 1 || res.Records[0].SpotPriceMilli != 512 {
		t.Fatalf("unexpected records %+v", res.Records)
	}
	if atomic.LoadInt32(&never.calls) != 0 {
		t.Fatal("sources after the first valid one must not be attempted")
	}
	for _, s := range []*stubSource{direct, empty, good} {
		if atomic.LoadInt32(&s.calls) != 1 {
			t.Fatalf("source %s should be attempted exactly once", s.id)
		}
	}
}

func TestPipelineDegradesWhenAllSourcesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sources := []Source{
		NewDirect(DirectOptions{Timeout: time.Second}),
		NewRelay(RelayOptions{Name: "relay-a", BaseURL: srv.URL + "/?", Timeout: time.Second}),
		NewRelay(RelayOptions{Name: "relay-b", BaseURL: srv.URL + "/get?url=", EncodeTarget: true, Unwrap: Envelope{Field: "contents"}, Timeout: time.Second}),
	}
	p := pricePipeline(sources, time.Second)

	for i := 0; i < 2; i++ {
		res, err := p.Fetch(context.Background(), testRequest())
		if err != nil {
			t.Fatalf("run %d: fetch: %v", i, err)
		}
		if res.Outcome != OutcomeDegraded || !res.Degraded() {
			t.Fatalf("run %d: expected degraded outcome, got %s", i, res.Outcome)
		}
		if res.SourceID != SourceSynthetic {
			t.Fatalf("run %d: expected synthetic source, got %s", i, res.SourceID)
		}
		if len(res.Records) != synthetic.Hours {
			t.Fatalf("run %d: expected %d records, got %d", i, synthetic.Hours, len(res.Records))
		}
	}
}

func TestPipelineAttemptTimeout(t *testing.T) {
	slow := &stubSource{id: "slow", body: samplePayload, delay: time.Second}
	fast := &stubSource{id: "fast", body: samplePayload}

	started := time.Now()
	res, err := pricePipeline([]Source{slow, fast}, 50*time.Millisecond).Fetch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if res.SourceID != "fast" {
		t.Fatalf("slow source should time out, got %s", res.SourceID)
	}
	if time.Since(started) > 500*time.Millisecond {
		t.Fatal("attempt timeout not applied")
	}
}

func TestPipelineIsSequential(t *testing.T) {
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var sources []Source
	for _, name := range []string{"a", "b", "c", "d"} {
		sources = append(sources, NewRelay(RelayOptions{Name: name, BaseURL: srv.URL + "/?"}))
	}
	if _, err := pricePipeline(sources, time.Second).Fetch(context.Background(), testRequest()); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if atomic.LoadInt32(&peak) != 1 {
		t.Fatalf("expected at most one request in flight, saw %d", peak)
	}
}

func TestPipelineTrimsToLimit(t *testing.T) {
	src := &stubSource{id: SourceDirect, body: `{"records":[
		{"HourUTC":"2024-05-01T10:00:00","HourDK":"2024-05-01T10:00:00","SpotPriceDKK":1},
		{"HourUTC":"2024-05-01T11:00:00","HourDK":"2024-05-01T11:00:00","SpotPriceDKK":2},
		{"HourUTC":"2024-05-01T12:00:00","HourDK":"2024-05-01T12:00:00","SpotPriceDKK":3}
	]}`}

	res, err := pricePipeline([]Source{src}, time.Second).Fetch(context.Background(), testRequest().WithLimit(2))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Records) != 2 || res.Records[0].SpotPriceMilli != 2 {
		t.Fatalf("expected the two latest records, got %+v", res.Records)
	}
}

func TestPipelineCancelledMidAttemptSkipsFallback(t *testing.T) {
	slow := &stubSource{id: SourceDirect, body: samplePayload, delay: time.Second}
	next := &stubSource{id: "relay", body: samplePayload}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res, err := pricePipeline([]Source{slow, next}, 5*time.Second).Fetch(ctx, testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(res.Records) != 0 || res.SourceID != "" || res.Outcome == OutcomeDegraded {
		t.Fatalf("a cancelled fetch must not produce synthetic data: %+v", res)
	}
	if atomic.LoadInt32(&next.calls) != 0 {
		t.Fatal("no further source may be attempted after cancellation")
	}
}

func TestPipelineProbe(t *testing.T) {
	down := &stubSource{id: SourceDirect, err: errors.New("refused")}
	up := &stubSource{id: "relay", body: samplePayload}

	results := pricePipeline([]Source{down, up}, time.Second).Probe(context.Background(), testRequest())
	if len(results) != 2 {
		t.Fatalf("expected one result per source, got %d", len(results))
	}
	if results[0].Status != StatusFailed || results[0].Error == "" {
		t.Fatalf("direct should be reported failed: %+v", results[0])
	}
	if results[1].Status != StatusWorking || results[1].Records != 1 {
		t.Fatalf("relay should be reported working: %+v", results[1])
	}
}
