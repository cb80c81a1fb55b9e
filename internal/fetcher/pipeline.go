package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Decoder validates an unwrapped body and converts it into records.
type Decoder[T any] func(body []byte) ([]T, error)

// Fallback produces synthetic records for the day containing now.
type Fallback[T any] func(now time.Time) []T

// PipelineOptions tune the fetch pipeline.
type PipelineOptions struct {
	Name           string
	AttemptTimeout time.Duration
	Now            func() time.Time
}

// Pipeline tries its sources strictly in order and falls back to synthetic data.
type Pipeline[T any] struct {
	sources  []Source
	decode   Decoder[T]
	fallback Fallback[T]
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewPipeline constructs a pipeline. Sources are attempted in the given order.
func NewPipeline[T any](sources []Source, decode Decoder[T], fallback Fallback[T], opts PipelineOptions, logger zerolog.Logger) *Pipeline[T] {
	timeout := opts.AttemptTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	name := opts.Name
	if name == "" {
		name = "pipeline"
	}

	return &Pipeline[T]{
		sources:  sources,
		decode:   decode,
		fallback: fallback,
		timeout:  timeout,
		now:      now,
		logger:   logger.With().Str("component", "fetch_pipeline").Str("series", name).Logger(),
	}
}

// Sources returns the configured source identifiers in priority order.
func (p *Pipeline[T]) Sources() []string {
	ids := make([]string, 0, len(p.sources))
	for _, src := range p.sources {
		ids = append(ids, src.ID())
	}
	return ids
}

// Fetch returns records from the first healthy source, or synthetic records.
// It fails only when ctx is cancelled, and then returns no records.
// Outcome tells the caller which path produced the data.
func (p *Pipeline[T]) Fetch(ctx context.Context, req Request) (Result[T], error) {
	target := req.URL()

	for _, src := range p.sources {
		if err := ctx.Err(); err != nil {
			p.logger.Warn().Err(err).Msg("fetch cancelled")
			return Result[T]{}, err
		}

		records, err := p.attempt(ctx, src, target)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				p.logger.Warn().Err(ctxErr).Str("source", src.ID()).Msg("fetch cancelled")
				return Result[T]{}, ctxErr
			}
			p.logger.Warn().Err(err).Str("source", src.ID()).Msg("source attempt failed")
			continue
		}

		if req.Limit > 0 && len(records) > req.Limit {
			records = records[len(records)-req.Limit:]
		}

		p.logger.Info().Str("source", src.ID()).Int("records", len(records)).Msg("live data fetched")
		return Result[T]{
			Records:   records,
			SourceID:  src.ID(),
			Outcome:   OutcomeLive,
			FetchedAt: p.now(),
		}, nil
	}

	p.logger.Warn().Err(ErrAllSourcesExhausted).Int("sources", len(p.sources)).Msg("using synthetic data")
	now := p.now()
	return Result[T]{
		Records:   p.fallback(now),
		SourceID:  SourceSynthetic,
		Outcome:   OutcomeDegraded,
		FetchedAt: now,
	}, nil
}

// Probe attempts every source once, in order, and reports each outcome.
func (p *Pipeline[T]) Probe(ctx context.Context, req Request) []ProbeResult {
	target := req.URL()
	results := make([]ProbeResult, 0, len(p.sources))

	for _, src := range p.sources {
		res := ProbeResult{SourceID: src.ID(), Status: StatusUnknown}
		if ctx.Err() != nil {
			res.Error = ctx.Err().Error()
			results = append(results, res)
			continue
		}

		started := time.Now()
		records, err := p.attempt(ctx, src, target)
		res.Latency = time.Since(started)
		if err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
		} else {
			res.Status = StatusWorking
			res.Records = len(records)
		}

		p.logger.Debug().Str("source", src.ID()).Str("status", string(res.Status)).Dur("latency", res.Latency).Msg("probe finished")
		results = append(results, res)
	}
	return results
}

func (p *Pipeline[T]) attempt(ctx context.Context, src Source, target string) ([]T, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := src.Attempt(ctx, target)
	if err != nil {
		if !errors.Is(err, ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		return nil, err
	}

	records, err := p.decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, ErrEmptyPayload)
	}
	return records, nil
}
