package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Policy selects how the next refresh is planned.
type Policy string

const (
	// PolicySmart wakes once a day when the upstream publishes tomorrow's prices.
	PolicySmart Policy = "smart"
	// PolicyHourly wakes shortly after every hour boundary.
	PolicyHourly Policy = "hourly"
)

// ParsePolicy accepts "smart" or "hourly" in any case.
func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(raw))); p {
	case PolicySmart, PolicyHourly:
		return p, nil
	default:
		return "", fmt.Errorf("unknown scheduler policy %q", raw)
	}
}

// Phase is the scheduler lifecycle state. PhaseRunning is reported while the
// wake callback runs.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseScheduled Phase = "scheduled"
	PhaseRunning   Phase = "running"
)

const (
	publishHour  = 13
	hourlyOffset = 2 * time.Second
)

// State is a point-in-time view of the scheduler.
type State struct {
	Policy   Policy    `json:"policy"`
	Phase    Phase     `json:"phase"`
	NextWake time.Time `json:"next_wake,omitempty"`
}

// WakeFunc is invoked every time the armed timer fires.
type WakeFunc func(ctx context.Context, wake time.Time) error

// NextWake returns the next refresh instant after now, in now's location.
func NextWake(policy Policy, now time.Time) time.Time {
	if policy == PolicyHourly {
		hourStart := now.Add(-time.Duration(now.Minute())*time.Minute -
			time.Duration(now.Second())*time.Second -
			time.Duration(now.Nanosecond()))
		return hourStart.Add(time.Hour + hourlyOffset)
	}

	y, m, d := now.Date()
	loc := now.Location()
	if now.Hour() < publishHour {
		return time.Date(y, m, d, publishHour, 0, 0, 0, loc)
	}
	return time.Date(y, m, d+1, publishHour, 0, 0, 0, loc)
}

// Options tune scheduler behaviour.
type Options struct {
	Location *time.Location
	Now      func() time.Time
}

// Scheduler owns the single refresh timer.
//
// Start and Stop may be called from any goroutine. The wake callback must not
// call Start, SetPolicy or Stop on the same scheduler.
type Scheduler struct {
	lifecycle sync.Mutex

	mu     sync.Mutex
	policy Policy
	phase  Phase
	next   time.Time
	onWake WakeFunc
	cancel context.CancelFunc
	done   chan struct{}

	loc    *time.Location
	now    func() time.Time
	plan   func(Policy, time.Time) time.Time
	logger zerolog.Logger
}

// New constructs an idle Scheduler.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		policy: PolicySmart,
		phase:  PhaseIdle,
		loc:    loc,
		now:    now,
		plan:   NextWake,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// OnWake registers the callback run on every wake.
func (s *Scheduler) OnWake(fn WakeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWake = fn
}

// Start cancels any armed timer and arms a new one for the given policy.
// Wake callbacks run under ctx, so re-arming never cancels a running
// callback; cancelling ctx does.
func (s *Scheduler) Start(ctx context.Context, policy Policy) error {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.halt()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.policy = policy
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(loopCtx, ctx, policy, done)
	return nil
}

// SetPolicy switches policy and re-arms the timer. A running wake callback
// finishes first.
func (s *Scheduler) SetPolicy(ctx context.Context, policy Policy) error {
	s.logger.Info().Str("policy", string(policy)).Msg("scheduler policy changed")
	return s.Start(ctx, policy)
}

// Stop cancels the armed timer and waits for the timer goroutine to exit,
// including a wake callback that is still running.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.halt()
}

// Run arms the timer and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, policy Policy) error {
	if err := s.Start(ctx, policy); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

// State reports the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Policy: s.policy, Phase: s.phase, NextWake: s.next}
}

// Plan returns the wake that would follow now under the current policy.
func (s *Scheduler) Plan(now time.Time) time.Time {
	s.mu.Lock()
	policy := s.policy
	s.mu.Unlock()
	return s.plan(policy, now.In(s.loc))
}

func (s *Scheduler) halt() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.mu.Lock()
	s.phase = PhaseIdle
	s.next = time.Time{}
	s.mu.Unlock()
}

func (s *Scheduler) loop(ctx, wakeCtx context.Context, policy Policy, done chan struct{}) {
	defer close(done)

	for {
		next := s.plan(policy, s.now().In(s.loc))

		s.mu.Lock()
		s.phase = PhaseScheduled
		s.next = next
		fn := s.onWake
		s.mu.Unlock()

		delay := next.Sub(s.now())
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_wake", next).Str("policy", string(policy)).Dur("in", delay).Msg("timer armed")

		select {
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			s.phase = PhaseIdle
			s.next = time.Time{}
			s.mu.Unlock()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		s.phase = PhaseRunning
		s.next = time.Time{}
		s.mu.Unlock()

		s.logger.Info().Time("wake", next).Msg("scheduled refresh")
		if fn != nil {
			if err := fn(wakeCtx, next); err != nil {
				s.logger.Error().Err(err).Time("wake", next).Msg("scheduled refresh failed")
			}
		}
	}
}
