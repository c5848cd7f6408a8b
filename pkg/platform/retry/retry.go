// Package retry drives bounded retries as an explicit state machine.
//
// A run moves through the states
//
//	attempt -> (done | permanent | exhausted | wait)
//	wait    -> (attempt | cancelled)
//
// The backoff curve comes from cenkalti/backoff; the wait itself goes through a
// Sleeper so the same loop works under any scheduling model and tests can run
// it without real time passing.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is a step of the retry state machine.
type State string

const (
	StateAttempt   State = "attempt"
	StateWait      State = "wait"
	StateDone      State = "done"
	StatePermanent State = "permanent"
	StateExhausted State = "exhausted"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StatePermanent, StateExhausted, StateCancelled:
		return true
	}
	return false
}

// Policy bounds a retry run. The values are placeholders meant to be tuned
// through configuration, not measured constants.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor in [0, 1).
	Jitter float64
}

// DefaultPolicy returns the policy used when configuration leaves retry unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
	}
}

// Once returns a policy with a single attempt and no retries.
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

func (p Policy) backoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Sleeper waits for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerSleeper sleeps on a real timer.
var TimerSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
})

// Transition describes one state change, reported to observers.
type Transition struct {
	From    State
	To      State
	Attempt int
	Wait    time.Duration
	Err     error
}

// Op is one attempt. attempt starts at 1.
type Op func(ctx context.Context, attempt int) error

// Result is the outcome of a run.
type Result struct {
	Attempts int
	State    State
	Err      error
}

// OK reports whether the run ended in StateDone.
func (r Result) OK() bool { return r.State == StateDone }

type runner struct {
	retryable func(error) bool
	sleeper   Sleeper
	observe   func(Transition)
}

// Option configures a run.
type Option func(*runner)

// WithRetryable sets the classifier. The default treats every error as retryable.
func WithRetryable(fn func(error) bool) Option {
	return func(r *runner) {
		if fn != nil {
			r.retryable = fn
		}
	}
}

// WithSleeper replaces the real timer.
func WithSleeper(s Sleeper) Option {
	return func(r *runner) {
		if s != nil {
			r.sleeper = s
		}
	}
}

// WithObserver registers a callback invoked on every transition.
func WithObserver(fn func(Transition)) Option {
	return func(r *runner) {
		r.observe = fn
	}
}

// Run executes op until it succeeds, fails permanently, exhausts the policy or
// ctx is cancelled while waiting.
func Run(ctx context.Context, p Policy, op Op, opts ...Option) Result {
	r := &runner{
		retryable: func(error) bool { return true },
		sleeper:   TimerSleeper,
	}
	for _, opt := range opts {
		opt(r)
	}
	p = p.normalized()
	b := p.backoff()

	var (
		state    = StateAttempt
		attempts int
		lastErr  error
	)
	for !state.Terminal() {
		switch state {
		case StateAttempt:
			attempts++
			lastErr = op(ctx, attempts)
			next := r.classify(lastErr, attempts, p)
			r.emit(Transition{From: state, To: next, Attempt: attempts, Err: lastErr})
			state = next
		case StateWait:
			wait := b.NextBackOff()
			next := StateAttempt
			if err := r.sleeper.Sleep(ctx, wait); err != nil {
				next = StateCancelled
			}
			r.emit(Transition{From: state, To: next, Attempt: attempts, Wait: wait, Err: lastErr})
			state = next
		}
	}
	return Result{Attempts: attempts, State: state, Err: lastErr}
}

func (r *runner) classify(err error, attempts int, p Policy) State {
	switch {
	case err == nil:
		return StateDone
	case !r.retryable(err):
		return StatePermanent
	case attempts >= p.MaxAttempts:
		return StateExhausted
	default:
		return StateWait
	}
}

func (r *runner) emit(t Transition) {
	if r.observe != nil {
		r.observe(t)
	}
}
