package operation

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// Policy bounds the poll schedule.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxAttempts is the maximum number of polls, including the first.
	MaxAttempts int
}

// DefaultPolicy polls for roughly 20 minutes before giving up.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   1.5,
		MaxAttempts:  120,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Sleeper suspends the poll loop. It must return ctx.Err() when ctx ends
// first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PollObserver is told about every poll. Used for metrics.
type PollObserver func(ctx context.Context, op *Operation, attempt int, state State)

// Waiter polls operations until they finish.
type Waiter struct {
	policy   Policy
	sleeper  Sleeper
	observer PollObserver
	logger   zerolog.Logger
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithSleeper replaces the timer-based sleeper.
func WithSleeper(s Sleeper) Option {
	return func(w *Waiter) { w.sleeper = s }
}

// WithObserver registers a poll observer.
func WithObserver(o PollObserver) Option {
	return func(w *Waiter) { w.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Waiter) { w.logger = l }
}

// NewWaiter creates a Waiter. Zero policy fields take defaults.
func NewWaiter(policy Policy, opts ...Option) *Waiter {
	w := &Waiter{
		policy:  policy.withDefaults(),
		sleeper: timerSleeper{},
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Policy returns the effective policy.
func (w *Waiter) Policy() Policy { return w.policy }

// Await polls op until it is Done or Failed and returns the target link.
//
// The first poll is immediate; each later poll waits for the next backoff
// delay. The terminal status is stored in op, so awaiting a finished
// operation again returns the same result without polling. Cancelling ctx
// stops local waiting only; the provider operation keeps running.
func (w *Waiter) Await(ctx context.Context, op *Operation, poller Poller) (string, error) {
	if op.Status.Terminal() {
		return w.result(op)
	}

	b := w.policy.backOff()
	for attempt := 1; attempt <= w.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := w.sleeper.Sleep(ctx, b.NextBackOff()); err != nil {
				return "", fmt.Errorf("await %s: %w", op.Target, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("await %s: %w", op.Target, err)
		}

		state, err := poller.Poll(ctx, op)
		if err != nil {
			return "", fmt.Errorf("poll operation %s on %s: %w", op.Name, op.Target, err)
		}
		if w.observer != nil {
			w.observer(ctx, op, attempt, state)
		}
		if state.Link != "" {
			op.Link = state.Link
		}

		w.logger.Debug().
			Str("kind", string(op.Target.Kind)).
			Str("id", op.Target.ProviderID).
			Str("op", op.Name).
			Int("attempt", attempt).
			Str("status", state.Status.String()).
			Msg("polled operation")

		if state.Status.Terminal() {
			op.Status = state.Status
			op.Err = state.Err
			return w.result(op)
		}
	}

	return "", &resource.OperationTimeoutError{
		Kind:      op.Target.Kind,
		Target:    op.TargetLink(),
		Operation: op.Name,
		Attempts:  w.policy.MaxAttempts,
	}
}

func (w *Waiter) result(op *Operation) (string, error) {
	if op.Status == Failed {
		ferr := &resource.OperationFailedError{
			Kind:      op.Target.Kind,
			Target:    op.TargetLink(),
			Operation: op.Name,
			Reason:    "unknown error",
		}
		if op.Err != nil {
			ferr.Reason = op.Err.Reason
			ferr.Raw = op.Err.Raw
		}
		return "", ferr
	}
	return op.TargetLink(), nil
}
