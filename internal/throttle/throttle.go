// Package throttle provides the injectable minimum-interval policies applied
// to rate-sensitive provider calls.
package throttle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Class groups provider calls that share a rate policy.
type Class int

// Call classes.
const (
	Destructive Class = iota // create and delete
	Metadata                 // label and metadata-store writes
	List                     // provider list calls
)

func (c Class) String() string {
	switch c {
	case Destructive:
		return "destructive"
	case Metadata:
		return "metadata"
	default:
		return "list"
	}
}

// Limiter enforces a minimum interval between calls. A nil Limiter never
// waits.
type Limiter struct {
	interval time.Duration
	lim      *rate.Limiter
}

// Every allows one call per interval. Zero or negative means unlimited.
func Every(interval time.Duration) *Limiter {
	if interval <= 0 {
		return &Limiter{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Limiter{interval: interval, lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next call is allowed or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.lim == nil {
		return ctx.Err()
	}
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("throttle wait: %w", err)
	}
	return nil
}

// Interval returns the configured minimum interval.
func (l *Limiter) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}

// Policy holds one limiter per call class.
type Policy struct {
	Destructive *Limiter
	Metadata    *Limiter
	List        *Limiter
}

// Intervals configures a Policy.
type Intervals struct {
	Destructive time.Duration
	Metadata    time.Duration
	List        time.Duration
}

// New builds a Policy from intervals.
func New(iv Intervals) *Policy {
	return &Policy{
		Destructive: Every(iv.Destructive),
		Metadata:    Every(iv.Metadata),
		List:        Every(iv.List),
	}
}

// None returns a policy that never waits.
func None() *Policy { return New(Intervals{}) }

// Wait blocks on the limiter for class. A nil Policy never waits.
func (p *Policy) Wait(ctx context.Context, class Class) error {
	if p == nil {
		return ctx.Err()
	}
	switch class {
	case Destructive:
		return p.Destructive.Wait(ctx)
	case Metadata:
		return p.Metadata.Wait(ctx)
	default:
		return p.List.Wait(ctx)
	}
}

// Stricter returns a copy of p where the class interval is at least min.
// Providers use it to impose documented minimums such as one bucket
// operation every two seconds.
func (p *Policy) Stricter(class Class, minInterval time.Duration) *Policy {
	out := &Policy{}
	if p != nil {
		*out = *p
	}
	switch class {
	case Destructive:
		if out.Destructive.Interval() < minInterval {
			out.Destructive = Every(minInterval)
		}
	case Metadata:
		if out.Metadata.Interval() < minInterval {
			out.Metadata = Every(minInterval)
		}
	default:
		if out.List.Interval() < minInterval {
			out.List = Every(minInterval)
		}
	}
	return out
}
