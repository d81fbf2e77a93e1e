// Package poll implements a bounded "wait until" loop.
//
// A probe is evaluated at a fixed interval until its result satisfies a
// predicate, the context is cancelled, or a wall-clock deadline measured
// from the start of the poll is exceeded. Probe errors are retried on the
// next tick unless the probe wraps them with Fatal.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultInterval is the delay between two probes.
	DefaultInterval = 2 * time.Second

	// DefaultTimeout bounds the whole poll.
	DefaultTimeout = 15 * time.Minute
)

// State is the poll state machine position.
type State int

const (
	Waiting State = iota
	Satisfied
	TimedOut
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "WAITING"
	case Satisfied:
		return "SATISFIED"
	case TimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// TimeoutError is returned when the deadline elapses before the predicate
// holds. Last is the most recent successful probe result, LastErr the most
// recent probe error (either may be zero).
type TimeoutError struct {
	Elapsed time.Duration
	Probes  int
	Last    any
	LastErr error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s (%d probes)", e.Elapsed.Round(time.Millisecond), e.Probes)
	if e.LastErr != nil {
		msg += fmt.Sprintf(", last error: %v", e.LastErr)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

type fatalError struct{ err error }

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

// Fatal marks a probe error as non-retryable: the poll stops and returns it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}

// Poller holds the polling discipline. The zero value uses the defaults
// and the real clock.
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    Clock

	// OnRetry, if set, is called with every non-fatal probe error.
	OnRetry func(attempt int, err error)
}

func (p Poller) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return DefaultInterval
}

func (p Poller) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultTimeout
}

func (p Poller) clock() Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return Real()
}

// Until probes immediately, then once per interval, until done reports true.
// It never returns a TimeoutError before the deadline has passed.
func Until[T any](ctx context.Context, p Poller, probe func(context.Context) (T, error), done func(T) bool) (T, error) {
	clk := p.clock()
	interval := p.interval()
	start := clk.Now()
	deadline := start.Add(p.timeout())

	var (
		last    T
		seen    bool
		lastErr error
		probes  int
		state   = Waiting
	)

	for state == Waiting {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		probes++
		v, err := probe(ctx)
		var fatal fatalError
		switch {
		case err != nil && errors.As(err, &fatal):
			return last, fatal.err
		case err != nil:
			lastErr = err
			if p.OnRetry != nil {
				p.OnRetry(probes, err)
			}
		default:
			last, seen, lastErr = v, true, nil
			if done(v) {
				state = Satisfied
				continue
			}
		}

		now := clk.Now()
		if !now.Before(deadline) {
			state = TimedOut
			continue
		}

		wait := interval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-clk.After(wait):
		}
	}

	if state == TimedOut {
		te := &TimeoutError{
			Elapsed: clk.Now().Sub(start),
			Probes:  probes,
			LastErr: lastErr,
		}
		if seen {
			te.Last = last
		}
		return last, te
	}
	return last, nil
}
