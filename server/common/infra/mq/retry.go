package mq

import (
	"context"
	"errors"
	"time"
)

// ErrInstanceMismatch marks a delivery that was not meant for this running
// instance. Wrap it to have the message retried immediately and, once the
// immediate budget is spent, handed back to the broker.
var ErrInstanceMismatch = errors.New("message not intended for this instance")

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeInstanceMismatch
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeInstanceMismatch:
		return "instance_mismatch"
	default:
		return "failure"
	}
}

func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrInstanceMismatch):
		return OutcomeInstanceMismatch
	default:
		return OutcomeFailure
	}
}

// RetryPolicy has two tiers. Instance mismatches are retried back to back up
// to ImmediateRetries times. Other failures are retried IntervalRetries
// times, Interval apart. The two budgets are tracked independently.
type RetryPolicy struct {
	ImmediateRetries int
	IntervalRetries  int
	Interval         time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ImmediateRetries: 10,
		IntervalRetries:  3,
		Interval:         5 * time.Second,
	}
}

// Execute runs fn until it succeeds or a budget is exhausted, returning the
// last error. Cancelling ctx stops waiting between interval retries.
func (p RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	mismatches, failures := 0, 0
	for {
		err := fn(ctx)
		switch Classify(err) {
		case OutcomeSuccess:
			return nil
		case OutcomeInstanceMismatch:
			mismatches++
			if mismatches > p.ImmediateRetries {
				return err
			}
		default:
			failures++
			if failures > p.IntervalRetries {
				return err
			}
			if waitErr := sleepContext(ctx, p.Interval); waitErr != nil {
				return err
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
