package verification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the attempts of a single upload. The wait before retry n
// (n >= 1) is BaseDelay * Multiplier^(n-1), so the default policy waits 1s and
// then 2s between its three attempts.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		Multiplier:     2,
		AttemptTimeout: 30 * time.Second,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if p.BaseDelay < 0 {
		return errors.New("base delay must not be negative")
	}
	if p.Multiplier < 1 {
		return errors.New("multiplier must be at least 1")
	}
	if p.AttemptTimeout <= 0 {
		return errors.New("attempt timeout must be positive")
	}
	return nil
}

// Delays returns the waits between attempts, in order.
func (p RetryPolicy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 0; i < p.MaxAttempts-1; i++ {
		delays = append(delays, time.Duration(float64(p.BaseDelay)*math.Pow(p.Multiplier, float64(i))))
	}
	return delays
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = 0
	exp.MaxInterval = time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(p.MaxAttempts)))
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. Each attempt gets its own context bounded by
// AttemptTimeout. notify, if set, is called after every failed attempt that
// will be retried. timer may be nil to use real time.
//
// Returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, timer backoff.Timer, notify func(attempt int, err error, next time.Duration), op func(ctx context.Context) error) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, fmt.Errorf("invalid retry policy: %w", err)
	}

	attempts := 0
	operation := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()
		return op(attemptCtx)
	}

	var notifyFn backoff.Notify
	if notify != nil {
		notifyFn = func(err error, next time.Duration) {
			notify(attempts, err, next)
		}
	}

	err := backoff.RetryNotifyWithTimer(operation, p.backOff(ctx), notifyFn, timer)
	return attempts, err
}
