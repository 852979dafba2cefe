// Package retry runs external calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/metrics"
)

// Policy describes how often and how long to retry. The wait before attempt
// n+1 is min(Min * Multiplier^(n-1), Max), without jitter.
type Policy struct {
	Name           string
	MaxAttempts    int
	Min            time.Duration
	Max            time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration // zero means no per-attempt deadline
}

var (
	// Default covers warehouse and secret store calls.
	Default = Policy{Name: "default", MaxAttempts: 3, Min: 4 * time.Second, Max: 10 * time.Second, Multiplier: 1}

	// API covers market data provider calls.
	API = Policy{Name: "api", MaxAttempts: 3, Min: 5 * time.Second, Max: 30 * time.Second, Multiplier: 2}
)

// WithMaxAttempts returns a copy of p with the attempt budget replaced.
// Values below one are ignored.
func (p Policy) WithMaxAttempts(n int) Policy {
	if n >= 1 {
		p.MaxAttempts = n
	}
	return p
}

// WithAttemptTimeout returns a copy of p bounding each attempt by d.
func (p Policy) WithAttemptTimeout(d time.Duration) Policy {
	p.AttemptTimeout = d
	return p
}

// FromConfig applies the configured attempt budget and call timeout to p.
func FromConfig(p Policy, cfg *common.Config) Policy {
	return p.WithMaxAttempts(cfg.Retry.MaxAttempts).WithAttemptTimeout(cfg.GetTimeout())
}

func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Min
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.Max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Classifier reports whether a failure is worth another attempt.
type Classifier func(error) bool

// newTimer is swapped in tests to observe waits without sleeping.
var newTimer = func() backoff.Timer { return nil }

// Do runs op until it succeeds, fails with a non-retryable error, or the
// policy's attempts run out. The last failure is returned. Cancelling ctx
// aborts any pending wait.
func Do(ctx context.Context, p Policy, classify Classifier, op func(ctx context.Context) error) error {
	if classify == nil {
		classify = IsRetryable
	}
	logger := common.LoggerFrom(ctx)
	recorder := metrics.From(ctx)

	attempt := 0
	operation := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}

		err := op(attemptCtx)
		if err == nil {
			return nil
		}
		// A deadline on the parent is the caller giving up, not a slow attempt.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return backoff.Permanent(err)
		}
		if !classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		recorder.RetryAttempt(p.Name)
		logger.Warn().
			Err(err).
			Str("policy", p.Name).
			Int("attempt", attempt).
			Int("max_attempts", p.MaxAttempts).
			Dur("wait", wait).
			Msg("Retrying after failure")
	}

	return backoff.RetryNotifyWithTimer(operation, p.backOff(ctx), notify, newTimer())
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, classify Classifier, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, classify, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
