// Package dial provides a resilient session dialer: exponential backoff
// around connection attempts with a circuit breaker in front of flapping
// devices. The execution core itself never retries; retry policy belongs
// to the service layer, which injects this dialer into the runner.
package dial

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/nce-project/nce/pkg/lg"
	"github.com/nce-project/nce/pkg/runner"
	"github.com/nce-project/nce/pkg/shell"
)

const (
	maxElapsed      = 30 * time.Second
	initialInterval = 500 * time.Millisecond
	maxInterval     = 5 * time.Second
)

func newBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     initialInterval,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      maxElapsed,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
}

func newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ssh-connect",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
}

// NewResilient wraps base with backoff retries and a shared circuit
// breaker. A nil base dials plain SSH sessions.
func NewResilient(base runner.DialFunc) runner.DialFunc {
	if base == nil {
		base = func(ctx context.Context, cfg shell.Config, logger lg.Logger) (runner.Session, error) {
			return shell.Dial(ctx, cfg, logger)
		}
	}
	cb := newBreaker()

	return func(ctx context.Context, cfg shell.Config, logger lg.Logger) (runner.Session, error) {
		var sess runner.Session
		operation := func() error {
			res, err := cb.Execute(func() (any, error) {
				return base(ctx, cfg, logger)
			})
			if err != nil {
				// An open breaker will not close within one backoff window,
				// so further attempts are pointless.
				if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
					return backoff.Permanent(err)
				}
				return err
			}
			sess = res.(runner.Session)
			return nil
		}

		b := backoff.WithContext(newBackOff(), ctx)
		if err := backoff.Retry(operation, b); err != nil {
			return nil, err
		}
		return sess, nil
	}
}
