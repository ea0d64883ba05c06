// internal/session/retry.go
package session

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/device"
	"github.com/xkilldash9x/droidprobe/internal/vocabulary"
)

// retryPolicy is the shared shape for in-place retries: exponential from
// BackoffBase up to BackoffCap, bounded by attempt count rather than elapsed
// time.
func (s *Session) retryPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.MaxInterval = s.cfg.BackoffCap
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(s.cfg.TransientRetries))
}

// executeWithRetry runs one validated action, re-executing the same action on
// transient outcomes until it succeeds, fails permanently, or the retry
// ceiling is spent. Only exhaustion counts as a step failure; the retries
// themselves are invisible to the session's counters. Each attempt gets a
// fresh action timeout.
func (s *Session) executeWithRetry(ctx context.Context, action vocabulary.ValidatedAction) (*device.Outcome, int) {
	var outcome *device.Outcome
	attempts := 0

	operation := func() error {
		attempts++
		actCtx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
		defer cancel()

		out, err := s.executor.Execute(actCtx, action)
		if err != nil {
			// Executors classify device trouble into outcomes; an error
			// here is a wiring fault retrying cannot fix.
			outcome = &device.Outcome{
				Status:      device.OutcomeFailedPermanent,
				ErrorCode:   device.ErrCodeInvalidAction,
				ErrorDetail: err.Error(),
			}
			return backoff.Permanent(err)
		}
		outcome = out
		if out.Status == device.OutcomeFailedTransient {
			return fmt.Errorf("transient failure: %s", out.ErrorCode)
		}
		return nil
	}

	if err := backoff.Retry(operation, s.retryPolicy(ctx)); err != nil {
		s.logger.Debug("action retries exhausted",
			zap.String("action", describeAction(action)),
			zap.Int("attempts", attempts),
			zap.Error(err))
	}
	return outcome, attempts - 1
}

// observeFresh captures the current screen, retrying transient observation
// trouble under the same policy as action execution. Each attempt gets a
// fresh observation timeout.
func (s *Session) observeFresh(ctx context.Context) (*schemas.Observation, error) {
	var obs *schemas.Observation

	operation := func() error {
		octx, cancel := context.WithTimeout(ctx, s.cfg.ObserveTimeout)
		defer cancel()

		o, err := s.observer.Observe(octx)
		if err != nil {
			return err
		}
		obs = o
		return nil
	}

	if err := backoff.Retry(operation, s.retryPolicy(ctx)); err != nil {
		return nil, err
	}
	return obs, nil
}
