package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// defaultRetryBackoff is the fixed delay before the single retry-on-timeout.
const defaultRetryBackoff = 30 * time.Second

// Executor runs a unit of work under a hard per-attempt deadline and retries
// exactly once, after a fixed backoff, when the failure is a timeout. Any
// other failure propagates immediately. This is deliberately a narrow retry
// policy, not a general backoff or circuit-breaker mechanism: the jobs it
// runs are idempotent over their selection predicates, so one bounded retry
// is all a transient stall needs.
type Executor struct {
	logger  *slog.Logger
	backoff time.Duration

	// Injected for deterministic tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor with the given retry backoff. A
// non-positive backoff falls back to the 30-second default.
func NewExecutor(logger *slog.Logger, backoff time.Duration) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Executor{
		logger:  logger,
		backoff: backoff,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Run executes work under ex's retry policy. Each attempt receives a context
// bounded by timeout; an attempt whose deadline fires abandons the in-flight
// work (its transaction rolls back through context cancellation) and counts
// as a timeout failure.
//
// The retry guard compares remaining budget on the caller's context directly:
// if the caller's own deadline has already expired there is no headroom for a
// backoff plus a second attempt, so the timeout propagates. Otherwise Run
// waits the fixed backoff and invokes work exactly once more with a fresh
// attempt deadline. A second failure of any kind propagates.
func Run[T any](ctx context.Context, ex *Executor, name string, timeout time.Duration, work func(context.Context) (T, error)) (T, error) {
	start := ex.now()

	res, err := runAttempt(ctx, timeout, work)
	if err == nil {
		ex.logger.InfoContext(ctx, "job completed",
			"job", name,
			"attempt", 1,
			"duration_ms", ex.now().Sub(start).Milliseconds(),
		)
		return res, nil
	}

	if !isTimeout(err) {
		ex.logger.ErrorContext(ctx, "job failed",
			"job", name,
			"attempt", 1,
			"duration_ms", ex.now().Sub(start).Milliseconds(),
			"error", err,
		)
		return res, err
	}

	if ctx.Err() != nil {
		// No remaining budget on the caller's deadline; retrying would only
		// time out again before the work could run.
		ex.logger.ErrorContext(ctx, "job timed out with no retry budget",
			"job", name,
			"duration_ms", ex.now().Sub(start).Milliseconds(),
			"error", err,
		)
		return res, err
	}

	ex.logger.WarnContext(ctx, "job timed out, retrying once",
		"job", name,
		"timeout", timeout.String(),
		"backoff", ex.backoff.String(),
		"error", err,
	)

	if serr := ex.sleep(ctx, ex.backoff); serr != nil {
		var zero T
		return zero, serr
	}

	res, err = runAttempt(ctx, timeout, work)
	total := ex.now().Sub(start)
	if err != nil {
		ex.logger.ErrorContext(ctx, "job failed after retry",
			"job", name,
			"attempt", 2,
			"duration_ms", total.Milliseconds(),
			"error", err,
		)
		return res, err
	}

	ex.logger.InfoContext(ctx, "job completed after retry",
		"job", name,
		"attempt", 2,
		"duration_ms", total.Milliseconds(),
	)
	return res, nil
}

// runAttempt invokes work under a fresh deadline of timeout, racing the work
// against the deadline. When the deadline wins, the attempt context is
// cancelled and the in-flight work is abandoned.
func runAttempt[T any](ctx context.Context, timeout time.Duration, work func(context.Context) (T, error)) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		val, err := work(attemptCtx)
		done <- outcome{val: val, err: err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-attemptCtx.Done():
		var zero T
		return zero, attemptCtx.Err()
	}
}

// isTimeout reports whether err is a deadline expiry, either from a context
// or from an underlying driver exposing the net.Error-style Timeout method.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface {
		error
		Timeout() bool
	}
	return errors.As(err, &te) && te.Timeout()
}

// sleepContext waits for d or until ctx is cancelled, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
