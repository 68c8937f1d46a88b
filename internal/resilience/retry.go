package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"

	dberrors "github.com/blueberrycongee/dbmux/pkg/errors"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// maxInterval caps a single wait. Doubling stops here instead of overflowing.
const maxInterval = time.Duration(1 << 62)

// Policy bounds a retry loop. The wait before attempt n+1 is BaseDelay * 2^(n-1).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy returns 3 attempts spaced 1s and 2s apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
	}
}

// WithMaxAttempts returns a copy of p with a different attempt budget.
// Non-positive values keep the current budget.
func (p Policy) WithMaxAttempts(n int) Policy {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

func (p Policy) backOff(clk clock.Clock) backoff.BackOff {
	expo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(clk),
	)
	return backoff.WithMaxRetries(expo, uint64(p.MaxAttempts-1))
}

// AttemptObserver is told about every attempt. err is nil on success.
type AttemptObserver func(target string, attempt int, err error)

// Retrier executes operations with bounded retries and exponential backoff.
// Waits run on the configured clock so tests can advance time.
type Retrier struct {
	clock    clock.Clock
	logger   *slog.Logger
	observer AttemptObserver
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithClock sets the clock used for backoff waits.
func WithClock(c clock.Clock) RetrierOption {
	return func(r *Retrier) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RetrierOption {
	return func(r *Retrier) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithObserver registers a callback for every attempt.
func WithObserver(fn AttemptObserver) RetrierOption {
	return func(r *Retrier) {
		r.observer = fn
	}
}

// NewRetrier creates a Retrier using the wall clock and the default logger.
func NewRetrier(opts ...RetrierOption) *Retrier {
	r := &Retrier{
		clock:  clock.WallClock,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Clock returns the clock the retrier waits on.
func (r *Retrier) Clock() clock.Clock { return r.clock }

func (r *Retrier) observe(target string, attempt int, err error) {
	if r.observer != nil {
		r.observer(target, attempt, err)
	}
}

// Retry runs op until it succeeds or the policy's attempts are used up. The caller
// sees exactly one of: the successful result, or a *RetriesExhaustedError carrying
// the last attempt's error. Invalid operations and unavailable instances are not retried. A context cancelled
// during a backoff wait ends the loop early with the context error.
func Retry[T any](ctx context.Context, r *Retrier, target string, policy Policy, op func(context.Context) (T, error)) (T, error) {
	policy = policy.normalized()

	var (
		attempt int
		lastErr error
	)

	operation := func() (T, error) {
		attempt++
		res, err := op(ctx)
		r.observe(target, attempt, err)
		if err == nil {
			return res, nil
		}

		lastErr = err
		r.logger.Warn("attempt failed",
			"target", target,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"error", err,
		)
		if permanent(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	notify := func(_ error, wait time.Duration) {
		r.logger.Info("retrying after backoff",
			"target", target,
			"next_attempt", attempt+1,
			"wait", wait.String(),
		)
	}

	b := backoff.WithContext(policy.backOff(r.clock), ctx)
	res, err := backoff.RetryNotifyWithTimerAndData(operation, b, notify, &clockTimer{clock: r.clock})
	if err == nil {
		return res, nil
	}

	if permanent(err) {
		return res, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil && attempt < policy.MaxAttempts {
		r.logger.Warn("retry cancelled", "target", target, "attempts", attempt, "error", ctxErr)
		return res, fmt.Errorf("%s: retry cancelled after %d attempt(s): %w: %w", target, attempt, ctxErr, lastErr)
	}

	r.logger.Error("retries exhausted",
		"target", target,
		"attempts", attempt,
		"error", lastErr,
	)
	return res, &dberrors.RetriesExhaustedError{
		Target:   target,
		Attempts: attempt,
		Err:      lastErr,
	}
}

// permanent errors cannot be fixed by trying again.
func permanent(err error) bool {
	return errors.Is(err, dberrors.ErrInvalidOperation) || errors.Is(err, dberrors.ErrInstanceUnavailable)
}

// clockTimer adapts a juju clock to backoff.Timer.
type clockTimer struct {
	clock clock.Clock
	timer clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.NewTimer(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
