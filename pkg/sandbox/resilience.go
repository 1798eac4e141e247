package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"
)

// guard puts retry and circuit breaking in front of provider calls, and a
// bulkhead in front of creation. Only transient failures count against the
// breaker: a NotFound or a rejected create is an answer, not an outage.
//
// The creation bulkhead has no queue. A create over the cap fails at once
// with ErrProviderUnavailable, so one key never waits behind another.
type guard struct {
	provider Provider
	logger   *slog.Logger

	breaker    circuitbreaker.CircuitBreaker[any]
	retrier    retry.Retry[any]
	creators   bulkhead.Bulkhead[any]
	maxCreates int
}

// settled carries a non-transient outcome through the breaker as a success.
type settled struct {
	val any
	err error
}

func newGuard(p Provider, cfg Config, logger *slog.Logger) *guard {
	g := &guard{provider: p, logger: logger, maxCreates: cfg.MaxConcurrentCreates}

	g.breaker = circuitbreaker.New[any](circuitbreaker.Config{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.Breaker.ConsecutiveFailures
		},
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("sandbox provider circuit breaker state change",
				"provider", p.Name(),
				"from", from.String(),
				"to", to.String())
		},
	})

	g.retrier = retry.New[any](retry.Config{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		InitialDelay:  cfg.Retry.InitialDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		Multiplier:    2.0,
		BackoffPolicy: retry.BackoffExponential,
		Jitter:        true,
		IsRetryable:   IsTransient,
	})

	g.creators = bulkhead.New[any](bulkhead.Config{
		MaxConcurrent: cfg.MaxConcurrentCreates,
		MaxQueue:      0,
		OnRejected: func() {
			logger.Warn("sandbox creation rejected, too many creations in flight",
				"provider", p.Name(),
				"max_concurrent", cfg.MaxConcurrentCreates)
		},
	})

	return g
}

// call runs fn through the breaker once. Breaker rejections surface as
// ErrProviderUnavailable.
func (g *guard) call(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	entered := false
	v, err := g.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		entered = true
		v, err := fn(ctx)
		if err != nil && !IsTransient(err) {
			return settled{val: v, err: err}, nil
		}
		return v, err
	})
	if err != nil {
		if !entered {
			return nil, Unavailable(fmt.Errorf("provider %s: %w", g.provider.Name(), err))
		}
		return nil, err
	}
	if s, ok := v.(settled); ok {
		return s.val, s.err
	}
	return v, nil
}

// do retries call while the failure is transient. The last error produced
// by fn is returned so callers can classify it with errors.Is.
func (g *guard) do(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	var lastErr error
	attempt := 0
	v, err := g.retrier.Do(ctx, func(ctx context.Context) (any, error) {
		attempt++
		if attempt > 1 {
			g.logger.Debug("retrying sandbox provider call",
				"provider", g.provider.Name(), "op", op, "attempt", attempt, "error", lastErr)
		}
		v, err := g.call(ctx, fn)
		lastErr = err
		return v, err
	})
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return v, nil
}

func (g *guard) find(ctx context.Context, labels map[string]string) Lookup {
	v, err := g.do(ctx, "find", func(ctx context.Context) (any, error) {
		l := g.provider.Find(ctx, labels)
		if l.Status == LookupFailed {
			if l.Err == nil {
				l.Err = Unavailable(errors.New("lookup failed"))
			}
			return nil, l.Err
		}
		return l, nil
	})
	if err != nil {
		return LookupError(err)
	}
	return v.(Lookup)
}

func (g *guard) state(ctx context.Context, sb Sandbox) (State, error) {
	v, err := g.do(ctx, "state", func(ctx context.Context) (any, error) {
		return sb.State(ctx)
	})
	if err != nil {
		return StateUnknown, err
	}
	return v.(State), nil
}

func (g *guard) start(ctx context.Context, sb Sandbox) error {
	_, err := g.do(ctx, "start", func(ctx context.Context) (any, error) {
		return nil, sb.Start(ctx)
	})
	return err
}

// create provisions a sandbox inside the creation bulkhead. Before every
// retry it looks the labels up again, so a create that reached the
// provider but failed in transit is adopted instead of duplicated.
func (g *guard) create(ctx context.Context, req CreateRequest) (Sandbox, error) {
	entered := false
	v, err := g.creators.Execute(ctx, func(ctx context.Context) (any, error) {
		entered = true
		attempt := 0
		return g.do(ctx, "create", func(ctx context.Context) (any, error) {
			attempt++
			if attempt > 1 {
				if l := g.provider.Find(ctx, req.Labels); l.Status == LookupFound {
					g.logger.Info("adopting sandbox created by an earlier attempt",
						"provider", g.provider.Name(), "sandbox_id", l.Sandbox.ID())
					return l.Sandbox, nil
				}
			}
			sb, err := g.provider.Create(ctx, req)
			if err != nil {
				return nil, err
			}
			return sb, nil
		})
	})
	if err != nil {
		if !entered {
			return nil, Unavailable(fmt.Errorf("%d sandbox creations in flight: %w", g.maxCreates, err))
		}
		if !IsTransient(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, CreationFailed(err)
		}
		return nil, err
	}
	return v.(Sandbox), nil
}
