package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// Call describes one guarded dependency call.
type Call struct {
	Operation  string
	Classifier ErrorClassifier
	// SingleAttempt keeps the breaker but skips retries.
	SingleAttempt bool
}

// StateListener is told about every breaker transition.
type StateListener func(operation string, from, to gobreaker.State)

type Executor struct {
	cfg      Config
	listener StateListener

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

func NewExecutor(cfg Config) *Executor {
	return &Executor{
		cfg:      cfg.normalize(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// WithStateListener registers fn for breakers created after the call.
func (e *Executor) WithStateListener(fn StateListener) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = fn
	return e
}

// Run executes fn under the operation's breaker and retry policy. A
// rejected call on an open breaker is reported as domain.ErrTemporary.
func Run[T any](ctx context.Context, e *Executor, call Call, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, fmt.Errorf("resilience: operation callback is nil")
	}
	op := strings.TrimSpace(call.Operation)
	if op == "" {
		op = "unknown"
	}
	classifier := call.Classifier
	if classifier == nil {
		classifier = defaultClassifier
	}
	attempts := e.cfg.RetryMaxAttempts
	if call.SingleAttempt {
		attempts = 1
	}

	if !e.cfg.BreakerEnabled {
		return retry(ctx, e.cfg, op, attempts, fn, classifier)
	}

	breaker := e.circuitBreaker(op, classifier)
	out, err := breaker.Execute(func() (any, error) {
		return retry(ctx, e.cfg, op, attempts, fn, classifier)
	})
	if err != nil {
		if IsCircuitOpen(err) {
			return zero, domain.WrapError(domain.ErrTemporary, op, err)
		}
		return zero, err
	}
	value, ok := out.(T)
	if !ok {
		return zero, nil
	}
	return value, nil
}

// Execute is Run for calls without a result.
func (e *Executor) Execute(ctx context.Context, call Call, fn func(context.Context) error) error {
	_, err := Run(ctx, e, call, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// State reports the breaker state of operation; closed if never used.
func (e *Executor) State(operation string) gobreaker.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if breaker, ok := e.breakers[operation]; ok {
		return breaker.State()
	}
	return gobreaker.StateClosed
}

func retry[T any](
	ctx context.Context,
	cfg Config,
	operation string,
	maxAttempts int,
	fn func(context.Context) (T, error),
	classifier ErrorClassifier,
) (T, error) {
	var zero T
	backoff := cfg.RetryInitialBackoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if attempt >= maxAttempts || !classifier(err).Retryable {
			return zero, err
		}

		wait := min(backoff, cfg.RetryMaxBackoff)
		slog.Warn("retry_attempt",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"backoff_ms", float64(wait.Microseconds())/1000.0,
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}

		backoff = min(time.Duration(float64(backoff)*cfg.RetryMultiplier), cfg.RetryMaxBackoff)
	}
}

func (e *Executor) circuitBreaker(operation string, classifier ErrorClassifier) *gobreaker.CircuitBreaker[any] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if breaker, ok := e.breakers[operation]; ok {
		return breaker
	}

	listener := e.listener
	settings := gobreaker.Settings{
		Name:        operation,
		MaxRequests: e.cfg.BreakerHalfOpenMaxCalls,
		Timeout:     e.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < e.cfg.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= e.cfg.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classifier(err).RecordFailure
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
			if listener != nil {
				listener(name, from, to)
			}
		},
	}

	breaker := gobreaker.NewCircuitBreaker[any](settings)
	e.breakers[operation] = breaker
	return breaker
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// ClassifyContext treats caller cancellation as neither retryable nor a
// dependency failure, and falls back to next for everything else.
func ClassifyContext(next ErrorClassifier) ErrorClassifier {
	return func(err error) ErrorClassification {
		if errors.Is(err, context.Canceled) {
			return ErrorClassification{}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrorClassification{RecordFailure: true}
		}
		if next == nil {
			return defaultClassifier(err)
		}
		return next(err)
	}
}

func defaultClassifier(error) ErrorClassification {
	return ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}
