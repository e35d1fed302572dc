package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

func fastConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	}
}

func TestRunRetriesTemporaryFailureAndReturnsValue(t *testing.T) {
	exec := NewExecutor(fastConfig())

	attempts := 0
	errTemp := errors.New("temporary")
	got, err := Run(context.Background(), exec, Call{
		Operation: "storage.get",
		Classifier: func(err error) ErrorClassification {
			return ErrorClassification{Retryable: errors.Is(err, errTemp), RecordFailure: true}
		},
	}, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errTemp
		}
		return "blob", nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got != "blob" || attempts != 3 {
		t.Fatalf("expected blob after 3 attempts, got %q after %d", got, attempts)
	}
}

func TestRunSingleAttemptSkipsRetries(t *testing.T) {
	exec := NewExecutor(fastConfig())

	attempts := 0
	errTemp := errors.New("temporary")
	_, err := Run(context.Background(), exec, Call{
		Operation:     "vision.analyze",
		SingleAttempt: true,
		Classifier: func(error) ErrorClassification {
			return ErrorClassification{Retryable: true, RecordFailure: true}
		},
	}, func(context.Context) (string, error) {
		attempts++
		return "", errTemp
	})
	if !errors.Is(err, errTemp) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(fastConfig())

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), Call{Operation: "op"}, func(context.Context) error {
		attempts++
		return errPermanent
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     1 * time.Millisecond,
		RetryMaxBackoff:         1 * time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      time.Minute,
		BreakerHalfOpenMaxCalls: 1,
	})
	var transitions []gobreaker.State
	exec.WithStateListener(func(_ string, _, to gobreaker.State) {
		transitions = append(transitions, to)
	})

	errTemp := errors.New("temporary")
	call := Call{Operation: "vision.analyze"}
	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), call, func(context.Context) error {
			return errTemp
		})
		if !errors.Is(err, errTemp) {
			t.Fatalf("expected temporary error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), call, func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("open circuit must surface as ErrTemporary, got %v", err)
	}
	if exec.State("vision.analyze") != gobreaker.StateOpen {
		t.Fatalf("expected open state, got %s", exec.State("vision.analyze"))
	}
	if len(transitions) != 1 || transitions[0] != gobreaker.StateOpen {
		t.Fatalf("expected one transition to open, got %v", transitions)
	}
}

func TestClassifyContextIgnoresCancellation(t *testing.T) {
	classify := ClassifyContext(func(error) ErrorClassification {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	})

	if got := classify(context.Canceled); got.Retryable || got.RecordFailure {
		t.Fatalf("cancellation must not be retried or recorded: %+v", got)
	}
	if got := classify(context.DeadlineExceeded); got.Retryable || !got.RecordFailure {
		t.Fatalf("deadline must be recorded without retry: %+v", got)
	}
	if got := classify(errors.New("boom")); !got.Retryable {
		t.Fatalf("other errors must fall through: %+v", got)
	}
}
