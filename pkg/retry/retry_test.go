package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/bardlex/gopp/pkg/errors"
)

func fastConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("Do() error = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrorTypeNetwork, "op", "transient")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Do() error = %v, want nil after recovery", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return errors.New(errors.ErrorTypeValidation, "op", "bad input")
	})

	if err == nil {
		t.Error("Do() error = nil, want validation error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (non-retryable errors must not be retried)", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return errors.New(errors.ErrorTypeNetwork, "op", "always failing")
	})

	if err == nil {
		t.Error("Do() error = nil after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want MaxAttempts = 3", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Do(ctx, &Config{
		MaxAttempts: 10,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
		Multiplier:  2.0,
	}, func() error {
		calls++
		cancel()
		return errors.New(errors.ErrorTypeNetwork, "op", "transient")
	})

	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancellation must stop the loop)", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(), func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New(errors.ErrorTypeNetwork, "op", "transient")
		}
		return 42, nil
	})

	if err != nil {
		t.Fatalf("DoWithResult() error = %v", err)
	}
	if got != 42 {
		t.Errorf("DoWithResult() = %d, want 42", got)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDoWithResultNonRetryable(t *testing.T) {
	_, err := DoWithResult(context.Background(), fastConfig(), func() (string, error) {
		return "", errors.New(errors.ErrorTypeProving, "op", "fatal")
	})

	if err == nil {
		t.Error("DoWithResult() error = nil, want proving error")
	}
}

func TestDoNilConfigUsesDefaults(t *testing.T) {
	err := Do(context.Background(), nil, func() error { return nil })
	if err != nil {
		t.Errorf("Do(nil config) error = %v, want nil", err)
	}
}

func TestCalculateDelay(t *testing.T) {
	cfg := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Jitter:     false,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second}, // capped
		{10, time.Second},
	}

	for _, tt := range tests {
		if got := cfg.calculateDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestCalculateDelayJitterBounds(t *testing.T) {
	cfg := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	for i := 0; i < 50; i++ {
		delay := cfg.calculateDelay(1)
		if delay < 200*time.Millisecond || delay > 220*time.Millisecond {
			t.Fatalf("calculateDelay(1) = %v, want within [200ms, 220ms]", delay)
		}
	}
}
