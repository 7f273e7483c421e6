package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestEscrowd_Retry_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestEscrowd_Retry_SuccessAfterTransientFailures(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 3, BaseBackoff: 5 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	attempts := 0
	got, err := DoValue(context.Background(), cfg, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("connection reset by peer")
		}
		return 42, nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestEscrowd_Retry_NonTransientStopsImmediately(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 5, BaseBackoff: 5 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	permanent := errors.New("signature verification failed")
	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestEscrowd_Retry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 3, BaseBackoff: 5 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	transient := errors.New("rate limit exceeded")
	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return transient
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, transient) {
		t.Errorf("expected wrapped transient error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestEscrowd_Retry_ContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, BaseBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}
	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("connection refused")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return http.StatusText(e.code) }
func (e *statusErr) StatusCode() int { return e.code }

func TestEscrowd_Retry_IsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"http 429", &statusErr{http.StatusTooManyRequests}, true},
		{"http 503", &statusErr{http.StatusServiceUnavailable}, true},
		{"http 400", &statusErr{http.StatusBadRequest}, false},
		{"validation", errors.New("unknown milestone"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestEscrowd_Retry_BackoffWithinJitterBounds(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		got := calculateBackoff(500*time.Millisecond, 5*time.Second, 2)
		if got < time.Second || got > 2*time.Second {
			t.Fatalf("backoff %v outside [1s, 2s]", got)
		}
	}
}
