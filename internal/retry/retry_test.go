package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsEventually(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 3, Backoff: func(int) time.Duration { return 0 }}
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 3, Backoff: func(int) time.Duration { return 0 }}
	err := p.Do(context.Background(), func() error {
		calls++
		return errors.New("permanent failure")
	})
	if err == nil {
		t.Fatal("Do() = nil, want error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoRespectsShouldRetry(t *testing.T) {
	calls := 0
	p := Policy{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return 0 },
		ShouldRetry: func(err error) bool { return false },
	}
	err := p.Do(context.Background(), func() error {
		calls++
		return errors.New("non-retryable")
	})
	if err == nil {
		t.Fatal("Do() = nil, want error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (ShouldRetry should stop further attempts)", calls)
	}
}

func TestDoCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 3, Backoff: func(int) time.Duration { return time.Hour }}
	calls := 0
	err := p.Do(ctx, func() error {
		calls++
		return errors.New("fail")
	})
	if err != context.Canceled {
		t.Fatalf("Do() = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestExponential(t *testing.T) {
	b := Exponential(time.Second)
	if got := b(0); got != time.Second {
		t.Errorf("Exponential(1s)(0) = %v, want 1s", got)
	}
	if got := b(3); got != 8*time.Second {
		t.Errorf("Exponential(1s)(3) = %v, want 8s", got)
	}
}
