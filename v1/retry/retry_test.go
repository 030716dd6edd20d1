package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	muterrors "github.com/mirkobrombin/go-mutex/v1/errors"
)

func TestExecuteReturnsLastResult(t *testing.T) {
	calls := 0
	res, err := Execute(context.Background(), New(time.Second), func(ctx context.Context, end func()) (int, error) {
		calls++
		if calls == 3 {
			end()
		}
		return calls * 10, nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res != 30 || calls != 3 {
		t.Fatalf("expected result 30 after 3 calls, got %d after %d", res, calls)
	}
}

func TestExecuteTimeout(t *testing.T) {
	start := time.Now()
	_, err := Execute(context.Background(), New(500*time.Millisecond), func(ctx context.Context, end func()) (struct{}, error) {
		return struct{}{}, nil
	})
	elapsed := time.Since(start)
	if !errors.Is(err, muterrors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	var ae *muterrors.AcquireError
	if !errors.As(err, &ae) || ae.Timeout != 500*time.Millisecond {
		t.Fatalf("expected acquire error carrying timeout, got %#v", err)
	}
	if elapsed < 500*time.Millisecond || elapsed > 600*time.Millisecond {
		t.Fatalf("expected timeout after ~0.5s, took %s", elapsed)
	}
}

func TestExecuteNegativeTimeout(t *testing.T) {
	called := false
	_, err := Execute(context.Background(), New(-time.Second), func(ctx context.Context, end func()) (struct{}, error) {
		called = true
		return struct{}{}, nil
	})
	if !errors.Is(err, muterrors.ErrInvalidTimeout) {
		t.Fatalf("expected invalid timeout, got %v", err)
	}
	if called {
		t.Fatal("step must not run with a negative timeout")
	}
}

func TestExecuteZeroTimeoutRunsOnce(t *testing.T) {
	calls := 0
	_, err := Execute(context.Background(), New(0), func(ctx context.Context, end func()) (struct{}, error) {
		calls++
		return struct{}{}, nil
	})
	if !errors.Is(err, muterrors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one attempt, got %d", calls)
	}
}

func TestExecuteStepErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := Execute(context.Background(), New(time.Second), func(ctx context.Context, end func()) (struct{}, error) {
		calls++
		return struct{}{}, boom
	})
	if err != boom {
		t.Fatalf("expected step error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no retry on error, got %d calls", calls)
	}
}

func TestExecuteContextCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Execute(ctx, New(time.Minute), func(ctx context.Context, end func()) (struct{}, error) {
		return struct{}{}, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) || !muterrors.IsAcquire(err) {
		t.Fatalf("expected canceled acquire error, got %v", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("loop did not respect context cancellation")
	}
}

func TestBackoffBounds(t *testing.T) {
	l := New(time.Second, WithBackoff(time.Millisecond, 10*time.Millisecond), WithFactor(2))
	for i := 0; i < 10; i++ {
		d := l.backoff(i, time.Second)
		if d < time.Millisecond || d > 10*time.Millisecond {
			t.Fatalf("iteration %d: backoff %s out of bounds", i, d)
		}
	}
	if d := l.backoff(20, 2*time.Millisecond); d > 2*time.Millisecond {
		t.Fatalf("backoff %s exceeds remaining time", d)
	}
}
