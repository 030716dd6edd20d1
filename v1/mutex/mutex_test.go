package mutex

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	muterrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/metrics"
)

// fakeBackend implements Acquirer and TokenAcquirer on a map.
type fakeBackend struct {
	mu       sync.Mutex
	keys     map[string]string
	releases int
	failSet  error
	refuse   bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{keys: make(map[string]string)}
}

func (f *fakeBackend) Acquire(ctx context.Context, key string) (bool, error) {
	_, ok, err := f.AcquireWithToken(ctx, key, 0)
	return ok, err
}

func (f *fakeBackend) Release(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	if _, ok := f.keys[key]; !ok || f.refuse {
		return false, nil
	}
	delete(f.keys, key)
	return true, nil
}

func (f *fakeBackend) AcquireWithToken(ctx context.Context, key string, expire time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return "", false, f.failSet
	}
	if _, ok := f.keys[key]; ok {
		return "", false, nil
	}
	token, err := NewToken()
	if err != nil {
		return "", false, err
	}
	f.keys[key] = token
	return token, true, nil
}

func (f *fakeBackend) ReleaseWithToken(ctx context.Context, key, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	if f.keys[key] != token || f.refuse {
		return false, nil
	}
	delete(f.keys, key)
	return true, nil
}

func (f *fakeBackend) held(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok
}

type domainError struct{}

func (domainError) Error() string { return "domain" }

func TestSynchronizedResultPassthrough(t *testing.T) {
	b := newFakeBackend()
	mutexes := map[string]Mutex{
		"spinlock":       NewSpinlockMutex("k", b, time.Second),
		"token spinlock": NewTokenSpinlockMutex("k", b, time.Second, time.Second),
	}
	for name, m := range mutexes {
		t.Run(name, func(t *testing.T) {
			res, err := m.Synchronized(context.Background(), func(ctx context.Context) (any, error) {
				if !b.held("lock:k") {
					t.Error("work ran without the lock")
				}
				return "test", nil
			})
			if err != nil || res != "test" {
				t.Fatalf("expected test, got %v err %v", res, err)
			}
			if b.held("lock:k") {
				t.Fatal("lock not released")
			}
		})
	}
}

func TestSynchronizedErrorPassthrough(t *testing.T) {
	b := newFakeBackend()
	m := NewTokenSpinlockMutex("k", b, time.Second, time.Second)
	_, err := m.Synchronized(context.Background(), func(ctx context.Context) (any, error) {
		return nil, domainError{}
	})
	var de domainError
	if !errors.As(err, &de) {
		t.Fatalf("expected domain error, got %v", err)
	}
	if muterrors.IsRelease(err) || muterrors.IsAcquire(err) {
		t.Fatalf("work error must not be wrapped, got %v", err)
	}
	if b.releases != 1 {
		t.Fatalf("expected exactly one release, got %d", b.releases)
	}
}

func TestSynchronizedAcquireFailure(t *testing.T) {
	b := newFakeBackend()
	b.failSet = errors.New("connection refused")
	m := NewTokenSpinlockMutex("k", b, time.Second, time.Second)
	called := false
	_, err := m.Synchronized(context.Background(), func(ctx context.Context) (any, error) {
		called = true
		return nil, nil
	})
	var aerr *muterrors.AcquireError
	if !errors.As(err, &aerr) || aerr.Code != muterrors.CodeBackend {
		t.Fatalf("expected backend acquire error, got %v", err)
	}
	if !errors.Is(err, b.failSet) {
		t.Fatalf("acquire error should wrap the cause, got %v", err)
	}
	if called {
		t.Fatal("work must not run after an acquire failure")
	}
}

func TestSynchronizedAcquireTimeout(t *testing.T) {
	b := newFakeBackend()
	_, _ = b.Acquire(context.Background(), "lock:k")
	m := NewSpinlockMutex("k", b, 50*time.Millisecond)
	_, err := m.Synchronized(context.Background(), func(ctx context.Context) (any, error) {
		t.Fatal("work must not run")
		return nil, nil
	})
	if !errors.Is(err, muterrors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestSynchronizedReleaseFailureCarriesOutcome(t *testing.T) {
	b := newFakeBackend()
	m := NewTokenSpinlockMutex("k", b, time.Second, time.Second)
	_, err := m.Synchronized(context.Background(), func(ctx context.Context) (any, error) {
		b.refuse = true
		return "partial", domainError{}
	})
	var rerr *muterrors.ReleaseError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected release error, got %v", err)
	}
	if rerr.Result != "partial" {
		t.Fatalf("expected result carried, got %v", rerr.Result)
	}
	if _, ok := rerr.WorkErr.(domainError); !ok {
		t.Fatalf("expected work error carried, got %v", rerr.WorkErr)
	}
	if !errors.Is(err, muterrors.ErrReleaseFailed) || !muterrors.IsRelease(err) {
		t.Fatalf("unexpected error chain %v", err)
	}
}

func TestSynchronizedPanicReleases(t *testing.T) {
	b := newFakeBackend()
	m := NewTokenSpinlockMutex("k", b, time.Second, time.Second)
	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("expected panic to propagate, got %v", r)
			}
		}()
		_, _ = m.Synchronized(context.Background(), func(ctx context.Context) (any, error) {
			panic("boom")
		})
	}()
	if b.held("lock:k") {
		t.Fatal("lock not released after panic")
	}
}

func TestTokenSpinlockExecutedOutsideLock(t *testing.T) {
	b := newFakeBackend()
	m := NewTokenSpinlockMutex("k", b, time.Second, 200*time.Millisecond)
	_, err := m.Synchronized(context.Background(), func(ctx context.Context) (any, error) {
		time.Sleep(201 * time.Millisecond)
		return "late", nil
	})
	var oerr *muterrors.OutsideLockError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected outside lock error, got %v", err)
	}
	if oerr.Elapsed < 200*time.Millisecond || oerr.Elapsed > 300*time.Millisecond {
		t.Fatalf("unexpected elapsed %s", oerr.Elapsed)
	}
	if oerr.Expire != 200*time.Millisecond || oerr.Result != "late" || oerr.Err != nil {
		t.Fatalf("unexpected payload %#v", oerr)
	}
	msg := err.Error()
	if !strings.Contains(msg, "0.2 seconds") || !strings.Contains(msg, "executed for 0.2") {
		t.Fatalf("message should report elapsed and expire timeout: %s", msg)
	}
	if !errors.Is(err, muterrors.ErrOutsideLock) || !muterrors.IsRelease(err) {
		t.Fatalf("unexpected error chain %v", err)
	}
	if b.held("lock:k") {
		t.Fatal("release must be attempted before the expiry check")
	}
}

func TestTokenSpinlockOutsideLockKeepsReleaseError(t *testing.T) {
	b := newFakeBackend()
	m := NewTokenSpinlockMutex("k", b, time.Second, 10*time.Millisecond)
	_, err := m.Synchronized(context.Background(), func(ctx context.Context) (any, error) {
		b.refuse = true
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	var oerr *muterrors.OutsideLockError
	if !errors.As(err, &oerr) || !errors.Is(oerr.Err, muterrors.ErrReleaseFailed) {
		t.Fatalf("expected outside lock error wrapping the release failure, got %v", err)
	}
}

func TestTokenSpinlockRejectsNonPositiveExpire(t *testing.T) {
	m := NewTokenSpinlockMutex("k", newFakeBackend(), time.Second, 0)
	_, err := m.Synchronized(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	})
	if !errors.Is(err, muterrors.ErrInvalidTimeout) {
		t.Fatalf("expected invalid timeout, got %v", err)
	}
}

func TestSynchronizedContextCanceled(t *testing.T) {
	b := newFakeBackend()
	_, _ = b.Acquire(context.Background(), "lock:k")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := NewSpinlockMutex("k", b, time.Minute).Synchronized(ctx, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	var aerr *muterrors.AcquireError
	if !errors.As(err, &aerr) || aerr.Code != muterrors.CodeCanceled || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled acquire error, got %v", err)
	}
}

func TestDoTyped(t *testing.T) {
	m := NewSpinlockMutex("k", newFakeBackend(), time.Second)
	n, err := Do(context.Background(), m, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || n != 42 {
		t.Fatalf("expected 42, got %d err %v", n, err)
	}
}

func TestKeyAndPrefix(t *testing.T) {
	if got := Key("lock", "job"); got != "lock:job" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := Key("", "job"); got != "job" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := NewSpinlock("job", newFakeBackend(), time.Second, WithPrefix("app")).Key(); got != "app:job" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestNewToken(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		tok, err := NewToken()
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if !strings.HasPrefix(tok, tokenPrefix) || len(tok) <= len(tokenPrefix) {
			t.Fatalf("malformed token %q", tok)
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = struct{}{}
	}
}

func TestSynchronizedTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	m := NewSpinlockMutex("k", newFakeBackend(), time.Second, WithTracing())
	if _, err := m.Synchronized(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("synchronized: %v", err)
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "Mutex.Synchronized" {
		t.Fatalf("expected one Mutex.Synchronized span, got %d", len(spans))
	}
}

func holdSamples(t *testing.T) uint64 {
	t.Helper()
	reg := metrics.NewRegistry()
	reg.MustRegister(metrics.HoldDuration)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "mutex_hold_seconds" {
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatal("hold histogram not gathered")
	return 0
}

func TestSynchronizedPanicRecordsHoldAndSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	before := holdSamples(t)
	m := NewTokenSpinlockMutex("k", newFakeBackend(), time.Second, time.Second, WithTracing())
	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("expected panic to propagate, got %v", r)
			}
		}()
		_, _ = m.Synchronized(context.Background(), func(ctx context.Context) (any, error) {
			panic("boom")
		})
	}()

	if got := holdSamples(t); got != before+1 {
		t.Fatalf("expected one hold sample after panic, got %d", got-before)
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Status().Code != codes.Error {
		t.Fatalf("expected one errored span, got %d", len(spans))
	}
}
