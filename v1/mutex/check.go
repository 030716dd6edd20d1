package mutex

import "context"

// Predicate is the condition guarded by a DoubleCheck.
type Predicate func(ctx context.Context) (bool, error)

// Skipped is returned by DoubleCheck.Then when the condition does not hold
// and no fallback was given.
type Skipped struct{}

// DoubleCheck evaluates a condition before locking and again while holding
// the lock, so the lock is only paid for when there is work to do.
type DoubleCheck struct {
	mutex Mutex
	check Predicate
}

// Check returns a DoubleCheck running under m.
func Check(m Mutex, check Predicate) *DoubleCheck {
	return &DoubleCheck{mutex: m, check: check}
}

// Then runs onSuccess under the lock if check holds both before and after
// acquiring it. Otherwise onFail runs, outside the lock if the first check
// failed and inside it if the second did. A nil onFail yields Skipped{}.
func (d *DoubleCheck) Then(ctx context.Context, onSuccess, onFail Work) (any, error) {
	ok, err := d.check(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return fallback(ctx, onFail)
	}
	return d.mutex.Synchronized(ctx, func(ctx context.Context) (any, error) {
		ok, err := d.check(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return fallback(ctx, onFail)
		}
		return onSuccess(ctx)
	})
}

func fallback(ctx context.Context, onFail Work) (any, error) {
	if onFail == nil {
		return Skipped{}, nil
	}
	return onFail(ctx)
}
