package domain

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy bounds how often a conflicting aggregate mutation is re-read and re-applied.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 4, BaseDelay: 20 * time.Millisecond}
}

// retryOnConflict runs fn until it stops returning ErrConcurrentModification or attempts run
// out. fn must re-read state on every call.
func (p RetryPolicy) retryOnConflict(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay := p.BaseDelay << i
		if delay > 0 {
			delay += time.Duration(rand.Int63n(int64(delay)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
