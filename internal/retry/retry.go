// Package retry wraps storage operations with bounded exponential
// backoff. Exhausted retries surface as ErrStorage so callers deal with
// a single typed failure instead of raw driver errors.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sretry "github.com/sethvargo/go-retry"
)

// ErrStorage marks a storage operation that kept failing after all
// retry attempts.
var ErrStorage = errors.New("storage operation failed")

const (
	maxAttempts = 5
	baseBackoff = 20 * time.Millisecond
	capBackoff  = 200 * time.Millisecond
)

// Do runs fn up to 5 times with exponential backoff (20ms base, capped
// at 200ms between attempts). Every error is considered transient; on
// exhaustion the last error is returned wrapped in ErrStorage. Absence
// of a record is not an error at this level and must be modelled by fn
// in its result.
func Do[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var out T

	b := sretry.NewExponential(baseBackoff)
	b = sretry.WithCappedDuration(capBackoff, b)
	b = sretry.WithMaxRetries(maxAttempts-1, b)

	err := sretry.Do(ctx, b, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return sretry.RetryableError(err)
		}
		out = v
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	return out, nil
}

// Faults forces failures on named storage operations: Set(op, n) makes
// the next n calls to Take(op) return an error. It simulates flaky
// storage in tests and debug environments; a nil *Faults is inert.
type Faults struct {
	mu        sync.Mutex
	remaining map[string]int
}

// NewFaults returns an empty fault injector.
func NewFaults() *Faults {
	return &Faults{remaining: make(map[string]int)}
}

// Set arms op to fail for the next n calls.
func (f *Faults) Set(op string, n int) {
	f.mu.Lock()
	f.remaining[op] = n
	f.mu.Unlock()
}

// Clear disarms all pending failures.
func (f *Faults) Clear() {
	f.mu.Lock()
	f.remaining = make(map[string]int)
	f.mu.Unlock()
}

// Take consumes one armed failure for op, returning an error while any
// remain.
func (f *Faults) Take(op string) error {
	if f == nil {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining[op] > 0 {
		f.remaining[op]--
		return fmt.Errorf("injected failure for %s", op)
	}
	return nil
}
