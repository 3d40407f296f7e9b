// Package clock provides the time source used across the app so that
// "now" can be shifted deterministically in tests and debug environments.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

// Now returns the current wall-clock time.
func (System) Now() time.Time {
	return time.Now()
}

// Offset is a wall clock with an additive, resettable delta. The delta
// is process-wide and safe for concurrent use.
type Offset struct {
	mu    sync.RWMutex
	delta time.Duration
}

// NewOffset returns an Offset clock with a zero delta.
func NewOffset() *Offset {
	return &Offset{}
}

// Now returns the wall-clock time shifted by the current delta.
func (o *Offset) Now() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return time.Now().Add(o.delta)
}

// Set sets the delta added to every Now() call.
func (o *Offset) Set(delta time.Duration) {
	o.mu.Lock()
	o.delta = delta
	o.mu.Unlock()
}

// Clear resets the delta to zero.
func (o *Offset) Clear() {
	o.Set(0)
}

// Delta returns the currently configured delta.
func (o *Offset) Delta() time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.delta
}
