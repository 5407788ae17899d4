package llm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultFailureThreshold is how many back-to-back failed requests mark a
// backend as failing.
const DefaultFailureThreshold = 3

var (
	// ErrMockBackend means replies are echoed locally, not generated.
	ErrMockBackend = errors.New("mock backend in use")

	// ErrBackendFailing means the most recent requests all failed.
	ErrBackendFailing = errors.New("llm backend failing")
)

// Tracker is an Observer that counts consecutive failed requests and
// forwards every observation to the next Observer.
type Tracker struct {
	next      Observer
	threshold int64
	failures  atomic.Int64
}

// NewTracker wraps next, which may be nil. A non-positive threshold means
// DefaultFailureThreshold.
func NewTracker(next Observer, threshold int) *Tracker {
	if next == nil {
		next = nopObserver{}
	}
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Tracker{next: next, threshold: int64(threshold)}
}

func (t *Tracker) ObserveProviderRequest(provider, status string, elapsed time.Duration) {
	if status == "ok" {
		t.failures.Store(0)
	} else {
		t.failures.Add(1)
	}
	t.next.ObserveProviderRequest(provider, status, elapsed)
}

// ConsecutiveFailures returns the number of failures since the last success.
func (t *Tracker) ConsecutiveFailures() int {
	return int(t.failures.Load())
}

// HealthCheck returns a check that fails when p is the local mock or when
// tracker has seen its threshold of consecutive failures.
func HealthCheck(p Provider, tracker *Tracker) func(ctx context.Context) error {
	return func(context.Context) error {
		if _, ok := p.(*MockProvider); ok {
			return ErrMockBackend
		}
		if n := tracker.failures.Load(); n >= tracker.threshold {
			return fmt.Errorf("%w: %d consecutive errors from %s", ErrBackendFailing, n, p.Name())
		}
		return nil
	}
}
