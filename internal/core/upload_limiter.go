package core

// upload_limiter.go bounds how many files are ingested at once.
//
// Each ingest holds a slot from a counting semaphore for its whole parse.
// A request that cannot get a slot within maxWait fails with
// ErrTooManyUploads. Drain lets shutdown wait for in-flight ingests.

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTooManyUploads is returned when no ingest slot frees up in time.
var ErrTooManyUploads = errors.New("too many uploads in progress")

// Limiter defaults.
const (
	DefaultMaxConcurrentUploads = 5
	DefaultUploadWait           = 30 * time.Second
)

// UploadLimiter is a counting semaphore for ingests.
type UploadLimiter struct {
	slots   chan struct{}
	maxWait time.Duration

	active   atomic.Int64
	inFlight sync.WaitGroup
}

// NewUploadLimiter allows maxConcurrent ingests; callers wait up to
// maxWait for a slot.
func NewUploadLimiter(maxConcurrent int, maxWait time.Duration) *UploadLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentUploads
	}
	if maxWait <= 0 {
		maxWait = DefaultUploadWait
	}
	return &UploadLimiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
	}
}

// Acquire waits for a slot. The returned release func must be called
// exactly once per success; extra calls are ignored.
func (l *UploadLimiter) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case l.slots <- struct{}{}:
		return l.hold(), nil
	default:
	}

	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
		return l.hold(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTooManyUploads
	}
}

// TryAcquire takes a slot only if one is free now.
func (l *UploadLimiter) TryAcquire() (release func(), ok bool) {
	select {
	case l.slots <- struct{}{}:
		return l.hold(), true
	default:
		return nil, false
	}
}

func (l *UploadLimiter) hold() func() {
	l.active.Add(1)
	l.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.active.Add(-1)
			<-l.slots
			l.inFlight.Done()
		})
	}
}

// Active returns the number of ingests holding a slot.
func (l *UploadLimiter) Active() int { return int(l.active.Load()) }

// Drain blocks until every held slot is released or ctx is done.
func (l *UploadLimiter) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UploadLimiterStatus is a point-in-time view of the limiter.
type UploadLimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"maxConcurrent"`
}

// Status reports current usage.
func (l *UploadLimiter) Status() UploadLimiterStatus {
	return UploadLimiterStatus{
		Active:        l.Active(),
		Available:     cap(l.slots) - len(l.slots),
		MaxConcurrent: cap(l.slots),
	}
}
