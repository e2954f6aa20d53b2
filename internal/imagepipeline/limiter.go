package imagepipeline

import (
	"sync/atomic"
	"time"
)

// limiter caps concurrent downloads. The cap is lower during bootstrap,
// which ends on EndBootstrap or once the deadline passes. Start attempts that
// hit the cap are retried later by the caller; nothing queues here.
type limiter struct {
	active       atomic.Int32
	steadyCap    int32
	bootstrapCap int32

	bootstrapping atomic.Bool
	deadline      time.Time // zero means no deadline
	now           func() time.Time
}

func newLimiter(steadyCap, bootstrapCap int, bootstrapFor time.Duration, now func() time.Time) *limiter {
	l := &limiter{
		steadyCap:    int32(steadyCap),
		bootstrapCap: int32(bootstrapCap),
		now:          now,
	}
	if bootstrapFor > 0 {
		l.deadline = now().Add(bootstrapFor)
	}
	l.bootstrapping.Store(true)
	return l
}

func (l *limiter) cap() int32 {
	if !l.bootstrapping.Load() {
		return l.steadyCap
	}
	if !l.deadline.IsZero() && !l.now().Before(l.deadline) {
		l.bootstrapping.Store(false)
		return l.steadyCap
	}
	return l.bootstrapCap
}

// TryAcquire takes a slot if one is free.
func (l *limiter) TryAcquire() bool {
	limit := l.cap()
	for {
		cur := l.active.Load()
		if cur >= limit {
			return false
		}
		if l.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot taken by TryAcquire.
func (l *limiter) Release() {
	if l.active.Add(-1) < 0 {
		l.active.Store(0)
	}
}

func (l *limiter) EndBootstrap() {
	l.bootstrapping.Store(false)
}

func (l *limiter) Bootstrapping() bool {
	l.cap()
	return l.bootstrapping.Load()
}

func (l *limiter) Active() int {
	return int(l.active.Load())
}
