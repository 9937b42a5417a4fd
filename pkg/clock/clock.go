// Package clock abstracts wall time and timers so that sync loops can be
// driven deterministically in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Timer is a cancelable one-shot or repeating callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call stopped a live timer.
	Stop() bool
}

// Clock provides the current time and callback timers.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once after d.
	AfterFunc(d time.Duration, f func()) Timer
	// Every calls f every d until the returned Timer is stopped.
	Every(d time.Duration, f func()) Timer
	// Sleep pauses for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) Every(d time.Duration, f func()) Timer {
	t := &repeating{stop: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				// A Stop that raced with the tick wins.
				select {
				case <-t.stop:
					return
				default:
				}
				f()
			}
		}
	}()
	return t
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// repeating is safe to stop from inside its own callback.
type repeating struct {
	once sync.Once
	stop chan struct{}
}

func (r *repeating) Stop() bool {
	stopped := false
	r.once.Do(func() {
		close(r.stop)
		stopped = true
	})
	return stopped
}

// WithSkew returns a Clock whose Now is offset by skew from base. Timers are
// delegated unchanged, so only the reported wall time is skewed.
func WithSkew(base Clock, skew time.Duration) Clock {
	return skewed{Clock: base, skew: skew}
}

type skewed struct {
	Clock
	skew time.Duration
}

func (s skewed) Now() time.Time { return s.Clock.Now().Add(s.skew) }
