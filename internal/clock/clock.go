// Package clock abstracts the timer facility used by the capture session.
//
// Production code uses Real(); tests use Fake() and move time forward
// explicitly with Advance, so idle windows and scan deadlines can be
// exercised without sleeping.
package clock

import "time"

// Clock schedules and cancels delayed actions.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed. The returned Timer can
	// cancel the pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the Timer from firing. It reports whether the call
// stopped the timer; false means it already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	return t.stopFunc()
}

// Reset reschedules the timer to fire after d. It reports whether the
// timer was active.
func (t *Timer) Reset(d time.Duration) bool {
	if t == nil {
		return false
	}
	return t.resetFunc(d)
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{
		stopFunc:  timer.Stop,
		resetFunc: timer.Reset,
	}
}
