package worker

import "time"

// Timer is a cancellable delayed call.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall-clock time and timer creation so the scheduler's
// timer chains can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
