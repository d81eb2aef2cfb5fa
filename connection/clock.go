package connection

import "time"

// Timer is a cancellable delayed task.
type Timer interface {
	// Stop prevents the task from running. It reports whether the call
	// stopped the task before it ran.
	Stop() bool
}

// Clock supplies time and delayed tasks to the controller.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock returns a Clock backed by the time package. Times are UTC.
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
