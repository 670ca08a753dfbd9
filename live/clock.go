package live

import "time"

// Clock schedules the client's timers. AfterFunc returns a stop function
// with time.Timer.Stop semantics.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, f func()) (stop func() bool)
}

type systemClock struct{}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(delay time.Duration, f func()) func() bool {
	return time.AfterFunc(delay, f).Stop
}
