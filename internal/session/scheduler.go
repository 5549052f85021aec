// internal/session/scheduler.go
// Timers for the typing debounce and the call ring timeout go through one
// injectable scheduler so tests can advance virtual time instead of racing
// real timers.

package session

import "time"

// CancelFunc stops a scheduled callback. Safe to call after firing.
type CancelFunc func()

// Scheduler runs a callback once after a delay
type Scheduler interface {
	After(d time.Duration, fn func()) CancelFunc
}

type systemScheduler struct{}

// NewScheduler returns the wall-clock scheduler
func NewScheduler() Scheduler {
	return systemScheduler{}
}

func (systemScheduler) After(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
