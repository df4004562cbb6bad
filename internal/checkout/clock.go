package checkout

import (
	"sync"
	"time"
)

// Timer is a cancellable scheduled task.
type Timer interface {
	Stop()
}

// Clock schedules the confirmation timers. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f once after d.
	AfterFunc(d time.Duration, f func()) Timer
	// Every runs f every d until stopped. Invocations never overlap.
	Every(d time.Duration, f func()) Timer
}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return stdTimer{t: time.AfterFunc(d, f)}
}

func (systemClock) Every(d time.Duration, f func()) Timer {
	t := &interval{done: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				select {
				case <-t.done:
					return
				default:
				}
				f()
			}
		}
	}()
	return t
}

type stdTimer struct {
	t *time.Timer
}

func (s stdTimer) Stop() {
	s.t.Stop()
}

type interval struct {
	done chan struct{}
	once sync.Once
}

func (i *interval) Stop() {
	i.once.Do(func() { close(i.done) })
}
