package utils

import (
	"sync"
	"time"
)

type IntervalTimer interface {
	Stop()
}

type timeInterval struct {
	quit     chan struct{}
	stopOnce sync.Once
}

// Stop ends the interval. It does not wait for a running tick to return.
func (t *timeInterval) Stop() {
	t.stopOnce.Do(func() { close(t.quit) })
}

// SetIntervalTimer calls function every duration on its own goroutine until
// the returned timer is stopped.
func SetIntervalTimer(duration time.Duration, function func()) IntervalTimer {
	ticker := time.NewTicker(duration)
	t := &timeInterval{quit: make(chan struct{})}
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				function()
			case <-t.quit:
				return
			}
		}
	}()
	return t
}
