package common

import (
	"math/rand"
	"sync"
	"time"
)

type TimerHandle struct {
	timer   *time.Timer
	lock    sync.Mutex
	stopped bool
}

// Stop stops the timer without waiting for it to complete if it's already running
func (t *TimerHandle) Stop() {
	t.lock.Lock()
	t.stopped = true
	t.lock.Unlock()
	t.timer.Stop()
}

func ScheduleTimer(delay time.Duration, randomise bool, action func()) *TimerHandle {
	if randomise {
		// The first time, we schedule a random delay, to stop all timers at startup firing at same time
		delay = time.Duration(rand.Intn(int(delay)))
	}
	var handle TimerHandle
	handle.timer = time.AfterFunc(delay, func() {
		handle.lock.Lock()
		defer handle.lock.Unlock()
		if handle.stopped {
			return
		}
		action()
	})
	return &handle
}

// NowMillis returns wall-clock time in milliseconds, the resolution all
// ingestion timestamps are kept in.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
