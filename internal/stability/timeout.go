package stability

import (
	"sync"
	"time"
)

type timeoutState int

const (
	timeoutArmed timeoutState = iota
	timeoutFired
	timeoutCancelled
)

// Timeout is a single-shot timer whose callback runs at most once and never
// after a successful Cancel. Cancel may be called any number of times, before
// or after the timer fired.
type Timeout struct {
	mu    sync.Mutex
	state timeoutState
	timer *time.Timer
}

// StartTimeout arms a Timeout that calls fn after d.
func StartTimeout(d time.Duration, fn func()) *Timeout {
	t := &Timeout{}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.state != timeoutArmed {
			t.mu.Unlock()
			return
		}
		t.state = timeoutFired
		t.mu.Unlock()

		fn()
	})

	return t
}

// Cancel stops the timer. It reports true only for the call that prevented
// the callback from running.
func (t *Timeout) Cancel() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != timeoutArmed {
		return false
	}
	t.state = timeoutCancelled
	t.timer.Stop()

	return true
}

// Fired reports whether the callback was started.
func (t *Timeout) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == timeoutFired
}
