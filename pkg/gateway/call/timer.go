package call

import (
	"sync"
	"time"
)

// Timer counts down the paid interview window. The countdown begins when
// Start is called, which the manager does at the connected event, not at
// page load, so a slow connect never eats into practice time.
type Timer struct {
	mu        sync.Mutex
	active    bool
	startTime time.Time
	duration  time.Duration
	timer     *time.Timer
	onExpire  func()
}

func NewTimer() *Timer {
	return &Timer{}
}

// Start arms the countdown. onExpire runs at most once per Start; a Cancel
// that lands first wins.
func (t *Timer) Start(d time.Duration, onExpire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.active = true
	t.startTime = time.Now()
	t.duration = d
	t.onExpire = onExpire
	t.timer = time.AfterFunc(d, t.expire)
}

func (t *Timer) expire() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	callback := t.onExpire
	t.mu.Unlock()

	if callback != nil {
		callback()
	}
}

// Cancel stops the countdown without firing. Safe to call repeatedly and
// after expiry.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.active = false
}

func (t *Timer) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Remaining reports the time left before expiry, zero when inactive.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return 0
	}
	remaining := t.duration - time.Since(t.startTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}
