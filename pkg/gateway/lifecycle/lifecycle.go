// Package lifecycle gates request admission during process shutdown.
package lifecycle

import "sync/atomic"

// Lifecycle tracks whether the gateway has begun draining. Once draining,
// new live call upgrades are refused with a retry hint so shutdown only
// has to wait out calls that are already connected. Draining is one-way
// for the life of the process.
type Lifecycle struct {
	draining atomic.Bool
}

// BeginDrain marks the process as draining. Calling it again is a no-op.
func (l *Lifecycle) BeginDrain() {
	if l == nil {
		return
	}
	l.draining.Store(true)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
