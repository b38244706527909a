// Package sessions tracks open live interview connections so shutdown can
// warn and drain them, and so a reconnecting client session displaces its
// previous connection instead of running two.
package sessions

import (
	"context"
	"sync"
)

type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

type Tracker struct {
	mu          sync.Mutex
	connections map[string]*trackedConn
	wg          sync.WaitGroup
}

type trackedConn struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		connections: make(map[string]*trackedConn),
	}
}

// Register claims the client session's connection slot. An existing
// connection for the same client session is canceled and unregistered
// first; the tab that connected last wins.
func (t *Tracker) Register(clientSession string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedConn{handle: h}

	t.mu.Lock()
	if t.connections == nil {
		t.connections = make(map[string]*trackedConn)
	}
	old := t.connections[clientSession]
	t.connections[clientSession] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		if old.handle.Cancel != nil {
			old.handle.Cancel()
		}
		t.unregister(clientSession, old)
	}

	return func() { t.unregister(clientSession, entry) }
}

func (t *Tracker) unregister(clientSession string, entry *trackedConn) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.connections != nil && t.connections[clientSession] == entry {
			delete(t.connections, clientSession)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connections)
}

func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.connections {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.connections {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every tracked connection has unregistered or the
// context expires.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
