package flow

import (
	"context"
	"sync"
)

// Registry holds the per-client-session flow states. A second browser tab
// presents a different client session and therefore gets its own attempt.
type Registry struct {
	mu        sync.Mutex
	states    map[string]*State
	onAbandon func(ctx context.Context, clientSession string)
}

func NewRegistry(onAbandon func(ctx context.Context, clientSession string)) *Registry {
	return &Registry{
		states:    make(map[string]*State),
		onAbandon: onAbandon,
	}
}

// Get returns the state for a client session, creating an idle one on
// first use.
func (r *Registry) Get(clientSession string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[clientSession]; ok {
		return st
	}
	st := NewState(func(ctx context.Context) {
		if r.onAbandon != nil {
			r.onAbandon(ctx, clientSession)
		}
	})
	r.states[clientSession] = st
	return st
}

// Peek returns the state only if it already exists.
func (r *Registry) Peek(clientSession string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[clientSession]
	return st, ok
}

func (r *Registry) Remove(clientSession string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, clientSession)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}
