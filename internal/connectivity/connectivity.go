// Package connectivity abstracts the platform's connectivity transition
// signals so the offline layer can subscribe without knowing the runtime
// environment. The flag is pushed, never polled.
package connectivity

import "sync"

// Source emits connectivity transitions to subscribers.
type Source interface {
	// Online reports the last known connectivity state.
	Online() bool

	// Subscribe registers a listener for transitions. The listener is
	// invoked with the new state on every change. The returned cancel
	// function removes the listener.
	Subscribe(listener func(online bool)) (cancel func())
}

// StaticSource is a Source driven manually through SetOnline. It backs
// tests and embedders that surface their own connectivity events.
type StaticSource struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(online bool)
}

// NewStaticSource creates a source with the given initial state.
func NewStaticSource(online bool) *StaticSource {
	return &StaticSource{
		online:    online,
		listeners: make(map[int]func(online bool)),
	}
}

// Online reports the current state.
func (s *StaticSource) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Subscribe registers a listener for state transitions.
func (s *StaticSource) Subscribe(listener func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = listener

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// SetOnline updates the state and notifies listeners on transition. Setting
// the same state twice is a no-op.
func (s *StaticSource) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online

	listeners := make([]func(online bool), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	// Listeners run outside the lock; they may call back into the source.
	for _, l := range listeners {
		l(online)
	}
}
