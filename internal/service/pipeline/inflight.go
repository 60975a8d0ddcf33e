package pipeline

import "sync"

// InFlightSet records which query keys currently have an active background
// fetch or refresh. A second trigger for a held key is dropped, never
// queued; callers re-trigger later if they still need fresher state.
type InFlightSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewInFlightSet() *InFlightSet {
	return &InFlightSet{keys: map[string]struct{}{}}
}

// TryAcquire claims key. It returns false when key is already held.
func (s *InFlightSet) TryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.keys[key]; held {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

// Release drops key. Releasing an unheld key is a no-op.
func (s *InFlightSet) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

// Held reports whether key is currently claimed.
func (s *InFlightSet) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.keys[key]
	return held
}
