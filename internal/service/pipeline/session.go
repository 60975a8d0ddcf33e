package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

// Session memoizes pipeline results for one UI session. Results are keyed
// by query id, canonical variable JSON, and the month-window key, so the
// same trigger repeated within a session never re-fetches. Stored and
// returned values are deep copies; handing a result to a caller can never
// poison the memo.
type Session struct {
	mu         sync.Mutex
	results    map[string]domain.PipelineResult
	transforms map[string]struct{}
}

func NewSession() *Session {
	return &Session{
		results:    map[string]domain.PipelineResult{},
		transforms: map[string]struct{}{},
	}
}

// Lookup returns a copy of the memoized result for key, if present.
func (s *Session) Lookup(key string) (domain.PipelineResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[key]
	if !ok {
		return nil, false
	}
	clone, err := result.Clone()
	if err != nil {
		return nil, false
	}
	return clone, true
}

// Store memoizes a copy of result under key. A result that cannot be
// cloned is not memoized; the next trigger fetches again.
func (s *Session) Store(key string, result domain.PipelineResult) {
	clone, err := result.Clone()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[key] = clone
}

// BeginTransform claims the single transformer slot for one raw-data
// instance. It returns false when a transform for the same input is
// already running, in which case the caller skips the transformer and
// uses the raw data.
func (s *Session) BeginTransform(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.transforms[key]; running {
		return false
	}
	s.transforms[key] = struct{}{}
	return true
}

func (s *Session) EndTransform(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transforms, key)
}

// Len reports the number of memoized results.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// Manager hands out per-session execution contexts. Resetting a session
// is the supported way to force clean re-execution without touching the
// persistent cache.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: map[string]*Session{}}
}

// Session returns the context for id, creating it on first use.
func (m *Manager) Session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := NewSession()
	m.sessions[id] = s
	return s
}

// Reset discards the context for id. The next Session call starts fresh.
func (m *Manager) Reset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// sessionKey builds the memoization key for one pipeline input. Map keys
// marshal in sorted order, so the variable encoding is canonical.
func sessionKey(queryID string, vars map[string]any, windowKey string) string {
	encoded, err := json.Marshal(vars)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", vars))
	}
	return queryID + "|" + string(encoded) + "|" + windowKey
}
