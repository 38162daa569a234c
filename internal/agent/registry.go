package agent

import (
	"fmt"
	"sync"
)

// Registry tracks the live sessions owned by this process. Each session
// owns its Conversation exclusively; the registry only hands out
// references.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds a session under the given key. Returns an error if the
// key is taken.
func (r *Registry) Register(key string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[key]; exists {
		return fmt.Errorf("session %s already exists", key)
	}
	r.sessions[key] = s
	return nil
}

// Get returns the session registered under key.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// GetOrCreate returns the session under key, creating it with mk on
// first use. Creation failures are not cached.
func (r *Registry) GetOrCreate(key string, mk func() (*Session, error)) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}
	s, err := mk()
	if err != nil {
		return nil, err
	}
	r.sessions[key] = s
	return s, nil
}

// List returns all registered keys.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	return keys
}

// CloseAll closes every session, waiting for in-flight compactions.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
