package session

import (
	"sort"
	"sync"
)

// Registry maps conversation channel ids to their live sessions. It is the
// single source of truth for whether a channel is an active conversation.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Get(channelID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[channelID]
	return s, ok
}

// Put stores s under channelID, replacing any previous session.
func (r *Registry) Put(channelID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[channelID] = s
}

// PutIfAbsent stores s unless a session is already registered, and returns
// whichever session ends up in the registry.
func (r *Registry) PutIfAbsent(channelID string, s *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[channelID]; ok {
		return existing, false
	}
	r.sessions[channelID] = s
	return s, true
}

// Remove deletes the entry and reports whether one was present.
func (r *Registry) Remove(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[channelID]; !ok {
		return false
	}
	delete(r.sessions, channelID)
	return true
}

// Snapshot returns the registered sessions ordered by channel id.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].channelID < out[j].channelID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Clear empties the registry and returns how many sessions it held.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sessions)
	r.sessions = make(map[string]*Session)
	return n
}
