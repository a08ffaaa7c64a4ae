// Package sessions tracks the live agent sessions inside the daemon, keyed
// by the relay-level session id devices refer to.
package sessions

import (
	"sort"
	"sync"
	"time"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// Registry is a thread-safe set of live sessions. Only the daemon mutates
// it; device actions look sessions up.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*models.AgentSession // key: session ID
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*models.AgentSession),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Open records a live session. Opening an id that is already live keeps its
// start time and refreshes the rest.
func (r *Registry) Open(sessionID, cwd string) models.AgentSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if s, ok := r.sessions[sessionID]; ok {
		if cwd != "" {
			s.Cwd = cwd
		}
		s.LastActivity = now
		return *s
	}
	s := &models.AgentSession{
		SessionID:    sessionID,
		Cwd:          cwd,
		StartedAt:    now,
		LastActivity: now,
	}
	r.sessions[sessionID] = s
	return *s
}

// Close forgets a session. It reports whether the session was live.
func (r *Registry) Close(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return false
	}
	delete(r.sessions, sessionID)
	return true
}

// Get returns a live session.
func (r *Registry) Get(sessionID string) (models.AgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return models.AgentSession{}, false
	}
	return *s, true
}

// Touch bumps a session's last activity. It reports whether the session was live.
func (r *Registry) Touch(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if ok {
		s.LastActivity = r.now()
	}
	return ok
}

// List returns every live session, oldest first.
func (r *Registry) List() []models.AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]models.AgentSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].SessionID < result[j].SessionID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// Reset drops every session, as when the agent process goes away, and
// returns how many there were.
func (r *Registry) Reset() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.sessions)
	r.sessions = make(map[string]*models.AgentSession)
	return n
}
