package registry

import (
	"sync"
	"time"
)

// stickyBinding pins a session to a pipeline until ExpiresAt.
type stickyBinding struct {
	pipelineID string
	expiresAt  time.Time
}

// stickyMap is a concurrent map keyed by session id; entries expire by TTL
// and are swept lazily on lookup rather than by a dedicated sweeper
// goroutine.
type stickyMap struct {
	mu       sync.Mutex
	bindings map[string]stickyBinding
}

func newStickyMap() *stickyMap {
	return &stickyMap{bindings: make(map[string]stickyBinding)}
}

// Lookup returns the bound pipeline ID for a session, if the binding exists
// and has not expired. An expired entry is removed on lookup.
func (s *stickyMap) Lookup(sessionID string, now time.Time) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[sessionID]
	if !ok {
		return "", false
	}
	if now.After(b.expiresAt) {
		delete(s.bindings, sessionID)
		return "", false
	}
	return b.pipelineID, true
}

// Bind pins sessionID to pipelineID for ttl from now, overwriting any
// existing binding.
func (s *stickyMap) Bind(sessionID, pipelineID string, ttl time.Duration, now time.Time) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[sessionID] = stickyBinding{pipelineID: pipelineID, expiresAt: now.Add(ttl)}
}
