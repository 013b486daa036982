package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry owns the active sessions of one room, keyed by peer id.
// Create, Remove and Clear are serialised by a single lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*PeerSession
	sealed   bool

	logger zerolog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*PeerSession),
		logger:   logger,
		now:      time.Now,
	}
}

// Create registers a new session for peerID. It fails with
// ErrDuplicateSession if one already exists.
func (r *Registry) Create(peerID string, role Role, createdBy string) (*PeerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return nil, ErrRegistryClosed
	}
	if _, exists := r.sessions[peerID]; exists {
		return nil, ErrDuplicateSession
	}

	s := newPeerSession(peerID, role, createdBy, r.now(), r.logger)
	r.sessions[peerID] = s
	r.logger.Debug().Str("peer_id", peerID).Str("role", string(role)).Int("count", len(r.sessions)).Msg("Session created")
	return s, nil
}

// Get returns the session for peerID, if any.
func (r *Registry) Get(peerID string) (*PeerSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[peerID]
	return s, ok
}

// Remove closes and discards the session for peerID. Idempotent.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	s, ok := r.sessions[peerID]
	if ok {
		delete(r.sessions, peerID)
	}
	r.mu.Unlock()

	if ok {
		s.close()
		r.logger.Debug().Str("peer_id", peerID).Msg("Session removed")
	}
}

// RemoveSession removes s only if it is still the registered session for its
// peer id, so a stale handle never evicts a newer session. The session is
// closed either way.
func (r *Registry) RemoveSession(s *PeerSession) bool {
	r.mu.Lock()
	current, ok := r.sessions[s.PeerID]
	removed := ok && current == s
	if removed {
		delete(r.sessions, s.PeerID)
	}
	r.mu.Unlock()

	s.close()
	return removed
}

// Clear removes every session.
func (r *Registry) Clear() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*PeerSession)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// Close clears the registry and refuses further Create calls.
func (r *Registry) Close() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
	r.Clear()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns the live sessions ordered by creation time.
func (r *Registry) Sessions() []*PeerSession {
	r.mu.Lock()
	out := make([]*PeerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}
