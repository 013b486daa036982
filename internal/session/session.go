// Package session holds the per-peer negotiation state and the registry that
// enforces at most one session per peer id.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/transport"
	"github.com/rs/zerolog"
)

// Role is the side a session plays in the negotiation.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleAggregator  Role = "aggregator"
)

// PeerSession is the state of one negotiated connection.
//
// All field mutations go through the session's own lock; sessions never
// coordinate with each other.
type PeerSession struct {
	PeerID    string
	Role      Role
	CreatedAt time.Time
	CreatedBy string

	mu                   sync.Mutex
	transport            transport.Transport
	localDescriptionSet  bool
	remoteDescriptionSet bool
	remote               models.SessionDescription
	pending              []models.IceCandidate
	control              models.ControlState
	connected            bool
	closed               bool
	done                 chan struct{}

	// serialises control read-modify-write cycles
	controlMu sync.Mutex

	logger zerolog.Logger
}

func newPeerSession(peerID string, role Role, createdBy string, now time.Time, logger zerolog.Logger) *PeerSession {
	return &PeerSession{
		PeerID:    peerID,
		Role:      role,
		CreatedAt: now,
		CreatedBy: createdBy,
		control:   models.DefaultControls(),
		done:      make(chan struct{}),
		logger:    logger.With().Str("peer_id", peerID).Str("role", string(role)).Logger(),
	}
}

// Attach binds the transport carrying this session. If the session was
// already removed, tr is closed and ErrSessionClosed returned.
func (s *PeerSession) Attach(tr transport.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		_ = tr.Close()
		return ErrSessionClosed
	}
	if s.transport != nil {
		return fmt.Errorf("session %s: transport already attached", s.PeerID)
	}
	s.transport = tr
	return nil
}

// Transport returns the attached transport, or nil.
func (s *PeerSession) Transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// CreateOffer generates the local offer and marks the local description set.
func (s *PeerSession) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	return s.createLocal(ctx, transport.Transport.CreateOffer)
}

// CreateAnswer generates the local answer and marks the local description set.
func (s *PeerSession) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	return s.createLocal(ctx, transport.Transport.CreateAnswer)
}

func (s *PeerSession) createLocal(ctx context.Context, create func(transport.Transport, context.Context) (models.SessionDescription, error)) (models.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return models.SessionDescription{}, err
	}
	if s.localDescriptionSet {
		return models.SessionDescription{}, ErrLocalDescriptionSet
	}

	desc, err := create(s.transport, ctx)
	if err != nil {
		return models.SessionDescription{}, err
	}
	s.localDescriptionSet = true
	return desc, nil
}

// ApplyRemoteDescription sets desc as the remote description and then flushes
// queued candidates in arrival order. It returns false without error when a
// remote description is already set.
func (s *PeerSession) ApplyRemoteDescription(desc models.SessionDescription, want models.SDPType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return false, err
	}
	if s.remoteDescriptionSet {
		return false, nil
	}
	if err := desc.Validate(want); err != nil {
		return false, err
	}
	if err := s.transport.SetRemoteDescription(desc); err != nil {
		return false, err
	}
	s.remoteDescriptionSet = true
	s.remote = desc

	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.transport.AddICECandidate(c); err != nil {
			s.logger.Debug().Err(&CandidateError{PeerID: s.PeerID, Err: err}).Msg("Dropping queued candidate")
		}
	}
	if len(pending) > 0 {
		s.logger.Debug().Int("count", len(pending)).Msg("Flushed queued candidates")
	}
	return true, nil
}

// AddRemoteCandidate hands c to the transport, or queues it until the remote
// description is set. A refused candidate is returned as *CandidateError and
// leaves the session intact.
func (s *PeerSession) AddRemoteCandidate(c models.IceCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if !s.remoteDescriptionSet {
		s.pending = append(s.pending, c)
		return nil
	}
	if err := s.transport.AddICECandidate(c); err != nil {
		return &CandidateError{PeerID: s.PeerID, Err: err}
	}
	return nil
}

func (s *PeerSession) usableLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.transport == nil {
		return ErrNoTransport
	}
	return nil
}

func (s *PeerSession) LocalDescriptionSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localDescriptionSet
}

func (s *PeerSession) RemoteDescriptionSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteDescriptionSet
}

// RemoteDescription returns the applied remote description, if any.
func (s *PeerSession) RemoteDescription() (models.SessionDescription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote, s.remoteDescriptionSet
}

// PendingCandidates returns the number of queued remote candidates.
func (s *PeerSession) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Control returns the cached control state.
func (s *PeerSession) Control() models.ControlState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

// SetControl caches c and reports whether it differs from the previous value.
func (s *PeerSession) SetControl(c models.ControlState) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrSessionClosed
	}
	changed = s.control != c
	s.control = c
	return changed, nil
}

// WithControlLock runs fn while holding the session's control lock.
func (s *PeerSession) WithControlLock(fn func() error) error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	return fn()
}

// SetConnected records whether the transport is connected.
func (s *PeerSession) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

func (s *PeerSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Done is closed once the session is removed.
func (s *PeerSession) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether the session was removed.
func (s *PeerSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Info returns a snapshot for status reporting.
func (s *PeerSession) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		PeerID:               s.PeerID,
		Role:                 string(s.Role),
		LocalDescriptionSet:  s.localDescriptionSet,
		RemoteDescriptionSet: s.remoteDescriptionSet,
		PendingCandidates:    len(s.pending),
		Connected:            s.connected,
		Control:              s.control,
		CreatedBy:            s.CreatedBy,
		CreatedAt:            s.CreatedAt,
	}
}

// close marks the session closed and closes its transport. Idempotent.
func (s *PeerSession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.pending = nil
	s.connected = false
	tr := s.transport
	s.mu.Unlock()

	if tr != nil {
		if err := tr.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Transport close failed")
		}
	}
}
