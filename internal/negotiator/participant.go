// Package negotiator drives the camera and anchor sides of a room: offer and
// answer exchange, candidate relay, remote control and teardown.
package negotiator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/camlink/internal/media"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/session"
	"github.com/mossy-p/camlink/internal/signaling"
	"github.com/mossy-p/camlink/internal/transport"
	"github.com/rs/zerolog"
)

// Config configures a Participant.
type Config struct {
	// Identity is the caller identity written as createdBy.
	Identity string
	// DeviceID is this device's peer id. A random UUID when empty.
	DeviceID string

	Channel    signaling.Channel
	Transports transport.Factory

	// NegotiationTimeout bounds how long an anchor waits for a camera
	// connection after accepting its offer. Zero waits forever.
	NegotiationTimeout time.Duration

	// OnTalkback receives the anchor's talk-back track while broadcasting.
	// It runs on the transport's callback and must not block. Nil discards
	// the track.
	OnTalkback func(TrackEvent)

	Logger zerolog.Logger
}

// Participant is the local side of a room: a camera or an anchor. It holds
// at most one active room at a time.
type Participant struct {
	identity   string
	deviceID   string
	channel    signaling.Channel
	transports transport.Factory
	timeout    time.Duration
	talkback   func(TrackEvent)
	logger     zerolog.Logger

	mu   sync.Mutex
	room *room

	events *broker
	now    func() time.Time
}

func NewParticipant(cfg Config) (*Participant, error) {
	if cfg.Channel == nil {
		return nil, errors.New("negotiator: signaling channel required")
	}
	if cfg.Transports == nil {
		return nil, errors.New("negotiator: transport factory required")
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	identity := cfg.Identity
	if identity == "" {
		identity = deviceID
	}

	talkback := cfg.OnTalkback
	if talkback == nil {
		talkback = func(TrackEvent) {}
	}

	return &Participant{
		identity:   identity,
		deviceID:   deviceID,
		channel:    cfg.Channel,
		transports: cfg.Transports,
		timeout:    cfg.NegotiationTimeout,
		talkback:   talkback,
		logger:     cfg.Logger.With().Str("device_id", deviceID).Logger(),
		events:     newBroker(cfg.Logger),
		now:        time.Now,
	}, nil
}

// DeviceID returns the peer id this participant broadcasts under.
func (p *Participant) DeviceID() string { return p.deviceID }

// Identity returns the caller identity.
func (p *Participant) Identity() string { return p.identity }

// Subscribe returns a stream of participant events that closes when ctx is
// done. Events are dropped for a subscriber that falls behind.
func (p *Participant) Subscribe(ctx context.Context) <-chan Event {
	return p.events.subscribe(ctx)
}

// enterRoom leaves the current room and makes a new one active. The room
// takes ownership of tracks.
func (p *Participant) enterRoom(roomID string, role session.Role, tracks []media.Track) (*room, error) {
	id := models.NormalizeRoomID(roomID)
	if id == "" {
		media.StopAll(tracks)
		return nil, ErrInvalidRoomID
	}

	p.LeaveRoom()

	r := newRoom(id, role, tracks, p.logger)

	p.mu.Lock()
	prev := p.room
	p.room = r
	p.mu.Unlock()

	// a concurrent start raced us in between
	if prev != nil {
		p.closeRoom(prev)
	}

	r.logger.Info().Msg("Entered room")
	return r, nil
}

// abandon tears down r after a failed start, without announcing it.
func (p *Participant) abandon(r *room) {
	p.mu.Lock()
	if p.room == r {
		p.room = nil
	}
	p.mu.Unlock()
	r.close()
}

func (p *Participant) activeRoom() *room {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room
}

// LeaveRoom closes every session of the active room, stops local media and
// ends every subscription. It is idempotent and safe to call at any point,
// including while a start is in flight.
func (p *Participant) LeaveRoom() {
	p.mu.Lock()
	r := p.room
	p.room = nil
	p.mu.Unlock()

	if r != nil {
		p.closeRoom(r)
	}
}

func (p *Participant) closeRoom(r *room) {
	r.close()
	p.events.publish(Event{Type: models.EventTypeRoomLeft, RoomID: r.id})
}

// Status returns a snapshot of the active room.
func (p *Participant) Status() models.RoomStatus {
	status := models.RoomStatus{DeviceID: p.deviceID, Sessions: []models.SessionInfo{}}

	r := p.activeRoom()
	if r == nil {
		return status
	}
	status.RoomID = r.id
	status.Role = string(r.role)
	if err := r.err(); err != nil {
		status.Error = err.Error()
	}
	for _, s := range r.registry.Sessions() {
		status.Sessions = append(status.Sessions, s.Info())
	}
	return status
}

// dropSession removes s after a terminal failure and reports it once.
func (p *Participant) dropSession(r *room, s *session.PeerSession, err error) {
	if !r.registry.RemoveSession(s) {
		return
	}
	if r.ctx.Err() != nil {
		return
	}
	r.logger.Warn().Err(err).Str("peer_id", s.PeerID).Msg("Dropped peer session")
	p.events.publish(Event{Type: models.EventTypePeerDropped, RoomID: r.id, PeerID: s.PeerID, Err: err})
}

// watchConnection tracks the transport state of s; a failed transport drops
// the session and is never retried.
func (p *Participant) watchConnection(r *room, s *session.PeerSession, tr transport.Transport) {
	tr.OnConnectionStateChange(func(state transport.ConnectionState) {
		r.logger.Debug().Str("peer_id", s.PeerID).Str("state", string(state)).Msg("Connection state changed")
		switch state {
		case transport.StateConnected:
			s.SetConnected(true)
		case transport.StateDisconnected:
			s.SetConnected(false)
		case transport.StateFailed:
			p.dropSession(r, s, &NegotiationError{PeerID: s.PeerID, Op: "connect", Err: errors.New("transport failed")})
		}
	})
}

// publishCandidates relays local candidates to the given side's list, in
// gathering order. Candidates gathered before start is called are held.
func (p *Participant) publishCandidates(ctx context.Context, r *room, s *session.PeerSession, tr transport.Transport, side models.CandidateSide) (start func()) {
	feed := signaling.NewFeed[models.IceCandidate]()
	tr.OnICECandidate(feed.Push)

	return func() {
		out := make(chan models.IceCandidate)
		go feed.Run(ctx, out)
		go func() {
			for c := range out {
				if err := p.channel.AppendCandidate(ctx, r.id, s.PeerID, side, c); err != nil {
					if ctx.Err() != nil {
						return
					}
					r.logger.Warn().Err(err).Str("peer_id", s.PeerID).Msg("Failed to publish candidate")
				}
			}
		}()
	}
}

// watchFailed drops s when a subscription feeding it ended with a store
// failure. A subscription that ended with its context is not a failure.
func (p *Participant) watchFailed(r *room, s *session.PeerSession, op string, err error) {
	if err == nil {
		return
	}
	p.dropSession(r, s, &NegotiationError{PeerID: s.PeerID, Op: op, Err: err})
}

// applyRemoteCandidates feeds a candidate subscription into s until it ends.
func (p *Participant) applyRemoteCandidates(r *room, s *session.PeerSession, cands *signaling.Watch[models.IceCandidate]) {
	for c := range cands.C {
		err := s.AddRemoteCandidate(c)
		if errors.Is(err, session.ErrSessionClosed) {
			return
		}
		if err != nil {
			r.logger.Debug().Err(err).Str("peer_id", s.PeerID).Msg("Ignoring candidate")
		}
	}
	p.watchFailed(r, s, "watch candidates", cands.Err())
}
