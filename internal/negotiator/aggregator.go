package negotiator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/camlink/internal/media"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/session"
	"github.com/mossy-p/camlink/internal/signaling"
	"github.com/mossy-p/camlink/internal/transport"
)

// StartAggregating joins roomID as an anchor. Every camera offer found in the
// room gets its own session and answer; received tracks are emitted on the
// returned channel, which closes when the room is left.
//
// audio is the optional talk-back track sent to every camera. The
// participant owns it from this call on.
func (p *Participant) StartAggregating(ctx context.Context, roomID string, audio media.Track) (<-chan TrackEvent, error) {
	var tracks []media.Track
	if audio != nil {
		tracks = append(tracks, audio)
	}

	r, err := p.enterRoom(roomID, session.RoleAggregator, tracks)
	if err != nil {
		return nil, err
	}

	opCtx, done := r.bind(ctx)
	defer done()

	// subscribe before returning so a ChannelError reaches the caller
	docs, err := p.channel.WatchRoom(r.ctx, r.id)
	if err == nil {
		err = opCtx.Err()
	}
	if err != nil {
		p.abandon(r)
		err = interrupted(opCtx, err)
		r.logger.Error().Err(err).Msg("Aggregation failed")
		return nil, err
	}

	r.trackFeed = signaling.NewFeed[TrackEvent]()
	r.trackOut = make(chan TrackEvent)
	go r.trackFeed.Run(r.ctx, r.trackOut)

	go p.discover(r, docs, audio)

	r.logger.Info().Bool("talkback", audio != nil).Msg("Aggregating")
	return r.trackOut, nil
}

// discover accepts every unanswered offer in the room. Duplicate deliveries
// of a document already being handled are ignored.
func (p *Participant) discover(r *room, docs *signaling.Watch[models.PeerDocument], audio media.Track) {
	for doc := range docs.C {
		if !doc.AwaitingAnswer() || doc.PeerID == p.deviceID {
			continue
		}

		// a camera that re-broadcast under the same id replaces its old session
		if existing, ok := r.registry.Get(doc.PeerID); ok {
			remote, set := existing.RemoteDescription()
			if !set || remote.SDP == doc.Offer.SDP {
				continue
			}
			r.logger.Info().Str("peer_id", doc.PeerID).Msg("Camera re-offered, replacing session")
			p.dropSession(r, existing, &NegotiationError{PeerID: doc.PeerID, Op: "discover", Err: errors.New("superseded by a new offer")})
		}

		s, err := r.registry.Create(doc.PeerID, session.RoleAggregator, p.identity)
		if errors.Is(err, session.ErrDuplicateSession) {
			r.logger.Debug().Str("peer_id", doc.PeerID).Msg("Ignoring duplicate discovery")
			continue
		}
		if err != nil {
			return
		}

		go p.accept(r, s, doc, audio)
	}

	// established sessions keep running on their own subscriptions
	if err := docs.Err(); err != nil {
		p.discoveryFailed(r, err)
	}
}

// discoveryFailed records that r no longer finds new cameras and reports it.
func (p *Participant) discoveryFailed(r *room, err error) {
	if r.ctx.Err() != nil {
		return
	}
	r.fail(err)
	r.logger.Error().Err(err).Msg("Room watch failed, discovery stopped")
	p.events.publish(Event{Type: models.EventTypeError, RoomID: r.id, Err: err})
}

// accept answers one camera. Failures drop only this camera's session.
func (p *Participant) accept(r *room, s *session.PeerSession, doc models.PeerDocument, audio media.Track) {
	sctx := r.sessionContext(s)
	logger := r.logger.With().Str("peer_id", s.PeerID).Logger()

	if err := p.answer(sctx, r, s, doc, audio); err != nil {
		if sctx.Err() != nil {
			return
		}
		var ne *NegotiationError
		if !errors.As(err, &ne) {
			err = &NegotiationError{PeerID: s.PeerID, Op: "answer", Err: err}
		}
		p.dropSession(r, s, err)
		return
	}
	logger.Info().Msg("Answer published")

	if p.timeout > 0 {
		go p.expireUnconnected(sctx, r, s)
	}
}

func (p *Participant) answer(ctx context.Context, r *room, s *session.PeerSession, doc models.PeerDocument, audio media.Track) error {
	tr, err := p.transports.NewTransport()
	if err != nil {
		return &NegotiationError{PeerID: s.PeerID, Op: "create transport", Err: err}
	}
	if err := s.Attach(tr); err != nil {
		return err
	}

	if audio != nil {
		if err := tr.AddTrack(audio); err != nil {
			// the anchor stays muted towards this camera
			r.logger.Warn().Err(err).Str("peer_id", s.PeerID).Msg("Failed to attach talk-back audio")
			audio = nil
		}
	}

	startCandidates := p.publishCandidates(ctx, r, s, tr, models.AnswerSide)
	startCandidates()
	p.watchConnection(r, s, tr)

	tr.OnTrack(func(track transport.RemoteTrack) {
		if ctx.Err() != nil {
			return
		}
		r.logger.Info().Str("peer_id", s.PeerID).Str("track_id", track.ID).Str("kind", track.Kind).Msg("Track received")
		r.trackFeed.Push(TrackEvent{PeerID: s.PeerID, Track: track})
		p.events.publish(Event{Type: models.EventTypeTrackAdded, RoomID: r.id, PeerID: s.PeerID, Track: &track})
	})

	if _, err := s.ApplyRemoteDescription(*doc.Offer, models.SDPTypeOffer); err != nil {
		return &NegotiationError{PeerID: s.PeerID, Op: "apply offer", Err: err}
	}
	answer, err := s.CreateAnswer(ctx)
	if err != nil {
		return &NegotiationError{PeerID: s.PeerID, Op: "create answer", Err: err}
	}
	if err := p.channel.SetAnswer(ctx, r.id, s.PeerID, answer); err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}

	// the remote description is already set, so candidates apply directly
	cands, err := p.channel.WatchCandidates(ctx, r.id, s.PeerID, models.OfferSide)
	if err != nil {
		return fmt.Errorf("watch candidates: %w", err)
	}
	go p.applyRemoteCandidates(r, s, cands)

	docs, err := p.channel.WatchDocument(ctx, r.id, s.PeerID)
	if err != nil {
		return fmt.Errorf("watch document: %w", err)
	}
	go p.followControls(r, s, tr, audio, docs)
	return nil
}

// followControls caches control echoes for the peer and gates the talk-back
// track on this connection by anchorMic.
func (p *Participant) followControls(r *room, s *session.PeerSession, tr transport.Transport, audio media.Track, docs *signaling.Watch[models.PeerDocument]) {
	for doc := range docs.C {
		if doc.Controls == nil {
			continue
		}
		c := doc.Controls.Normalize()
		prev := s.Control()
		changed, err := s.SetControl(c)
		if err != nil {
			return
		}
		if !changed {
			continue
		}

		if audio != nil && prev.AnchorMic != c.AnchorMic {
			if err := tr.SetTrackEnabled(audio.ID(), c.AnchorMic); err != nil {
				r.logger.Warn().Err(err).Str("peer_id", s.PeerID).Msg("Failed to gate talk-back audio")
			}
		}
		p.events.publish(Event{Type: models.EventTypeControlChanged, RoomID: r.id, PeerID: s.PeerID, Control: &c})
	}
	p.watchFailed(r, s, "watch document", docs.Err())
}

// expireUnconnected drops s if it has not connected within the negotiation
// timeout.
func (p *Participant) expireUnconnected(ctx context.Context, r *room, s *session.PeerSession) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		if !s.Connected() {
			p.dropSession(r, s, &NegotiationError{PeerID: s.PeerID, Op: "connect", Err: ErrNegotiationTimeout})
		}
	}
}
