package negotiator

import (
	"context"
	"fmt"

	"github.com/mossy-p/camlink/internal/media"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/session"
	"github.com/mossy-p/camlink/internal/signaling"
	"github.com/mossy-p/camlink/internal/transport"
)

// StartBroadcast publishes tracks into roomID as a camera. The participant
// owns tracks from this call on and stops them when the room is left.
//
// On failure nothing stays registered: the session and the room are rolled
// back and the tracks stopped. A track the transport refuses is reported as
// *media.HardwareError.
func (p *Participant) StartBroadcast(ctx context.Context, roomID string, tracks []media.Track) (*session.PeerSession, error) {
	r, err := p.enterRoom(roomID, session.RoleBroadcaster, tracks)
	if err != nil {
		return nil, err
	}

	opCtx, done := r.bind(ctx)
	defer done()

	s, err := p.broadcast(opCtx, r, tracks)
	if err != nil {
		p.abandon(r)
		err = interrupted(opCtx, err)
		r.logger.Error().Err(err).Msg("Broadcast failed")
		return nil, err
	}

	r.logger.Info().Str("peer_id", s.PeerID).Int("tracks", len(tracks)).Msg("Broadcasting")
	return s, nil
}

func (p *Participant) broadcast(ctx context.Context, r *room, tracks []media.Track) (*session.PeerSession, error) {
	s, err := r.registry.Create(p.deviceID, session.RoleBroadcaster, p.identity)
	if err != nil {
		return nil, err
	}

	tr, err := p.transports.NewTransport()
	if err != nil {
		return nil, &NegotiationError{PeerID: s.PeerID, Op: "create transport", Err: err}
	}
	if err := s.Attach(tr); err != nil {
		return nil, err
	}

	for _, t := range tracks {
		if err := tr.AddTrack(t); err != nil {
			return nil, &media.HardwareError{Device: t.Kind(), Err: err}
		}
	}
	if err := tr.AddRecvOnlyAudio(); err != nil {
		return nil, &NegotiationError{PeerID: s.PeerID, Op: "talk-back audio", Err: err}
	}

	sctx := r.sessionContext(s)
	startCandidates := p.publishCandidates(sctx, r, s, tr, models.OfferSide)
	p.watchConnection(r, s, tr)

	// talk-back audio from the anchor
	tr.OnTrack(func(track transport.RemoteTrack) {
		if sctx.Err() != nil {
			return
		}
		r.logger.Info().Str("track_id", track.ID).Str("kind", track.Kind).Msg("Talk-back track received")
		p.talkback(TrackEvent{PeerID: s.PeerID, Track: track})
		p.events.publish(Event{Type: models.EventTypeTrackAdded, RoomID: r.id, PeerID: s.PeerID, Track: &track})
	})

	offer, err := s.CreateOffer(ctx)
	if err != nil {
		return nil, &NegotiationError{PeerID: s.PeerID, Op: "create offer", Err: err}
	}

	controls := models.DefaultControls()
	doc := models.PeerDocument{
		PeerID:    s.PeerID,
		CreatedBy: p.identity,
		Timestamp: p.now().UnixMilli(),
		Offer:     &offer,
		Controls:  &controls,
	}
	if err := p.channel.PutDocument(ctx, r.id, doc); err != nil {
		return nil, fmt.Errorf("publish offer: %w", err)
	}
	startCandidates()

	docs, err := p.channel.WatchDocument(sctx, r.id, s.PeerID)
	if err != nil {
		return nil, fmt.Errorf("watch document: %w", err)
	}
	cands, err := p.channel.WatchCandidates(sctx, r.id, s.PeerID, models.AnswerSide)
	if err != nil {
		return nil, fmt.Errorf("watch candidates: %w", err)
	}

	go p.followAnswer(r, s, tr, docs)
	go p.applyRemoteCandidates(r, s, cands)
	return s, nil
}

// followAnswer applies the first answer and every control update written to
// the camera's own document.
func (p *Participant) followAnswer(r *room, s *session.PeerSession, tr transport.Transport, docs *signaling.Watch[models.PeerDocument]) {
	for doc := range docs.C {
		if doc.Answer != nil && !s.RemoteDescriptionSet() && !tr.SignalingStable() {
			applied, err := s.ApplyRemoteDescription(*doc.Answer, models.SDPTypeAnswer)
			if err != nil {
				p.dropSession(r, s, &NegotiationError{PeerID: s.PeerID, Op: "apply answer", Err: err})
				return
			}
			if applied {
				r.logger.Info().Str("peer_id", s.PeerID).Msg("Answer applied")
			}
		}

		if doc.Controls != nil {
			p.applyLocalControls(r, s, tr, doc.Controls.Normalize())
		}
	}
	p.watchFailed(r, s, "watch document", docs.Err())
}

// applyLocalControls applies anchor-authored controls to the local media
// path. Zoom is best effort; remoteMic gates the outgoing audio.
func (p *Participant) applyLocalControls(r *room, s *session.PeerSession, tr transport.Transport, c models.ControlState) {
	prev := s.Control()
	changed, err := s.SetControl(c)
	if err != nil || !changed {
		return
	}

	if prev.Zoom != c.Zoom {
		for _, t := range r.tracks {
			if t.Kind() != media.KindVideo {
				continue
			}
			if !media.ApplyZoom(t, c.Zoom) {
				r.logger.Debug().Str("track_id", t.ID()).Float64("zoom", c.Zoom).Msg("Zoom not supported by track")
			}
		}
	}

	if prev.RemoteMic != c.RemoteMic {
		for _, t := range r.tracks {
			if t.Kind() != media.KindAudio {
				continue
			}
			if err := tr.SetTrackEnabled(t.ID(), c.RemoteMic); err != nil {
				r.logger.Warn().Err(err).Str("track_id", t.ID()).Msg("Failed to gate microphone")
			}
		}
	}

	r.logger.Debug().Interface("controls", c).Msg("Controls applied")
	p.events.publish(Event{Type: models.EventTypeControlChanged, RoomID: r.id, PeerID: s.PeerID, Control: &c})
}
