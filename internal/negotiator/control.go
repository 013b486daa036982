package negotiator

import (
	"context"
	"fmt"

	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/session"
)

// SetControl merges partial over the peer's stored controls and publishes
// the result. Calls for one peer are serialised, so back-to-back updates of
// different fields never clobber each other. The stored result is returned.
func (p *Participant) SetControl(ctx context.Context, peerID string, partial models.PartialControl) (models.ControlState, error) {
	r := p.activeRoom()
	if r == nil {
		return models.ControlState{}, ErrNoRoom
	}
	if r.role != session.RoleAggregator {
		return models.ControlState{}, ErrNotAggregator
	}
	s, ok := r.registry.Get(peerID)
	if !ok {
		return models.ControlState{}, ErrUnknownPeer
	}

	opCtx, done := r.bind(ctx)
	defer done()

	var merged models.ControlState
	err := s.WithControlLock(func() error {
		doc, err := p.channel.GetDocument(opCtx, r.id, peerID)
		if err != nil {
			return fmt.Errorf("read controls: %w", err)
		}

		merged = doc.CurrentControls().Merge(partial)
		if partial.IsEmpty() {
			return nil
		}
		if err := p.channel.SetControls(opCtx, r.id, peerID, merged); err != nil {
			return fmt.Errorf("publish controls: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.ControlState{}, interrupted(opCtx, err)
	}

	r.logger.Debug().Str("peer_id", peerID).Interface("controls", merged).Msg("Controls published")
	return merged, nil
}
