package negotiator

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRoomID is returned for an empty room id.
	ErrInvalidRoomID = errors.New("negotiator: room id required")

	// ErrNoRoom is returned when an operation needs an active room.
	ErrNoRoom = errors.New("negotiator: no active room")

	// ErrRoomLeft is returned by an operation interrupted by LeaveRoom.
	ErrRoomLeft = errors.New("negotiator: room left")

	// ErrNotAggregator is returned by SetControl on a camera.
	ErrNotAggregator = errors.New("negotiator: controls are set by the aggregator")

	// ErrUnknownPeer is returned by SetControl for a peer without a session.
	ErrUnknownPeer = errors.New("negotiator: unknown peer")

	// ErrNegotiationTimeout drops a session that never connected.
	ErrNegotiationTimeout = errors.New("negotiator: negotiation timed out")
)

// NegotiationError reports a malformed or unexpected payload, or a failed
// negotiation step, for a single peer. The peer's session is dropped; other
// peers are unaffected.
type NegotiationError struct {
	PeerID string
	Op     string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s: %s: %v", e.PeerID, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
