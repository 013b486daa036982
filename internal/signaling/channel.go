// Package signaling defines the pub/sub store used to relay offers, answers,
// candidates and control updates between participants of a room.
//
// A room holds one peer document per camera plus two append-only candidate
// lists per document. Documents are last-write-wins at field granularity:
// SetAnswer and SetControls only touch their own field.
//
// Watch operations return a lazy, unbounded sequence as a *Watch. The first
// values reflect the current state (every document of the room, the current
// document, or the full candidate list), followed by every later change in
// store order. The channel is closed once ctx is cancelled or the store
// fails, in which case Err reports the failure; it cannot be restarted.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossy-p/camlink/internal/models"
)

// ErrNotFound is returned when a peer document does not exist.
var ErrNotFound = errors.New("signaling: document not found")

// Channel is the signaling relay shared by all participants of a room.
type Channel interface {
	// PutDocument creates or replaces the peer document doc.PeerID.
	PutDocument(ctx context.Context, roomID string, doc models.PeerDocument) error

	// GetDocument returns the current peer document.
	GetDocument(ctx context.Context, roomID, peerID string) (models.PeerDocument, error)

	// SetAnswer stores the answer field of an existing document.
	SetAnswer(ctx context.Context, roomID, peerID string, answer models.SessionDescription) error

	// SetControls stores the controls field of an existing document.
	SetControls(ctx context.Context, roomID, peerID string, controls models.ControlState) error

	// AppendCandidate appends to one of the document's candidate lists.
	AppendCandidate(ctx context.Context, roomID, peerID string, side models.CandidateSide, c models.IceCandidate) error

	// ListPeers returns every document stored under the room.
	ListPeers(ctx context.Context, roomID string) ([]models.PeerDocument, error)

	// DeleteRoom removes every document and candidate list of the room.
	DeleteRoom(ctx context.Context, roomID string) error

	WatchRoom(ctx context.Context, roomID string) (*Watch[models.PeerDocument], error)
	WatchDocument(ctx context.Context, roomID, peerID string) (*Watch[models.PeerDocument], error)
	WatchCandidates(ctx context.Context, roomID, peerID string, side models.CandidateSide) (*Watch[models.IceCandidate], error)
}

// ChannelError reports a failure of the store itself.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("signaling: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Wrap returns err wrapped in a ChannelError, or nil. ErrNotFound and
// context cancellation are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return err
	}
	var ce *ChannelError
	if errors.As(err, &ce) {
		return err
	}
	return &ChannelError{Op: op, Err: err}
}
