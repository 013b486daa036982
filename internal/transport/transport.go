// Package transport wraps one negotiated peer connection behind the small
// surface the negotiators need.
package transport

import (
	"context"

	"github.com/mossy-p/camlink/internal/media"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/pion/webrtc/v4"
)

// ConnectionState mirrors the peer connection's aggregate state.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// RemoteTrack is a media track received from the other side.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string

	// Remote is the underlying pion track; nil for non-pion transports.
	Remote *webrtc.TrackRemote
}

// Transport is one peer connection.
//
// CreateOffer and CreateAnswer also apply the generated description as the
// local description.
type Transport interface {
	AddTrack(track media.Track) error
	AddRecvOnlyAudio() error
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	CreateAnswer(ctx context.Context) (models.SessionDescription, error)
	SetRemoteDescription(desc models.SessionDescription) error
	AddICECandidate(c models.IceCandidate) error

	// SetTrackEnabled gates sending of a previously added local track on this
	// connection only.
	SetTrackEnabled(trackID string, enabled bool) error

	SignalingStable() bool

	OnICECandidate(fn func(models.IceCandidate))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(ConnectionState))

	Close() error
}

// Factory builds transports with a shared configuration.
type Factory interface {
	NewTransport() (Transport, error)
}
