package models

import (
	"errors"
	"fmt"
)

// SDPType tags a session description's direction.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an opaque negotiation blob with its direction tag.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ErrMalformedDescription is returned by Validate.
var ErrMalformedDescription = errors.New("models: malformed session description")

// Validate checks the description carries the expected tag and a body.
func (d SessionDescription) Validate(want SDPType) error {
	if d.Type != want {
		return fmt.Errorf("%w: type %q, want %q", ErrMalformedDescription, d.Type, want)
	}
	if d.SDP == "" {
		return fmt.Errorf("%w: empty sdp", ErrMalformedDescription)
	}
	return nil
}

// CandidateSide names which side of the exchange produced a candidate.
type CandidateSide string

const (
	OfferSide  CandidateSide = "offer"
	AnswerSide CandidateSide = "answer"
)

// Valid reports whether s is one of the two known sides.
func (s CandidateSide) Valid() bool {
	return s == OfferSide || s == AnswerSide
}

// IceCandidate is a network-reachability hint, passed through as produced by
// the ICE layer.
type IceCandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// PeerDocument is the per-camera document stored under a room.
type PeerDocument struct {
	PeerID    string              `json:"peerId"`
	CreatedBy string              `json:"createdBy"`
	Timestamp int64               `json:"timestamp"` // unix millis, informational
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Controls  *ControlState       `json:"controls,omitempty"`
}

// AwaitingAnswer reports whether the document holds an offer nobody answered yet.
func (d PeerDocument) AwaitingAnswer() bool {
	return d.Offer != nil && d.Answer == nil
}

// CurrentControls returns the stored controls, or the defaults when absent.
func (d PeerDocument) CurrentControls() ControlState {
	if d.Controls == nil {
		return DefaultControls()
	}
	return *d.Controls
}

// Clone returns a deep copy of d.
func (d PeerDocument) Clone() PeerDocument {
	out := d
	if d.Offer != nil {
		offer := *d.Offer
		out.Offer = &offer
	}
	if d.Answer != nil {
		answer := *d.Answer
		out.Answer = &answer
	}
	if d.Controls != nil {
		controls := *d.Controls
		out.Controls = &controls
	}
	return out
}
