package session

import (
	"errors"
	"fmt"
)

// Package errors.
var (
	// ErrDuplicateSession is returned by Create when the peer already has a session.
	ErrDuplicateSession = errors.New("session: duplicate session")

	// ErrSessionClosed is returned when operating on a removed session.
	ErrSessionClosed = errors.New("session: closed")

	// ErrRegistryClosed is returned by Create after the room was left.
	ErrRegistryClosed = errors.New("session: registry closed")

	// ErrLocalDescriptionSet is returned when a second local description is generated.
	ErrLocalDescriptionSet = errors.New("session: local description already set")

	// ErrNoTransport is returned when negotiating before a transport is attached.
	ErrNoTransport = errors.New("session: no transport attached")
)

// CandidateError reports a candidate the transport refused. It never fails
// the session.
type CandidateError struct {
	PeerID string
	Err    error
}

func (e *CandidateError) Error() string {
	return fmt.Sprintf("session %s: add candidate: %v", e.PeerID, e.Err)
}

func (e *CandidateError) Unwrap() error { return e.Err }
